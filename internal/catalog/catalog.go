// Package catalog holds the ordered list of diagnosable classes and the
// localized remedy text attached to each of them.
//
// The order of a Catalog is the order of the model's output vector. Bind is
// the only place that order is checked against the model, and the runtime
// refuses to become ready when it fails.
package catalog

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCatalogMismatch reports that the catalog and a model disagree on the
// number or order of classes.
var ErrCatalogMismatch = errors.New("class catalog does not match model output")

// Class is one entry of the catalog.
type Class struct {
	ID      string
	Healthy bool
	Names   map[string]string
}

// Name returns the display name in lang, falling back to English and then
// to the identifier.
func (c Class) Name(lang string) string {
	if name, ok := c.Names[lang]; ok {
		return name
	}
	if name, ok := c.Names[DefaultLanguage]; ok {
		return name
	}
	return c.ID
}

// Catalog is an immutable, ordered set of classes for a set of languages.
type Catalog struct {
	classes   []Class
	index     map[string]int
	languages []string
}

// New builds a catalog with classes in the given order. Every class must
// have a name and a remedy in every listed language so that no lookup made
// by a diagnosis can miss.
func New(ids, languages []string) (*Catalog, error) {
	if len(ids) == 0 {
		return nil, errors.New("catalog: no classes")
	}
	if len(languages) == 0 {
		return nil, errors.New("catalog: no languages")
	}

	c := &Catalog{
		classes:   make([]Class, 0, len(ids)),
		index:     make(map[string]int, len(ids)),
		languages: append([]string(nil), languages...),
	}

	var errs []error
	for _, id := range ids {
		if _, dup := c.index[id]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate class %q", id))
			continue
		}
		e, ok := table[id]
		if !ok {
			errs = append(errs, fmt.Errorf("catalog: unknown class %q", id))
			continue
		}
		for _, lang := range languages {
			if _, ok := e.names[lang]; !ok {
				errs = append(errs, fmt.Errorf("catalog: class %q has no %s name", id, lang))
			}
			if _, ok := e.remedies[lang]; !ok {
				errs = append(errs, fmt.Errorf("catalog: class %q has no %s remedy", id, lang))
			}
		}
		c.index[id] = len(c.classes)
		c.classes = append(c.classes, Class{ID: id, Healthy: e.healthy, Names: e.names})
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Len is the number of classes, which must equal the model output width.
func (c *Catalog) Len() int { return len(c.classes) }

// At returns the class bound to output position i.
func (c *Catalog) At(i int) Class { return c.classes[i] }

// IDs returns the class identifiers in output order.
func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.classes))
	for i, cl := range c.classes {
		ids[i] = cl.ID
	}
	return ids
}

// Languages returns the supported language codes.
func (c *Catalog) Languages() []string {
	return append([]string(nil), c.languages...)
}

// ResolveLanguage maps a requested language onto a supported one.
func (c *Catalog) ResolveLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	for _, l := range c.languages {
		if l == lang {
			return l
		}
	}
	return DefaultLanguage
}

// Bind checks that modelClasses names exactly the catalog's classes in the
// catalog's order. A nil or empty modelClasses only checks the width.
func (c *Catalog) Bind(width int, modelClasses []string) error {
	if width != len(c.classes) {
		return fmt.Errorf("%w: model emits %d scores, catalog has %d classes", ErrCatalogMismatch, width, len(c.classes))
	}
	if len(modelClasses) == 0 {
		return nil
	}
	if len(modelClasses) != len(c.classes) {
		return fmt.Errorf("%w: model declares %d classes, catalog has %d", ErrCatalogMismatch, len(modelClasses), len(c.classes))
	}
	for i, id := range modelClasses {
		if c.classes[i].ID != id {
			return fmt.Errorf("%w: position %d is %q in the model but %q in the catalog", ErrCatalogMismatch, i, id, c.classes[i].ID)
		}
	}
	return nil
}

// Remedy returns the remedy for class id in lang. The language is resolved
// first, so an unsupported language yields the English text.
func (c *Catalog) Remedy(id, lang string) (Remedy, bool) {
	e, ok := table[id]
	if !ok {
		return Remedy{}, false
	}
	if r, ok := e.remedies[c.ResolveLanguage(lang)]; ok {
		return r, true
	}
	r, ok := e.remedies[DefaultLanguage]
	return r, ok
}

// Treatment returns the recommended treatment for class id. Healthy classes
// have none.
func (c *Catalog) Treatment(id string) (Treatment, bool) {
	e, ok := table[id]
	if !ok || e.treatment == nil {
		return Treatment{}, false
	}
	return *e.treatment, true
}
