// Package gate rejects images that are unlikely to show plant material
// before any inference is spent on them.
//
// The check is deliberately lenient: it counts pixels whose HSL colour falls
// in a green, yellow/brown or dark-green band on a small downsampled copy
// and compares the share against a threshold. False positives are fine;
// faces, documents and blank frames are what it is meant to stop.
package gate

import (
	"image"

	"golang.org/x/image/draw"
)

// SampleSize is the edge of the square the image is downsampled to.
const SampleSize = 100

// Result is the outcome of evaluating one image.
type Result struct {
	Ratio  float64
	Passed bool
}

// Gate applies a fixed plant-colour threshold.
type Gate struct {
	threshold float64
}

// New returns a gate that passes images whose plant-like pixel ratio is at
// least threshold.
func New(threshold float64) *Gate {
	return &Gate{threshold: threshold}
}

// Threshold reports the configured ratio threshold.
func (g *Gate) Threshold() float64 { return g.threshold }

// IsPlantLike reports whether img plausibly contains plant material.
func (g *Gate) IsPlantLike(img image.Image) bool {
	return g.Evaluate(img).Passed
}

// Evaluate computes the plant ratio of img and the pass decision.
func (g *Gate) Evaluate(img image.Image) Result {
	ratio := PlantRatio(img)
	return Result{Ratio: ratio, Passed: ratio >= g.threshold}
}

// PlantRatio returns the share of sampled pixels classified as plant-like.
// Empty images have a ratio of zero.
func PlantRatio(img image.Image) float64 {
	sample := Sample(img)
	if sample == nil {
		return 0
	}

	total, matches := 0, 0
	b := sample.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := sample.Pix[(y-b.Min.Y)*sample.Stride:]
		for x := 0; x < b.Dx(); x++ {
			p := row[x*4 : x*4+3]
			h, s, l := RGBToHSL(p[0], p[1], p[2])
			if IsPlantColor(h, s, l) {
				matches++
			}
			total++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(matches) / float64(total)
}

// Sample draws img onto a SampleSize x SampleSize RGBA canvas with bilinear
// filtering. It returns nil for empty images.
func Sample(img image.Image) *image.RGBA {
	if img == nil || img.Bounds().Empty() {
		return nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, SampleSize, SampleSize))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// IsPlantColor classifies one HSL triple. Hue is in degrees, saturation and
// lightness in [0,1].
func IsPlantColor(h, s, l float64) bool {
	green := h >= 40 && h <= 180 && s > 0.08 && l > 0.05 && l < 0.95
	yellowBrown := h >= 15 && h <= 60 && l > 0.05 && l < 0.90
	darkGreen := h >= 60 && h <= 180 && l > 0.02 && l < 0.4
	return green || yellowBrown || darkGreen
}
