// Package alert forwards a finished diagnosis to an agricultural expert
// through a messaging provider. Provider failures never fail the caller's
// flow: the result then carries an sms: link with the same text so the
// farmer can send it by hand.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/example/leafscan/internal/logging"
)

var (
	// ErrInvalidPhone is returned before anything is sent when the phone
	// number is not exactly ten digits.
	ErrInvalidPhone = errors.New("phone number must be exactly 10 digits")
	// ErrMissingFields is returned when disease or confidence is empty.
	ErrMissingFields = errors.New("disease and confidence are required")
	// ErrNotConfigured is returned when no provider is configured.
	ErrNotConfigured = errors.New("alert provider not configured")
	// ErrRelayFailed wraps provider failures.
	ErrRelayFailed = errors.New("alert relay failed")
)

// Alert is what the farmer asks to send.
type Alert struct {
	Disease    string `json:"disease"`
	Confidence string `json:"confidence"`
	Language   string `json:"lang"`
	Phone      string `json:"phone"`
	Location   string `json:"location"`
}

// Message is a formatted alert handed to a provider.
type Message struct {
	Alert Alert
	Body  string
}

// Provider delivers one message and returns the provider's message id.
type Provider interface {
	Name() string
	Send(ctx context.Context, msg Message) (string, error)
}

// Result describes what happened to an alert. When Sent is false, Fallback
// holds a prefilled sms: link.
type Result struct {
	Sent      bool   `json:"sent"`
	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"alert_text"`
	Fallback  string `json:"fallback,omitempty"`
}

// Relay validates alerts and hands them to a provider.
type Relay struct {
	provider  Provider
	recipient string
	logger    *zap.Logger
}

// NewRelay builds a relay. provider may be nil, in which case every alert
// ends in the fallback. recipient is the expert's number used in fallback
// links.
func NewRelay(provider Provider, recipient string, logger *zap.Logger) *Relay {
	return &Relay{provider: provider, recipient: recipient, logger: logger.Named("alert_relay")}
}

// Configured reports whether a provider is available.
func (r *Relay) Configured() bool { return r.provider != nil }

// ValidatePhone accepts exactly ten ASCII digits, ignoring surrounding space.
func ValidatePhone(phone string) error {
	phone = strings.TrimSpace(phone)
	if len(phone) != 10 {
		return ErrInvalidPhone
	}
	for _, c := range phone {
		if c < '0' || c > '9' {
			return ErrInvalidPhone
		}
	}
	return nil
}

// Send validates a and forwards it. Validation failures return an error and
// an empty Result. Provider failures return ErrNotConfigured or
// ErrRelayFailed together with a Result carrying the fallback link.
func (r *Relay) Send(ctx context.Context, diagnosisID string, a Alert) (Result, error) {
	a.Phone = strings.TrimSpace(a.Phone)
	if err := ValidatePhone(a.Phone); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(a.Disease) == "" || strings.TrimSpace(a.Confidence) == "" {
		return Result{}, ErrMissingFields
	}

	text := FormatMessage(a)
	res := Result{Text: text}
	opLogger := logging.WithOperation(r.logger, "alert.send", diagnosisID)

	if r.provider == nil {
		opLogger.Warn("alert provider not configured, returning fallback")
		res.Fallback = FallbackLink(r.recipient, text)
		return res, ErrNotConfigured
	}

	res.Provider = r.provider.Name()
	id, err := r.provider.Send(ctx, Message{Alert: a, Body: text})
	if err != nil {
		wrapped := logging.NewOperationError("alert.send."+r.provider.Name(), diagnosisID, fmt.Errorf("%w: %w", ErrRelayFailed, err))
		opLogger.Warn("alert relay failed, returning fallback", zap.Error(wrapped))
		res.Fallback = FallbackLink(r.recipient, text)
		return res, wrapped
	}

	opLogger.Info("alert sent", zap.String("provider", res.Provider), zap.String("message_id", id))
	res.Sent = true
	res.MessageID = id
	return res, nil
}

// FormatMessage renders the alert text for the alert's language. Location
// is shortened to the part before the first comma.
func FormatMessage(a Alert) string {
	loc := "N/A"
	if a.Location != "" {
		if short := strings.TrimSpace(strings.SplitN(a.Location, ",", 2)[0]); short != "" {
			loc = short
		}
	}
	phone := a.Phone
	if phone == "" {
		phone = "N/A"
	}

	switch strings.ToLower(strings.TrimSpace(a.Language)) {
	case "pa":
		return fmt.Sprintf("AgriScan: %s (%s%%). ਕਿਸਾਨ: %s. ਸਥਾਨ: %s. ਕਿਰਪਾ ਕਰਕੇ ਕਾਲ ਕਰੋ।", a.Disease, a.Confidence, phone, loc)
	case "hi":
		return fmt.Sprintf("AgriScan: %s (%s%%). किसान: %s. स्थान: %s. कॉल करें।", a.Disease, a.Confidence, phone, loc)
	default:
		return fmt.Sprintf("AgriScan: %s (%s%%). Farmer: %s. Loc: %s. Call now.", a.Disease, a.Confidence, phone, loc)
	}
}

// FallbackLink builds an sms: URI with text prefilled for manual sending.
func FallbackLink(recipient, text string) string {
	body := strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return "sms:" + strings.TrimSpace(recipient) + "?body=" + body
}
