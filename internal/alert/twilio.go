package alert

import (
	"context"
	"errors"
	"fmt"

	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// twilioSender is the part of the Twilio REST client the provider uses.
type twilioSender interface {
	CreateMessage(params *openapi.CreateMessageParams) (*openapi.ApiV2010Message, error)
}

// TwilioProvider sends SMS through the Twilio REST API.
type TwilioProvider struct {
	api  twilioSender
	from string
	to   string
}

// NewTwilioProvider returns a provider sending from one number to one
// recipient.
func NewTwilioProvider(accountSID, authToken, from, to string) *TwilioProvider {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioProvider{api: client.Api, from: from, to: to}
}

func (p *TwilioProvider) Name() string { return "twilio" }

type twilioResult struct {
	msg *openapi.ApiV2010Message
	err error
}

// Send creates the message. The SDK call takes no context, so ctx only
// bounds how long Send waits for it.
func (p *TwilioProvider) Send(ctx context.Context, msg Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &openapi.CreateMessageParams{}
	params.SetTo(p.to)
	params.SetFrom(p.from)
	params.SetBody(msg.Body)

	done := make(chan twilioResult, 1)
	go func() {
		m, err := p.api.CreateMessage(params)
		done <- twilioResult{msg: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("twilio create message: %w", ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("twilio create message: %w", res.err)
		}
		if res.msg == nil || res.msg.Sid == nil {
			return "", errors.New("twilio returned no message sid")
		}
		return *res.msg.Sid, nil
	}
}
