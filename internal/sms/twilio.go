// Package sms wraps the Twilio REST API for the two outbound actions the
// agent takes outside a live call: texting a teammate about a customer's
// choice, and ringing a customer to deliver a delay notification.
package sms

import (
	"fmt"
	"log/slog"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

// Messenger sends text messages.
type Messenger interface {
	Send(to, body string) error
}

// Caller originates outbound voice calls. It returns the provider call SID so
// delay data can be filed under it before the callee answers.
type Caller interface {
	StartCall(to string) (callSID string, err error)
}

// Config holds the REST credentials and routing numbers.
type Config struct {
	AccountSID string
	APIKey     string
	APISecret  string

	// FromNumber is the sender for both SMS and outbound calls.
	FromNumber string

	// TwiMLURL is the webhook an outbound call fetches its instructions
	// from; it points back at this process's /twiml endpoint.
	TwiMLURL string
}

// Twilio implements [Messenger] and [Caller] against the live API.
type Twilio struct {
	log    *slog.Logger
	cfg    Config
	client *twilio.RestClient
}

var (
	_ Messenger = (*Twilio)(nil)
	_ Caller    = (*Twilio)(nil)
)

// New creates the REST wrapper.
func New(log *slog.Logger, cfg Config) *Twilio {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username:   cfg.APIKey,
		Password:   cfg.APISecret,
		AccountSid: cfg.AccountSID,
	})
	return &Twilio{log: log, cfg: cfg, client: client}
}

// Send implements [Messenger].
func (t *Twilio) Send(to, body string) error {
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(t.cfg.FromNumber)
	params.SetBody(body)

	resp, err := t.client.Api.CreateMessage(params)
	if err != nil {
		return fmt.Errorf("sms: send to %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	t.log.Info("sms sent", "to", to, "message_sid", sid)
	return nil
}

// StartCall implements [Caller].
func (t *Twilio) StartCall(to string) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(t.cfg.FromNumber)
	params.SetUrl(t.cfg.TwiMLURL)
	params.SetMethod("POST")

	resp, err := t.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("sms: start call to %s: %w", to, err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("sms: start call to %s: response without sid", to)
	}
	t.log.Info("outbound call created", "to", to, "call_sid", *resp.Sid)
	return *resp.Sid, nil
}
