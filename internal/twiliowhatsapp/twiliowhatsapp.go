// Package twiliowhatsapp sends outbound WhatsApp messages through the Twilio
// REST API. DialogPipe uses it to deliver one-time login codes.
package twiliowhatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsappPrefix = "whatsapp:"

// DefaultCodeTemplate is the message body used for one-time codes.
const DefaultCodeTemplate = "Your DialogPipe verification code is %s. Do not share it with anyone."

// messageCreator is the part of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromWhats    string
	CodeTemplate string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number, with or without the
// "whatsapp:" prefix.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// WithCodeTemplate sets the fmt template for code messages. It must contain
// exactly one %s.
func WithCodeTemplate(template string) Option {
	return func(o *Opts) { o.CodeTemplate = template }
}

// Client wraps the Twilio REST API for WhatsApp.
type Client struct {
	api          messageCreator
	fromWhats    string
	codeTemplate string
}

// NewClient creates a client from the options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{CodeTemplate: DefaultCodeTemplate}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, errors.New("fromWhats number must be provided")
	}
	if strings.Count(cfg.CodeTemplate, "%s") != 1 {
		return nil, fmt.Errorf("code template must contain exactly one %%s: %q", cfg.CodeTemplate)
	}

	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg), nil
}

func newClient(api messageCreator, cfg Opts) *Client {
	return &Client{
		api:          api,
		fromWhats:    whatsappAddress(cfg.FromWhats),
		codeTemplate: cfg.CodeTemplate,
	}
}

func whatsappAddress(number string) string {
	number = strings.TrimSpace(number)
	if strings.HasPrefix(number, whatsappPrefix) {
		return number
	}
	return whatsappPrefix + number
}

// SendMessage sends a WhatsApp message using the Twilio API.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(to))
	params.SetFrom(c.fromWhats)
	params.SetBody(body)

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", to, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}

	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return nil
}

// SendCode delivers a one-time login code. The code is never logged.
func (c *Client) SendCode(ctx context.Context, phone, code string) error {
	return c.SendMessage(ctx, phone, fmt.Sprintf(c.codeTemplate, code))
}
