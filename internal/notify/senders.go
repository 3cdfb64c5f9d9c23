package notify

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Message — единица доставки. Subject используют только email-каналы.
type Message struct {
	Recipient string
	Subject   string
	Content   string
}

// Sender — транспорт одного канала уведомлений.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SendgridSender шлёт письма через SendGrid v3 API.
type SendgridSender struct {
	client   *sendgrid.Client
	fromName string
	fromMail string
}

func NewSendgridSender(apiKey, fromName, fromMail string) *SendgridSender {
	return &SendgridSender{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromMail: fromMail,
	}
}

func (s *SendgridSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.fromName, s.fromMail))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.Recipient))
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.Content))

	resp, err := s.client.SendWithContext(ctx, m)
	if err != nil {
		return errors.Wrap(err, "sendgrid send")
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// TwilioSender шлёт SMS через Twilio Messaging API.
type TwilioSender struct {
	client     *twilio.RestClient
	fromNumber string
}

func NewTwilioSender(accountSID, authToken, fromNumber string) *TwilioSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioSender{client: client, fromNumber: fromNumber}
}

func (t *TwilioSender) Send(_ context.Context, msg Message) error {
	params := &twilioapi.CreateMessageParams{}
	params.SetBody(msg.Content)
	params.SetFrom(t.fromNumber)
	params.SetTo(msg.Recipient)

	_, err := t.client.Api.CreateMessage(params)
	return errors.Wrap(err, "twilio create message")
}

// WebhookSender делает POST JSON на URL из настроек пользователя.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{client: &http.Client{Timeout: timeout}}
}

func (w *WebhookSender) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.Recipient, bytes.NewBufferString(msg.Content))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "webhook request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("webhook: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// PushSender отдаёт payload во внутренний push-шлюз.
// recipient — device token, шлюз сам решает, куда доставлять.
type PushSender struct {
	client     *http.Client
	gatewayURL string
}

func NewPushSender(gatewayURL string, timeout time.Duration) *PushSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PushSender{
		client:     &http.Client{Timeout: timeout},
		gatewayURL: gatewayURL,
	}
}

func (p *PushSender) Send(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewBufferString(msg.Content))
	if err != nil {
		return errors.Wrap(err, "build push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Token", msg.Recipient)

	resp, err := p.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "push request")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errors.Errorf("push gateway: status %d", resp.StatusCode)
	}
	return nil
}
