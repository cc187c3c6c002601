package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
)

// Message is one outbound email.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
}

// Mailer sends an email and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, m Message) (string, error)
}

// ResendMailer sends through the Resend API.
type ResendMailer struct {
	client *resend.Client
	From   string
}

func NewResendMailer(apiKey, from string) (*ResendMailer, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is empty")
	}
	if from == "" {
		return nil, errors.New("email from address is empty")
	}
	return &ResendMailer{client: resend.NewClient(apiKey), From: from}, nil
}

func (r *ResendMailer) Send(ctx context.Context, m Message) (string, error) {
	req := &resend.SendEmailRequest{
		From:    r.From,
		To:      m.To,
		Subject: m.Subject,
		Html:    m.HTML,
		Text:    m.Text,
	}
	if m.ReplyTo != "" {
		req.ReplyTo = m.ReplyTo
	}
	sent, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return sent.Id, nil
}
