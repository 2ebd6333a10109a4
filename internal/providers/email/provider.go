package email

import "context"

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

type Provider interface {
	Send(ctx context.Context, msg Message) error
	SendTemplate(ctx context.Context, msg Message, templateName string, data any) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) Send(ctx context.Context, msg Message) error {
	return nil
}

func (p *NoOpProvider) SendTemplate(ctx context.Context, msg Message, templateName string, data any) error {
	return nil
}
