package notification

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/wneessen/go-mail"

	"rentcore/internal/domain"
)

type ContactReader interface {
	GetContact(ctx context.Context, id int64) (*domain.Contact, error)
}

type mailSender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// EmailNotifier mails each recipient of a booking event.
type EmailNotifier struct {
	contacts ContactReader
	sender   mailSender
	from     string
}

func NewEmailNotifier(cfg SMTPConfig, contacts ContactReader) (*EmailNotifier, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTLSConfig(&tls.Config{ServerName: cfg.Host}),
	}
	if cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.User),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create SMTP client (host=%s port=%d): %w", cfg.Host, cfg.Port, err)
	}
	return newEmailNotifier(client, cfg.From, contacts), nil
}

func newEmailNotifier(sender mailSender, from string, contacts ContactReader) *EmailNotifier {
	return &EmailNotifier{contacts: contacts, sender: sender, from: from}
}

func (n *EmailNotifier) Notify(ctx context.Context, ev domain.BookingEvent) error {
	var msgs []*mail.Msg
	var errs []error
	for _, userID := range ev.Recipients() {
		contact, err := n.contacts.GetContact(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("look up user %d: %w", userID, err))
			continue
		}
		if contact.Email == "" {
			continue
		}
		m, err := n.message(contact, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) > 0 {
		if err := n.sender.DialAndSendWithContext(ctx, msgs...); err != nil {
			errs = append(errs, fmt.Errorf("send booking %d mail: %w", ev.BookingID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *EmailNotifier) message(to *domain.Contact, ev domain.BookingEvent) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(n.from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", n.from, err)
	}
	if err := m.AddToFormat(to.Name, to.Email); err != nil {
		return nil, fmt.Errorf("invalid recipient for user %d: %w", to.ID, err)
	}
	m.Subject(fmt.Sprintf("%s - booking #%d", ev.Title(), ev.BookingID))

	greeting := "Hello"
	if to.Name != "" {
		greeting += " " + to.Name
	}
	m.SetBodyString(mail.TypeTextPlain, fmt.Sprintf("%s,\n\n%s.\n\nStatus: %s\nPayment: %s\n",
		greeting, describe(ev), ev.Status, ev.PaymentStatus))
	return m, nil
}
