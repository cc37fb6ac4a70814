// Package checkout integrates Stripe hosted Checkout Sessions.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"rentcore/internal/domain"
	"rentcore/internal/modules/payment"
)

const metadataCorrelation = "correlation_id"

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Currency      string
}

// sessionAPI is the part of the Stripe client the adapter calls.
type sessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type Provider struct {
	sessions sessionAPI
	refunds  refundAPI
	cfg      Config
}

func New(cfg Config) *Provider {
	sc := client.New(cfg.SecretKey, nil)
	return newProvider(sc.CheckoutSessions, sc.Refunds, cfg)
}

func newProvider(sessions sessionAPI, refunds refundAPI, cfg Config) *Provider {
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = string(stripe.CurrencyUSD)
	}
	return &Provider{sessions: sessions, refunds: refunds, cfg: cfg}
}

func (p *Provider) Name() domain.PaymentMethod { return domain.MethodCheckout }

// zeroDecimal lists the currencies Stripe takes in whole units rather than
// hundredths.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true,
	"xpf": true,
}

func minorPerUnit(currency string) float64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return 1
	}
	return 100
}

func unitAmount(amount float64, currency string) int64 {
	return int64(math.Round(amount * minorPerUnit(currency)))
}

func (p *Provider) Initiate(ctx context.Context, charge payment.Charge) (*payment.Initiation, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.cfg.SuccessURL),
		CancelURL:         stripe.String(p.cfg.CancelURL),
		ClientReferenceID: stripe.String(charge.CorrelationID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(p.cfg.Currency),
				UnitAmount: stripe.Int64(unitAmount(charge.Amount, p.cfg.Currency)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(charge.Subject),
				},
			},
			Quantity: stripe.Int64(1),
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{metadataCorrelation: charge.CorrelationID},
		},
	}
	params.Context = ctx
	params.AddMetadata(metadataCorrelation, charge.CorrelationID)
	params.AddMetadata("booking_id", strconv.FormatInt(charge.BookingID, 10))
	params.SetIdempotencyKey(charge.CorrelationID)

	sess, err := p.sessions.New(params)
	if err != nil {
		return nil, stripeError(err)
	}
	return &payment.Initiation{ProviderRef: sess.ID, RedirectURL: sess.URL}, nil
}

func (p *Provider) QueryStatus(ctx context.Context, q payment.StatusQuery) (*payment.ProviderStatus, error) {
	if q.ProviderRef == "" {
		return nil, &domain.ProviderError{Provider: domain.MethodCheckout, Message: "checkout session id is unknown"}
	}
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := p.sessions.Get(q.ProviderRef, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return p.sessionStatus(sess, sessionOutcome(sess)), nil
}

// ParseCallback verifies the Stripe-Signature header over the exact raw body
// and maps checkout session events. Events of other types come back as
// pending so they are acknowledged without effect.
func (p *Provider) ParseCallback(_ context.Context, cb payment.Callback) (*payment.ProviderStatus, error) {
	if p.cfg.WebhookSecret == "" || cb.Signature == "" {
		return nil, domain.ErrVerification
	}
	event, err := webhook.ConstructEventWithOptions(cb.RawBody, cb.Signature, p.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, domain.ErrVerification.Wrap(err)
	}
	if event.Data == nil {
		return nil, domain.ErrVerification.WithMessage("event has no data")
	}

	var outcome payment.Outcome
	switch string(event.Type) {
	case "checkout.session.completed":
		outcome = payment.OutcomePending
	case "checkout.session.async_payment_succeeded":
		outcome = payment.OutcomeSucceeded
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		outcome = payment.OutcomeFailed
	default:
		return &payment.ProviderStatus{Outcome: payment.OutcomePending, Nonce: event.ID}, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, domain.ErrVerification.Wrap(err)
	}
	if string(event.Type) == "checkout.session.completed" {
		outcome = sessionOutcome(&sess)
	}

	st := p.sessionStatus(&sess, outcome)
	if st.CorrelationID == "" {
		return nil, domain.ErrVerification.WithMessage("event carries no correlation id")
	}
	st.Nonce = event.ID
	if outcome == payment.OutcomeFailed {
		st.Reason = string(event.Type)
	}
	return st, nil
}

// Refund refunds the session's payment intent in full.
func (p *Provider) Refund(ctx context.Context, req payment.RefundRequest) error {
	intentID := req.TransactionID
	if intentID == "" && req.ProviderRef != "" {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		sess, err := p.sessions.Get(req.ProviderRef, params)
		if err != nil {
			return stripeError(err)
		}
		if sess.PaymentIntent != nil {
			intentID = sess.PaymentIntent.ID
		}
	}
	if intentID == "" {
		return &domain.ProviderError{Provider: domain.MethodCheckout, Message: "no payment intent to refund"}
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.AddMetadata(metadataCorrelation, req.CorrelationID)
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	params.SetIdempotencyKey("refund-" + req.CorrelationID)

	if _, err := p.refunds.New(params); err != nil {
		return stripeError(err)
	}
	return nil
}

func sessionOutcome(sess *stripe.CheckoutSession) payment.Outcome {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return payment.OutcomeSucceeded
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return payment.OutcomeFailed
	}
	return payment.OutcomePending
}

func (p *Provider) sessionStatus(sess *stripe.CheckoutSession, outcome payment.Outcome) *payment.ProviderStatus {
	currency := string(sess.Currency)
	if currency == "" {
		currency = p.cfg.Currency
	}
	st := &payment.ProviderStatus{
		Outcome:       outcome,
		CorrelationID: sess.ClientReferenceID,
		Amount:        float64(sess.AmountTotal) / minorPerUnit(currency),
	}
	if st.CorrelationID == "" {
		st.CorrelationID = sess.Metadata[metadataCorrelation]
	}
	if sess.PaymentIntent != nil {
		st.TransactionID = sess.PaymentIntent.ID
	}
	if outcome == payment.OutcomeSucceeded {
		at := time.Now().UTC()
		st.SettledAt = &at
	}
	return st
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &domain.ProviderError{
			Provider: domain.MethodCheckout,
			Code:     string(se.Code),
			Message:  se.Msg,
			Err:      err,
		}
	}
	return &domain.ProviderError{Provider: domain.MethodCheckout, Message: fmt.Sprintf("stripe: %v", err), Err: err}
}
