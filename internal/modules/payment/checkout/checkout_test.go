package checkout

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76"

	"rentcore/internal/domain"
	"rentcore/internal/modules/payment"
)

const testWebhookSecret = "whsec_test"

type fakeSessions struct {
	created *stripe.CheckoutSessionParams
	session *stripe.CheckoutSession
	err     error
}

func (f *fakeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.created = params
	if f.err != nil {
		return nil, f.err
	}
	return &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (f *fakeSessions) Get(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type fakeRefunds struct {
	params *stripe.RefundParams
}

func (f *fakeRefunds) New(params *stripe.RefundParams) (*stripe.Refund, error) {
	f.params = params
	return &stripe.Refund{ID: "re_1"}, nil
}

func newTestProvider(s *fakeSessions, r *fakeRefunds) *Provider {
	return newProvider(s, r, Config{WebhookSecret: testWebhookSecret, SuccessURL: "https://app/ok", CancelURL: "https://app/cancel"})
}

func signStripe(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func sessionEvent(id, eventType, correlation, paymentStatus string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
  "id": %q,
  "object": "event",
  "type": %q,
  "data": {"object": {
    "id": "cs_test_1",
    "object": "checkout.session",
    "client_reference_id": %q,
    "payment_status": %q,
    "status": "complete",
    "amount_total": %d,
    "payment_intent": "pi_123"
  }}
}`, id, eventType, correlation, paymentStatus, amount))
}

func TestInitiate_CreatesSession(t *testing.T) {
	sessions := &fakeSessions{}
	p := newTestProvider(sessions, &fakeRefunds{})

	init, err := p.Initiate(context.Background(), payment.Charge{BookingID: 9, CorrelationID: "bk9-abc", Amount: 150, Subject: "Booking #9"})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", init.ProviderRef)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", init.RedirectURL)
	assert.Empty(t, init.QRCode)

	require.NotNil(t, sessions.created)
	assert.Equal(t, "bk9-abc", *sessions.created.ClientReferenceID)
	assert.Equal(t, int64(15000), *sessions.created.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "usd", *sessions.created.LineItems[0].PriceData.Currency)
	assert.Equal(t, "bk9-abc", *sessions.created.IdempotencyKey)
	assert.Equal(t, "9", sessions.created.Metadata["booking_id"])
}

func TestInitiate_ZeroDecimalCurrency(t *testing.T) {
	sessions := &fakeSessions{}
	p := newProvider(sessions, &fakeRefunds{}, Config{WebhookSecret: testWebhookSecret, Currency: "JPY"})

	_, err := p.Initiate(context.Background(), payment.Charge{BookingID: 9, CorrelationID: "bk9-jpy", Amount: 15000})
	require.NoError(t, err)
	assert.Equal(t, int64(15000), *sessions.created.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "jpy", *sessions.created.LineItems[0].PriceData.Currency)

	sessions.session = &stripe.CheckoutSession{
		ID:                "cs_test_1",
		ClientReferenceID: "bk9-jpy",
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		AmountTotal:       15000,
		Currency:          stripe.CurrencyJPY,
	}
	st, err := p.QueryStatus(context.Background(), payment.StatusQuery{CorrelationID: "bk9-jpy", ProviderRef: "cs_test_1"})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSucceeded, st.Outcome)
	assert.Equal(t, 15000.0, st.Amount)

	sessions.session.Currency = stripe.CurrencyUSD
	st, err = p.QueryStatus(context.Background(), payment.StatusQuery{CorrelationID: "bk9-jpy", ProviderRef: "cs_test_1"})
	require.NoError(t, err)
	assert.Equal(t, 150.0, st.Amount, "session currency wins over configured currency")
}

func TestInitiate_StripeError(t *testing.T) {
	p := newTestProvider(&fakeSessions{err: &stripe.Error{Code: stripe.ErrorCodeAmountTooSmall, Msg: "too small"}}, &fakeRefunds{})

	_, err := p.Initiate(context.Background(), payment.Charge{CorrelationID: "bk1-x", Amount: 0.1})
	var pe *domain.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "amount_too_small", pe.Code)
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestParseCallback_Succeeded(t *testing.T) {
	p := newTestProvider(&fakeSessions{}, &fakeRefunds{})
	body := sessionEvent("evt_1", "checkout.session.completed", "bk9-abc", "paid", 15000)

	st, err := p.ParseCallback(context.Background(), payment.Callback{RawBody: body, Signature: signStripe(body, testWebhookSecret, time.Now())})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeSucceeded, st.Outcome)
	assert.Equal(t, "bk9-abc", st.CorrelationID)
	assert.Equal(t, "pi_123", st.TransactionID)
	assert.Equal(t, 150.0, st.Amount)
	assert.Equal(t, "evt_1", st.Nonce)
	assert.NotNil(t, st.SettledAt)
}

func TestParseCallback_CompletedButUnpaidIsPending(t *testing.T) {
	p := newTestProvider(&fakeSessions{}, &fakeRefunds{})
	body := sessionEvent("evt_2", "checkout.session.completed", "bk9-abc", "unpaid", 15000)

	st, err := p.ParseCallback(context.Background(), payment.Callback{RawBody: body, Signature: signStripe(body, testWebhookSecret, time.Now())})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomePending, st.Outcome)
}

func TestParseCallback_AsyncFailed(t *testing.T) {
	p := newTestProvider(&fakeSessions{}, &fakeRefunds{})
	body := sessionEvent("evt_3", "checkout.session.async_payment_failed", "bk9-abc", "unpaid", 15000)

	st, err := p.ParseCallback(context.Background(), payment.Callback{RawBody: body, Signature: signStripe(body, testWebhookSecret, time.Now())})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeFailed, st.Outcome)
	assert.Equal(t, "checkout.session.async_payment_failed", st.Reason)
}

func TestParseCallback_OtherEventIgnored(t *testing.T) {
	p := newTestProvider(&fakeSessions{}, &fakeRefunds{})
	body := []byte(`{"id":"evt_4","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	st, err := p.ParseCallback(context.Background(), payment.Callback{RawBody: body, Signature: signStripe(body, testWebhookSecret, time.Now())})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomePending, st.Outcome)
	assert.Empty(t, st.CorrelationID)
}

func TestParseCallback_RejectsBadSignatures(t *testing.T) {
	p := newTestProvider(&fakeSessions{}, &fakeRefunds{})
	body := sessionEvent("evt_5", "checkout.session.completed", "bk9-abc", "paid", 15000)
	good := signStripe(body, testWebhookSecret, time.Now())

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-5] ^= 0x01

	cases := map[string]payment.Callback{
		"missing header": {RawBody: body},
		"wrong secret":   {RawBody: body, Signature: signStripe(body, "whsec_other", time.Now())},
		"tampered body":  {RawBody: tampered, Signature: good},
		"stale":          {RawBody: body, Signature: signStripe(body, testWebhookSecret, time.Now().Add(-time.Hour))},
	}
	for name, cb := range cases {
		_, err := p.ParseCallback(context.Background(), cb)
		assert.ErrorIs(t, err, domain.ErrVerification, name)
	}
}

func TestQueryStatus(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{
		ID:                "cs_test_1",
		ClientReferenceID: "bk9-abc",
		Status:            stripe.CheckoutSessionStatusExpired,
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusUnpaid,
	}}
	p := newTestProvider(sessions, &fakeRefunds{})

	st, err := p.QueryStatus(context.Background(), payment.StatusQuery{CorrelationID: "bk9-abc", ProviderRef: "cs_test_1"})
	require.NoError(t, err)
	assert.Equal(t, payment.OutcomeFailed, st.Outcome)

	_, err = p.QueryStatus(context.Background(), payment.StatusQuery{CorrelationID: "bk9-abc"})
	assert.ErrorIs(t, err, domain.ErrProvider)
}

func TestRefund_UsesPaymentIntent(t *testing.T) {
	sessions := &fakeSessions{session: &stripe.CheckoutSession{ID: "cs_test_1", PaymentIntent: &stripe.PaymentIntent{ID: "pi_777"}}}
	refunds := &fakeRefunds{}
	p := newTestProvider(sessions, refunds)

	require.NoError(t, p.Refund(context.Background(), payment.RefundRequest{CorrelationID: "bk9-abc", ProviderRef: "cs_test_1", Reason: "guest cancelled"}))
	require.NotNil(t, refunds.params)
	assert.Equal(t, "pi_777", *refunds.params.PaymentIntent)
	assert.Equal(t, "refund-bk9-abc", *refunds.params.IdempotencyKey)

	var _ payment.Refunder = p
}
