// Package mobilemoney integrates the signed-request mobile money gateway.
// Every outbound request is RSA-signed with the merchant key and every
// notification must carry a valid signature from the gateway key.
package mobilemoney

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"rentcore/internal/domain"
	"rentcore/internal/modules/payment"
	"rentcore/internal/pkg/signing"
)

const (
	codeSuccess = "0"

	orderPath = "/payment/v1/order"
	queryPath = "/payment/v1/query"

	tradeSuccess = "SUCCESS"
	tradeFailed  = "FAILED"
	tradeClosed  = "CLOSED"
)

type Config struct {
	BaseURL        string
	AppID          string
	MerchantID     string
	NotifyURL      string
	ReturnURL      string
	TimeoutExpress time.Duration
	HTTPTimeout    time.Duration
}

type Provider struct {
	cfg      Config
	signer   *signing.Signer
	verifier *signing.Verifier
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	now      func() time.Time
}

// New builds the adapter. signer holds the merchant private key, verifier the
// gateway public key.
func New(cfg Config, signer *signing.Signer, verifier *signing.Verifier, log logrus.FieldLogger) *Provider {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 15 * time.Second
	}
	if cfg.TimeoutExpress <= 0 {
		cfg.TimeoutExpress = 30 * time.Minute
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "mobile-money",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
	})
	return &Provider{
		cfg:      cfg,
		signer:   signer,
		verifier: verifier,
		http:     &http.Client{Timeout: cfg.HTTPTimeout},
		breaker:  breaker,
		now:      time.Now,
	}
}

func (p *Provider) Name() domain.PaymentMethod { return domain.MethodMobileMoney }

// toMinorUnits converts a major-unit amount into the integer the gateway
// expects.
func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func fromMinorUnits(s string) float64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return float64(n) / 100
}

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type orderData struct {
	TradeNo  string `json:"tradeNo"`
	ToPayURL string `json:"toPayUrl"`
	QRCode   string `json:"qrCode"`
}

type queryData struct {
	OutTradeNo  string `json:"outTradeNo"`
	TradeNo     string `json:"tradeNo"`
	TradeStatus string `json:"tradeStatus"`
	TotalAmount string `json:"totalAmount"`
	PayTime     string `json:"payTime"`
}

func (p *Provider) basePayload() map[string]string {
	return map[string]string{
		"appId":      p.cfg.AppID,
		"merchantId": p.cfg.MerchantID,
		"nonce":      signing.GenerateNonce(),
		"timestamp":  strconv.FormatInt(p.now().Unix(), 10),
		"sign_type":  signing.SignTypeRSA2,
	}
}

func (p *Provider) Initiate(ctx context.Context, charge payment.Charge) (*payment.Initiation, error) {
	body := p.basePayload()
	body["outTradeNo"] = charge.CorrelationID
	body["totalAmount"] = strconv.FormatInt(toMinorUnits(charge.Amount), 10)
	body["subject"] = charge.Subject
	body["timeoutExpress"] = strconv.Itoa(int(p.cfg.TimeoutExpress.Minutes())) + "m"
	body["notifyUrl"] = p.cfg.NotifyURL
	body["returnUrl"] = p.cfg.ReturnURL

	var data orderData
	if err := p.call(ctx, orderPath, body, &data); err != nil {
		return nil, err
	}
	return &payment.Initiation{ProviderRef: data.TradeNo, RedirectURL: data.ToPayURL, QRCode: data.QRCode}, nil
}

func (p *Provider) QueryStatus(ctx context.Context, q payment.StatusQuery) (*payment.ProviderStatus, error) {
	body := p.basePayload()
	body["outTradeNo"] = q.CorrelationID
	if q.ProviderRef != "" {
		body["tradeNo"] = q.ProviderRef
	}

	var data queryData
	if err := p.call(ctx, queryPath, body, &data); err != nil {
		return nil, err
	}
	correlation := data.OutTradeNo
	if correlation == "" {
		correlation = q.CorrelationID
	}
	return &payment.ProviderStatus{
		Outcome:       tradeOutcome(data.TradeStatus),
		CorrelationID: correlation,
		TransactionID: data.TradeNo,
		Amount:        fromMinorUnits(data.TotalAmount),
		SettledAt:     parsePayTime(data.PayTime),
		Reason:        failureReason(data.TradeStatus),
	}, nil
}

// ParseCallback verifies a gateway notification. The signature is read from
// the body's sign field, or from the header when the body has none.
func (p *Provider) ParseCallback(_ context.Context, cb payment.Callback) (*payment.ProviderStatus, error) {
	fields, err := flatten(cb.RawBody)
	if err != nil {
		return nil, domain.ErrVerification
	}
	sig := fields[signing.FieldSign]
	if sig == "" {
		sig = cb.Signature
	}
	if sig == "" || !p.verifier.Verify(fields, sig) {
		return nil, domain.ErrVerification
	}
	if fields["merchantId"] != p.cfg.MerchantID || fields["outTradeNo"] == "" {
		return nil, domain.ErrVerification
	}

	return &payment.ProviderStatus{
		Outcome:       tradeOutcome(fields["tradeStatus"]),
		CorrelationID: fields["outTradeNo"],
		TransactionID: fields["tradeNo"],
		Amount:        fromMinorUnits(fields["totalAmount"]),
		SettledAt:     parsePayTime(fields["payTime"]),
		Nonce:         fields["nonce"],
		Reason:        failureReason(fields["tradeStatus"]),
	}, nil
}

// call signs body, posts it through the circuit breaker and decodes data on
// success. A non-success code becomes a ProviderError with the gateway's
// message.
func (p *Provider) call(ctx context.Context, path string, body map[string]string, data any) error {
	sig, err := p.signer.Sign(body)
	if err != nil {
		return &domain.ProviderError{Provider: domain.MethodMobileMoney, Message: "could not sign request", Err: err}
	}
	body[signing.FieldSign] = sig

	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		return p.post(ctx, path, raw)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return &domain.ProviderError{Provider: domain.MethodMobileMoney, Code: "CIRCUIT_OPEN", Message: "mobile money gateway unavailable", Err: err}
		}
		return &domain.ProviderError{
			Provider: domain.MethodMobileMoney,
			Message:  "mobile money request failed",
			Timeout:  errors.Is(err, context.DeadlineExceeded) || isTimeout(err),
			Err:      err,
		}
	}

	env := out.(*envelope)
	if env.Code != codeSuccess {
		return &domain.ProviderError{Provider: domain.MethodMobileMoney, Code: env.Code, Message: env.Msg}
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return &domain.ProviderError{Provider: domain.MethodMobileMoney, Message: "malformed gateway response", Err: err}
		}
	}
	return nil
}

func (p *Provider) post(ctx context.Context, path string, raw []byte) (*envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode gateway response (status %d): %w", resp.StatusCode, err)
	}
	return &env, nil
}

// flatten decodes a JSON object into string fields, keeping numbers in their
// original textual form so the signed bytes match.
func flatten(raw []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			nested, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			out[k] = string(nested)
		}
	}
	return out, nil
}

func tradeOutcome(status string) payment.Outcome {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case tradeSuccess:
		return payment.OutcomeSucceeded
	case tradeFailed, tradeClosed:
		return payment.OutcomeFailed
	}
	return payment.OutcomePending
}

func failureReason(status string) string {
	if tradeOutcome(status) == payment.OutcomeFailed {
		return "trade " + strings.ToLower(status)
	}
	return ""
}

func parsePayTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
