package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentcore/internal/database"
	"rentcore/internal/domain"
	"rentcore/internal/modules/notification"
	"rentcore/internal/modules/payment"
	"rentcore/internal/modules/payment/mobilemoney"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/pkg/signing"
	"rentcore/internal/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.EventType
}

func (r *recordingNotifier) Notify(_ context.Context, ev domain.BookingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type)
	return nil
}

func (r *recordingNotifier) seen() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.EventType(nil), r.events...)
}

type flowSuite struct {
	t          *testing.T
	router     *gin.Engine
	tokens     *jwt.Service
	gatewayKey *rsa.PrivateKey
	recorder   *recordingNotifier

	admin, owner, renter domain.Actor
	listingID            int64
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

// bookingView leaves out payment_details, which is an interface in the domain
// type and cannot be decoded back.
type bookingView struct {
	ID            int64                `json:"id"`
	TotalAmount   float64              `json:"total_amount"`
	Status        domain.BookingStatus `json:"status"`
	PaymentStatus domain.PaymentStatus `json:"payment_status"`
	PaidAt        *time.Time           `json:"paid_at"`
}

func setupFlow(t *testing.T) *flowSuite {
	t.Helper()
	log := logger.Discard()

	db, err := database.Connect(fmt.Sprintf("file:flow_%s?mode=memory&cache=shared", t.Name()), log)
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	ctx := context.Background()
	users := repository.NewUserRepository(db)
	var ids []int64
	for _, c := range []*domain.Contact{
		{Email: "admin@example.com", Name: "Admin", Role: domain.RoleAdmin},
		{Email: "owner@example.com", Name: "Owner", Role: domain.RoleUser},
		{Email: "renter@example.com", Name: "Renter", Role: domain.RoleUser},
	} {
		require.NoError(t, users.Create(ctx, c, "x"))
		ids = append(ids, c.ID)
	}
	listing := &domain.Listing{OwnerID: ids[1], Title: "Camera kit", UnitPrice: 50, IsAvailable: true}
	require.NoError(t, repository.NewListingRepository(db).Create(ctx, listing))

	merchantKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	gatewayKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	merchant := signing.NewVerifier(&merchantKey.PublicKey)
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !merchant.Verify(body, body["sign"]) {
			_ = json.NewEncoder(w).Encode(map[string]string{"code": "40002", "msg": "invalid sign"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"code": "0", "msg": "ok", "data": map[string]string{
			"tradeNo": "T-" + body["outTradeNo"], "toPayUrl": "https://pay.example.com/" + body["outTradeNo"],
		}})
	}))
	t.Cleanup(gateway.Close)

	provider := mobilemoney.New(mobilemoney.Config{
		BaseURL:     gateway.URL,
		AppID:       "app-1",
		MerchantID:  "m-1",
		NotifyURL:   "https://api.example.com/api/v1/payments/mobile_money/callback",
		HTTPTimeout: 2 * time.Second,
	}, signing.NewSigner(merchantKey), signing.NewVerifier(&gatewayKey.PublicKey), log)

	tokens := jwt.New("flow-secret", time.Hour)
	hub := notification.NewHub()
	t.Cleanup(hub.Close)
	recorder := &recordingNotifier{}

	router := newRouter(deps{
		db:          db,
		log:         log,
		jwt:         tokens,
		hub:         hub,
		providers:   []payment.Provider{provider},
		nonces:      repository.NewNonceRepository(db),
		extra:       []notification.Notifier{recorder},
		paymentOpts: payment.Options{ProviderTimeout: 2 * time.Second, PollRetries: 1, PollBackoff: time.Millisecond},
	})

	return &flowSuite{
		t:          t,
		router:     router,
		tokens:     tokens,
		gatewayKey: gatewayKey,
		recorder:   recorder,
		admin:      domain.Actor{ID: ids[0], Role: domain.RoleAdmin},
		owner:      domain.Actor{ID: ids[1], Role: domain.RoleUser},
		renter:     domain.Actor{ID: ids[2], Role: domain.RoleUser},
		listingID:  listing.ID,
	}
}

func (s *flowSuite) request(a *domain.Actor, method, path string, body any) (int, envelope) {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if a != nil {
		token, err := s.tokens.GenerateToken(a.ID, string(a.Role))
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func (s *flowSuite) callback(fields map[string]string) (int, string) {
	s.t.Helper()
	sig, err := signing.NewSigner(s.gatewayKey).Sign(fields)
	require.NoError(s.t, err)
	body := map[string]string{"sign": sig}
	for k, v := range fields {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	require.NoError(s.t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/mobile_money/callback", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w.Code, w.Body.String()
}

func decode[T any](t *testing.T, env envelope, key string) T {
	t.Helper()
	var wrapper map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &wrapper))
	var out T
	require.NoError(t, json.Unmarshal(wrapper[key], &out))
	return out
}

func TestHealth(t *testing.T) {
	s := setupFlow(t)
	code, _ := s.request(nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestFlow_BookPayComplete(t *testing.T) {
	s := setupFlow(t)

	code, env := s.request(&s.renter, http.MethodPost, "/api/v1/bookings", map[string]any{
		"listing_id": s.listingID,
		"start_date": "2026-11-01T00:00:00Z",
		"end_date":   "2026-11-04T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, code, env.Error.Code)
	b := decode[bookingView](t, env, "booking")
	assert.Equal(t, 150.0, b.TotalAmount)
	bookingPath := fmt.Sprintf("/api/v1/bookings/%d", b.ID)

	code, env = s.request(&s.renter, http.MethodPost, bookingPath+"/payments", map[string]string{"method": "mobile_money"})
	assert.Equal(t, http.StatusConflict, code, "payment before approval")

	code, _ = s.request(&s.owner, http.MethodPatch, bookingPath+"/respond", map[string]string{"decision": "approve"})
	require.Equal(t, http.StatusOK, code)

	code, env = s.request(&s.renter, http.MethodPost, bookingPath+"/payments", map[string]string{"method": "mobile_money"})
	require.Equal(t, http.StatusCreated, code, env.Error.Code)
	var initiated payment.InitiatePaymentResponse
	require.NoError(t, json.Unmarshal(env.Data, &initiated))
	require.NotEmpty(t, initiated.CorrelationID)
	assert.Equal(t, "https://pay.example.com/"+initiated.CorrelationID, initiated.RedirectURL)

	paid := map[string]string{
		"merchantId": "m-1", "outTradeNo": initiated.CorrelationID, "tradeNo": "T-1",
		"tradeStatus": "SUCCESS", "totalAmount": "15000", "nonce": "flow-nonce-1",
	}

	forged := map[string]string{}
	for k, v := range paid {
		forged[k] = v
	}
	forged["sign"] = "bm90LWEtc2lnbmF0dXJl"
	raw, _ := json.Marshal(forged)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/payments/mobile_money/callback", bytes.NewReader(raw)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	code, body := s.callback(paid)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = s.callback(paid)
	assert.Equal(t, http.StatusOK, code, "replayed callback is acknowledged")
	assert.Equal(t, "OK", body)

	code, env = s.request(&s.renter, http.MethodGet, bookingPath, nil)
	require.Equal(t, http.StatusOK, code)
	b = decode[bookingView](t, env, "booking")
	assert.Equal(t, domain.PaymentPaid, b.PaymentStatus)
	assert.NotNil(t, b.PaidAt)

	code, env = s.request(&s.owner, http.MethodPatch, bookingPath+"/complete", nil)
	require.Equal(t, http.StatusOK, code, env.Error.Code)
	assert.Equal(t, domain.BookingCompleted, decode[bookingView](t, env, "booking").Status)

	code, env = s.request(&s.renter, http.MethodGet, "/api/v1/notifications", nil)
	require.Equal(t, http.StatusOK, code)
	notes := decode[[]domain.Notification](t, env, "notifications")
	var types []domain.EventType
	for _, n := range notes {
		assert.Equal(t, s.renter.ID, n.UserID)
		types = append(types, n.Type)
	}
	assert.Contains(t, types, domain.EventBookingApproved)
	assert.Contains(t, types, domain.EventPaymentPaid)
	assert.Contains(t, types, domain.EventBookingCompleted)

	assert.Equal(t, 1, countOf(s.recorder.seen(), domain.EventPaymentPaid), "replay must not notify twice")

	code, _ = s.request(&s.renter, http.MethodGet, "/api/v1/admin/payment-attempts/"+initiated.CorrelationID, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, env = s.request(&s.admin, http.MethodGet, "/api/v1/admin/payment-attempts/"+initiated.CorrelationID, nil)
	require.Equal(t, http.StatusOK, code)
	attempt := decode[domain.PaymentAttempt](t, env, "attempt")
	assert.Equal(t, domain.AttemptSucceeded, attempt.Status)
}

func TestFlow_RejectedBookingCannotBePaid(t *testing.T) {
	s := setupFlow(t)

	code, env := s.request(&s.renter, http.MethodPost, "/api/v1/bookings", map[string]any{
		"listing_id": s.listingID,
		"start_date": "2026-12-01T00:00:00Z",
		"end_date":   "2026-12-02T00:00:00Z",
	})
	require.Equal(t, http.StatusCreated, code)
	b := decode[bookingView](t, env, "booking")
	bookingPath := fmt.Sprintf("/api/v1/bookings/%d", b.ID)

	code, _ = s.request(&s.owner, http.MethodPatch, bookingPath+"/respond", map[string]string{"decision": "reject", "message": "busy"})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.request(&s.renter, http.MethodPost, bookingPath+"/payments", map[string]string{"method": "mobile_money"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = s.request(nil, http.MethodGet, bookingPath, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func countOf(events []domain.EventType, want domain.EventType) int {
	n := 0
	for _, e := range events {
		if e == want {
			n++
		}
	}
	return n
}
