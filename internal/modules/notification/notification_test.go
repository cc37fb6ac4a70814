package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"rentcore/internal/database"
	"rentcore/internal/domain"
	"rentcore/internal/pkg/jwt"
	"rentcore/internal/pkg/logger"
	"rentcore/internal/repository"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func paidEvent() domain.BookingEvent {
	return domain.BookingEvent{
		Type:          domain.EventPaymentPaid,
		BookingID:     12,
		RenterID:      1,
		OwnerID:       2,
		Status:        domain.BookingApproved,
		PaymentStatus: domain.PaymentPaid,
		Amount:        150,
		At:            time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC),
	}
}

func newRepo(t *testing.T) *repository.NotificationRepository {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := database.Connect(fmt.Sprintf("file:notify_%s?mode=memory&cache=shared", name), logger.Discard())
	require.NoError(t, err)
	require.NoError(t, repository.Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return repository.NewNotificationRepository(db)
}

func TestService_StoresOnePerRecipient(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, NewHub())
	ctx := context.Background()

	require.NoError(t, svc.Notify(ctx, paidEvent()))

	for _, userID := range []int64{1, 2} {
		list, unread, err := svc.GetUserNotifications(ctx, userID, false, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, int64(1), unread)
		assert.Equal(t, "Payment received", list[0].Title)
		assert.Equal(t, "Booking #12: payment of 150.00 received", list[0].Message)
		require.NotNil(t, list[0].Data)
		assert.Equal(t, domain.PaymentPaid, list[0].Data.PaymentStatus)
	}

	list, _, err := svc.GetUserNotifications(ctx, 1, false, 10)
	require.NoError(t, err)
	require.NoError(t, svc.MarkAsRead(ctx, list[0].ID, 1))
	assert.ErrorIs(t, svc.MarkAsRead(ctx, list[0].ID, 2), domain.ErrNotFound)

	_, unread, err := svc.GetUserNotifications(ctx, 1, true, 10)
	require.NoError(t, err)
	assert.Zero(t, unread)

	require.NoError(t, svc.MarkAllAsRead(ctx, 2))
	_, unread, err = svc.GetUserNotifications(ctx, 2, false, 10)
	require.NoError(t, err)
	assert.Zero(t, unread)
}

func TestService_SkipsActor(t *testing.T) {
	repo := newRepo(t)
	svc := NewService(repo, nil)
	ev := paidEvent()
	ev.Type = domain.EventBookingCancelled
	ev.ActorID = 1
	ev.Reason = "sick"

	require.NoError(t, svc.Notify(context.Background(), ev))

	mine, _, err := svc.GetUserNotifications(context.Background(), 1, false, 10)
	require.NoError(t, err)
	assert.Empty(t, mine)
	theirs, _, err := svc.GetUserNotifications(context.Background(), 2, false, 10)
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "Booking #12 was cancelled (sick)", theirs[0].Message)
}

func TestWebSocketPush(t *testing.T) {
	hub := NewHub()
	tokens := jwt.New("ws-secret", time.Hour)
	r := gin.New()
	NewWSHandler(hub, tokens, logger.Discard()).RegisterRoutes(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	token, err := tokens.GenerateToken(2, "user")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.IsOnline(2) }, time.Second, 10*time.Millisecond)

	svc := NewService(newRepo(t), hub)
	require.NoError(t, svc.Notify(context.Background(), paidEvent()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Type         string              `json:"type"`
		Notification domain.Notification `json:"notification"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "notification", frame.Type)
	assert.Equal(t, int64(2), frame.Notification.UserID)
	assert.Equal(t, domain.EventPaymentPaid, frame.Notification.Type)

	assert.False(t, hub.SendToUser(1, "offline"))
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
	done  chan struct{}
}

func (f *fakeNotifier) Notify(context.Context, domain.BookingEvent) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return f.err
}

func TestMulti_CallsAllAndJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	a, b, c := &fakeNotifier{}, &fakeNotifier{err: boom}, &fakeNotifier{}

	err := Multi{a, b, c}.Notify(context.Background(), paidEvent())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, c.calls)

	assert.NoError(t, Multi{a}.Notify(context.Background(), paidEvent()))
}

func TestAsync_ReturnsImmediately(t *testing.T) {
	inner := &fakeNotifier{err: errors.New("smtp down"), done: make(chan struct{})}
	err := NewAsync(inner, time.Second, logger.Discard()).Notify(context.Background(), paidEvent())
	assert.NoError(t, err)

	select {
	case <-inner.done:
	case <-time.After(time.Second):
		t.Fatal("wrapped notifier was not called")
	}
}

type fakeContacts map[int64]*domain.Contact

func (f fakeContacts) GetContact(_ context.Context, id int64) (*domain.Contact, error) {
	if c, ok := f[id]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound
}

type fakeMailer struct {
	sent []*mail.Msg
	err  error
}

func (f *fakeMailer) DialAndSendWithContext(_ context.Context, msgs ...*mail.Msg) error {
	f.sent = append(f.sent, msgs...)
	return f.err
}

func TestEmailNotifier(t *testing.T) {
	mailer := &fakeMailer{}
	contacts := fakeContacts{
		1: {ID: 1, Email: "renter@example.com", Name: "Rae"},
		2: {ID: 2, Email: "owner@example.com", Name: "Olu"},
	}
	n := newEmailNotifier(mailer, "bookings@example.com", contacts)

	require.NoError(t, n.Notify(context.Background(), paidEvent()))
	require.Len(t, mailer.sent, 2)

	to, err := mailer.sent[0].GetRecipients()
	require.NoError(t, err)
	assert.Equal(t, []string{"renter@example.com"}, to)
	assert.Equal(t, []string{"Payment received - booking #12"}, mailer.sent[0].GetGenHeader(mail.HeaderSubject))
}

func TestEmailNotifier_ReportsFailures(t *testing.T) {
	mailer := &fakeMailer{err: errors.New("connection refused")}
	n := newEmailNotifier(mailer, "bookings@example.com", fakeContacts{1: {ID: 1, Email: "renter@example.com"}})

	err := n.Notify(context.Background(), paidEvent())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Len(t, mailer.sent, 1)
}

type fakeChannel struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakeChannel) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := &AMQPPublisher{channel: ch, exchange: "rentcore.events"}

	require.NoError(t, p.Notify(context.Background(), paidEvent()))
	assert.Equal(t, "rentcore.events", ch.exchange)
	assert.Equal(t, "booking.payment.paid", ch.key)
	assert.Equal(t, "application/json", ch.msg.ContentType)
	assert.Equal(t, amqp.Persistent, ch.msg.DeliveryMode)
	assert.NotEmpty(t, ch.msg.MessageId)

	var ev domain.BookingEvent
	require.NoError(t, json.Unmarshal(ch.msg.Body, &ev))
	assert.Equal(t, int64(12), ev.BookingID)
	assert.NoError(t, p.Close())
}
