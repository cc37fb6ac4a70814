package payment

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"rentcore/internal/domain"
	"rentcore/internal/pkg/signing"
)

type Options struct {
	ProviderTimeout time.Duration
	PollRetries     int
	PollBackoff     time.Duration
	NonceTTL        time.Duration
	ConflictRetries int
}

func (o Options) withDefaults() Options {
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 10 * time.Second
	}
	if o.PollRetries <= 0 {
		o.PollRetries = 3
	}
	if o.PollBackoff < 0 {
		o.PollBackoff = 0
	}
	if o.NonceTTL <= 0 {
		o.NonceTTL = 15 * time.Minute
	}
	if o.ConflictRetries <= 0 {
		o.ConflictRetries = 5
	}
	return o
}

// Service is the only writer of a booking's payment status. It talks to
// providers without holding any lock and serializes writes per booking through
// the version column.
type Service struct {
	bookings  bookingStore
	attempts  attemptStore
	providers map[domain.PaymentMethod]Provider
	nonces    NonceStore
	notifier  Notifier
	log       logrus.FieldLogger
	opts      Options
	now       func() time.Time
}

func NewService(bookings bookingStore, attempts attemptStore, providers []Provider, nonces NonceStore, notifier Notifier, log logrus.FieldLogger, opts Options) *Service {
	byName := make(map[domain.PaymentMethod]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name()] = p
	}
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = l
	}
	return &Service{
		bookings:  bookings,
		attempts:  attempts,
		providers: byName,
		nonces:    nonces,
		notifier:  notifier,
		log:       log.WithField("component", "payment"),
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) provider(method domain.PaymentMethod) (Provider, error) {
	p, ok := s.providers[method]
	if !ok {
		return nil, domain.ErrUnknownProvider.WithMessage("payment provider %q is not configured", method)
	}
	return p, nil
}

type InitiationResult struct {
	Booking *domain.Booking
	Attempt *domain.PaymentAttempt
	// Resumed is set when Attempt is an existing live session rather than a
	// new one.
	Resumed bool
}

// InitiatePayment asks the chosen provider for a new payment session. When the
// provider call fails the booking is left exactly as it was.
func (s *Service) InitiatePayment(ctx context.Context, bookingID int64, actor domain.Actor, method domain.PaymentMethod) (*InitiationResult, error) {
	const op = "initiate payment"

	p, err := s.provider(method)
	if err != nil {
		return nil, err
	}
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsRenter(actor) {
		return nil, domain.ErrForbidden.At(op, bookingID).WithMessage("only the renter can pay for a booking")
	}
	if err := b.CanStartPayment(); err != nil {
		return nil, err
	}
	if res, err := s.resume(ctx, b, method); res != nil || err != nil {
		return res, err
	}

	correlationID := fmt.Sprintf("bk%d-%s", b.ID, signing.GenerateNonce())
	log := s.log.WithFields(logrus.Fields{"booking_id": b.ID, "provider": method, "correlation_id": correlationID})

	pctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
	init, err := p.Initiate(pctx, Charge{
		BookingID:     b.ID,
		CorrelationID: correlationID,
		Amount:        b.TotalAmount,
		Subject:       fmt.Sprintf("Booking #%d", b.ID),
	})
	cancel()
	if err != nil {
		log.WithError(err).Warn("payment initiation failed")
		return nil, asProviderError(pctx, method, err)
	}

	attempt := &domain.PaymentAttempt{
		BookingID:     b.ID,
		Provider:      method,
		CorrelationID: correlationID,
		ProviderRef:   init.ProviderRef,
		RedirectURL:   init.RedirectURL,
		QRCode:        init.QRCode,
		Amount:        b.TotalAmount,
		Status:        domain.AttemptPending,
	}

	for i := 0; ; i++ {
		now := s.now()
		attempt.ID = 0
		attempt.CreatedAt, attempt.UpdatedAt = now, now
		if err := b.AttachPayment(attempt.Details(), now); err != nil {
			log.WithError(err).Warn("booking changed while provider session was created")
			return nil, err
		}
		err = s.attempts.RecordInitiation(ctx, b, attempt)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrConflict) || i+1 >= s.opts.ConflictRetries {
			log.WithError(err).Error("failed to record payment attempt")
			return nil, err
		}
		if b, err = s.bookings.GetByID(ctx, bookingID); err != nil {
			return nil, err
		}
		if res, err := s.resume(ctx, b, method); res != nil || err != nil {
			log.WithField("provider_ref", init.ProviderRef).Warn("concurrent initiation won, provider session left unused")
			return res, err
		}
	}

	log.Info("payment initiated")
	s.notify(ctx, domain.NewBookingEvent(domain.EventPaymentStarted, b, actor.ID, "", s.now()))
	return &InitiationResult{Booking: b, Attempt: attempt}, nil
}

// resume guards against two payable sessions for one booking. While the
// booking waits on a pending attempt, the same method gets that attempt back
// and any other method is refused.
func (s *Service) resume(ctx context.Context, b *domain.Booking, method domain.PaymentMethod) (*InitiationResult, error) {
	if b.PaymentStatus != domain.PaymentPending || b.Payment == nil {
		return nil, nil
	}
	a, err := s.attempts.GetByCorrelationID(ctx, b.Payment.Correlation())
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if a.Status != domain.AttemptPending {
		return nil, nil
	}
	if a.Provider != method {
		return nil, domain.ErrInvalidTransition.At("initiate payment", b.ID).
			WithMessage("a %s payment is already in progress for this booking", a.Provider)
	}
	s.log.WithFields(logrus.Fields{"booking_id": b.ID, "correlation_id": a.CorrelationID}).
		Info("payment already in progress, returning existing session")
	return &InitiationResult{Booking: b, Attempt: a, Resumed: true}, nil
}

type CallbackResult struct {
	Booking   *domain.Booking
	Outcome   Outcome
	Changed   bool
	Duplicate bool
}

// HandleCallback applies a provider notification. Anything that cannot be
// verified or matched to a known payment yields domain.ErrCallbackRejected
// and touches nothing.
func (s *Service) HandleCallback(ctx context.Context, method domain.PaymentMethod, cb Callback) (*CallbackResult, error) {
	log := s.log.WithField("provider", method)

	p, err := s.provider(method)
	if err != nil {
		log.WithError(err).Warn("callback for unknown provider")
		return nil, domain.ErrCallbackRejected.Wrap(err)
	}

	st, err := p.ParseCallback(ctx, cb)
	if err != nil {
		log.WithError(err).Warn("callback rejected")
		return nil, domain.ErrCallbackRejected.Wrap(err)
	}
	log = log.WithField("correlation_id", st.CorrelationID)
	if st.Outcome == OutcomePending {
		log.Debug("callback carries no final outcome")
		return &CallbackResult{Outcome: OutcomePending}, nil
	}

	if st.Nonce != "" && s.nonces != nil {
		seen, err := s.nonces.Seen(ctx, string(method), st.Nonce)
		switch {
		case err != nil:
			log.WithError(err).Warn("nonce store unavailable, relying on idempotent settlement")
		case seen:
			log.WithField("nonce", st.Nonce).Info("replayed callback nonce acknowledged")
			return &CallbackResult{Outcome: st.Outcome, Duplicate: true}, nil
		}
	}

	res, err := s.settleCallback(ctx, method, st, string(cb.RawBody), log)
	if err != nil {
		return nil, err
	}
	// Remembered only once settlement has committed.
	if st.Nonce != "" && s.nonces != nil {
		if err := s.nonces.Remember(context.WithoutCancel(ctx), string(method), st.Nonce, s.opts.NonceTTL); err != nil {
			log.WithError(err).Warn("failed to remember callback nonce")
		}
	}
	return res, nil
}

func (s *Service) settleCallback(ctx context.Context, method domain.PaymentMethod, st *ProviderStatus, raw string, log logrus.FieldLogger) (*CallbackResult, error) {
	a, err := s.attempts.GetByCorrelationID(ctx, st.CorrelationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			log.Warn("callback for unknown correlation id")
			return nil, domain.ErrCallbackRejected.Wrap(err)
		}
		return nil, err
	}
	if a.Provider != method {
		log.WithField("attempt_provider", a.Provider).Warn("callback provider does not match attempt")
		return nil, domain.ErrCallbackRejected
	}
	if st.Outcome == OutcomeSucceeded && st.Amount > 0 && !amountEqual(st.Amount, a.Amount) {
		log.WithFields(logrus.Fields{"callback_amount": st.Amount, "expected_amount": a.Amount}).Error("callback amount mismatch")
		return nil, domain.ErrCallbackRejected
	}

	b, changed, err := s.apply(ctx, a.BookingID, st, raw)
	if err != nil {
		return nil, err
	}
	if !changed {
		log.WithField("outcome", st.Outcome).Info("callback produced no booking change")
	}
	return &CallbackResult{Booking: b, Outcome: st.Outcome, Changed: changed}, nil
}

// apply moves the booking and its attempt to reflect st. Success is sticky
// and a failure only counts for the attempt the booking is currently waiting
// on. The returned flag reports whether the booking itself changed.
func (s *Service) apply(ctx context.Context, bookingID int64, st *ProviderStatus, raw string) (*domain.Booking, bool, error) {
	log := s.log.WithFields(logrus.Fields{"booking_id": bookingID, "correlation_id": st.CorrelationID})

	for i := 0; i < s.opts.ConflictRetries; i++ {
		b, err := s.bookings.GetByID(ctx, bookingID)
		if err != nil {
			return nil, false, err
		}
		a, err := s.attempts.GetByCorrelationID(ctx, st.CorrelationID)
		if err != nil {
			return nil, false, err
		}

		at := s.now()
		settledAt := at
		if st.SettledAt != nil {
			settledAt = st.SettledAt.UTC()
		}

		var bookingChanged, attemptChanged bool
		var event domain.EventType
		switch st.Outcome {
		case OutcomeSucceeded:
			attemptChanged = a.Settle(domain.AttemptSucceeded, st.TransactionID, "", raw, settledAt)
			if attemptChanged && settledElsewhere(b, a) {
				log.WithFields(logrus.Fields{
					"booking_correlation_id": b.Payment.Correlation(),
					"transaction_id":         st.TransactionID,
				}).Error("second successful payment for an already settled booking; manual refund needed")
			}
			bookingChanged, err = b.MarkPaid(a.Details(), settledAt)
			if err != nil {
				log.WithError(err).Error("provider reports success for a booking that cannot be paid; manual refund needed")
				bookingChanged = false
			}
			event = domain.EventPaymentPaid
		case OutcomeFailed:
			current := b.Payment != nil && b.Payment.Correlation() == a.CorrelationID
			attemptChanged = a.Settle(domain.AttemptFailed, st.TransactionID, st.Reason, raw, at)
			if current && attemptChanged {
				bookingChanged = b.MarkFailed(at)
			}
			event = domain.EventPaymentFailed
		default:
			return b, false, nil
		}

		if !bookingChanged && !attemptChanged {
			return b, false, nil
		}
		err = s.attempts.RecordSettlement(ctx, b, bookingChanged, a, attemptChanged)
		if errors.Is(err, domain.ErrConflict) {
			log.Debug("booking changed concurrently, retrying settlement")
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if bookingChanged {
			log.WithField("payment_status", b.PaymentStatus).Info("booking payment status updated")
			s.notify(ctx, domain.NewBookingEvent(event, b, 0, st.Reason, at))
		}
		return b, bookingChanged, nil
	}
	return nil, false, domain.ErrConflict.At("apply payment outcome", bookingID)
}

type PollResult struct {
	Booking *domain.Booking
	Outcome Outcome
	Changed bool
}

// PollStatus asks the provider for the current state of the booking's latest
// attempt. Queries are retried with backoff; a provider that never answers
// leaves the booking untouched.
func (s *Service) PollStatus(ctx context.Context, bookingID int64, actor domain.Actor) (*PollResult, error) {
	const op = "poll payment status"

	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, domain.ErrForbidden.At(op, bookingID)
	}
	if b.Payment == nil {
		return nil, domain.ErrInvalidTransition.At(op, bookingID).WithMessage("no payment has been initiated")
	}
	p, err := s.provider(b.PaymentMethod)
	if err != nil {
		return nil, err
	}
	a, err := s.attempts.GetByCorrelationID(ctx, b.Payment.Correlation())
	if err != nil {
		return nil, err
	}

	st, err := s.queryWithRetry(ctx, p, StatusQuery{CorrelationID: a.CorrelationID, ProviderRef: a.ProviderRef})
	if err != nil {
		s.log.WithFields(logrus.Fields{"booking_id": bookingID, "provider": p.Name()}).WithError(err).Warn("payment status query failed")
		return nil, err
	}
	st.CorrelationID = a.CorrelationID
	st.Nonce = ""

	if st.Outcome == OutcomeSucceeded && st.Amount > 0 && !amountEqual(st.Amount, a.Amount) {
		s.log.WithFields(logrus.Fields{"booking_id": bookingID, "reported": st.Amount, "expected": a.Amount}).Error("queried amount mismatch")
		return &PollResult{Booking: b, Outcome: OutcomePending}, nil
	}

	updated, changed, err := s.apply(ctx, bookingID, st, "")
	if err != nil {
		return nil, err
	}
	return &PollResult{Booking: updated, Outcome: st.Outcome, Changed: changed}, nil
}

func (s *Service) queryWithRetry(ctx context.Context, p Provider, q StatusQuery) (*ProviderStatus, error) {
	var lastErr error
	for i := 0; i < s.opts.PollRetries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, asProviderError(ctx, p.Name(), ctx.Err())
			case <-time.After(s.opts.PollBackoff * time.Duration(1<<(i-1))):
			}
		}
		qctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
		st, err := p.QueryStatus(qctx, q)
		cancel()
		if err == nil {
			return st, nil
		}
		lastErr = asProviderError(qctx, p.Name(), err)
	}
	return nil, lastErr
}

// Refund marks a paid booking refunded. Providers that support refunds are
// asked to move the money first; for the others the refund is recorded as
// platform intent.
func (s *Service) Refund(ctx context.Context, bookingID int64, actor domain.Actor, reason string) (*domain.Booking, error) {
	const op = "refund payment"

	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.IsOwner(actor) && !actor.IsAdmin() {
		return nil, domain.ErrForbidden.At(op, bookingID).WithMessage("only the owner or an admin can refund")
	}
	if b.PaymentStatus != domain.PaymentPaid {
		return nil, domain.ErrInvalidTransition.At(op, bookingID).WithMessage("payment status is %s, only paid bookings can be refunded", b.PaymentStatus)
	}

	log := s.log.WithFields(logrus.Fields{"booking_id": bookingID, "provider": b.PaymentMethod})
	if p, err := s.provider(b.PaymentMethod); err == nil {
		if r, ok := p.(Refunder); ok {
			req := RefundRequest{Amount: b.TotalAmount, Reason: reason}
			if b.Payment != nil {
				req.CorrelationID = b.Payment.Correlation()
				if a, err := s.attempts.GetByCorrelationID(ctx, req.CorrelationID); err == nil {
					req.ProviderRef = a.ProviderRef
					req.TransactionID = a.TransactionID
				}
			}
			rctx, cancel := context.WithTimeout(ctx, s.opts.ProviderTimeout)
			err := r.Refund(rctx, req)
			cancel()
			if err != nil {
				log.WithError(err).Warn("provider refund failed")
				return nil, asProviderError(rctx, b.PaymentMethod, err)
			}
		} else {
			log.Info("provider has no refund API, recording refund intent")
		}
	}

	for i := 0; i < s.opts.ConflictRetries; i++ {
		if i > 0 {
			if b, err = s.bookings.GetByID(ctx, bookingID); err != nil {
				return nil, err
			}
		}
		now := s.now()
		if err := b.Refund(reason, now); err != nil {
			return nil, err
		}
		err = s.bookings.Update(ctx, b)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Info("payment refunded")
		s.notify(ctx, domain.NewBookingEvent(domain.EventPaymentRefunded, b, actor.ID, reason, now))
		return b, nil
	}
	return nil, domain.ErrConflict.At(op, bookingID)
}

func (s *Service) ListAttempts(ctx context.Context, bookingID int64, actor domain.Actor) ([]domain.PaymentAttempt, error) {
	b, err := s.bookings.GetByID(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.CanView(actor) {
		return nil, domain.ErrForbidden.At("list payment attempts", bookingID)
	}
	return s.attempts.ListByBooking(ctx, bookingID)
}

// FindAttempt looks up an attempt by correlation id for support staff
// reconciling a provider report by hand.
func (s *Service) FindAttempt(ctx context.Context, actor domain.Actor, correlationID string) (*domain.PaymentAttempt, error) {
	if !actor.IsAdmin() {
		return nil, domain.ErrForbidden.WithMessage("admin only")
	}
	return s.attempts.GetByCorrelationID(ctx, correlationID)
}

// settledElsewhere reports whether b was already paid through an attempt
// other than a.
func settledElsewhere(b *domain.Booking, a *domain.PaymentAttempt) bool {
	if b.PaymentStatus != domain.PaymentPaid && b.PaymentStatus != domain.PaymentRefunded {
		return false
	}
	return b.Payment != nil && b.Payment.Correlation() != a.CorrelationID
}

func (s *Service) notify(ctx context.Context, ev domain.BookingEvent) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.log.WithFields(logrus.Fields{"booking_id": ev.BookingID, "event": ev.Type}).WithError(err).Warn("notification failed")
	}
}

// asProviderError normalizes adapter failures. ctx is the per-call context,
// which may already be cancelled; only an expired deadline counts as timeout.
func asProviderError(ctx context.Context, method domain.PaymentMethod, err error) error {
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		pe.Timeout = pe.Timeout || timedOut
		return pe
	}
	return &domain.ProviderError{
		Provider: method,
		Message:  "provider call failed",
		Timeout:  timedOut,
		Err:      err,
	}
}

func amountEqual(a, b float64) bool {
	return math.Round(a*100) == math.Round(b*100)
}
