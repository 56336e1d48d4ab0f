package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"backcheck/internal/platform/metrics"
	"backcheck/pkg/platform/retry"
)

// Dispatcher drains an Outbox into a Sink.
type Dispatcher struct {
	outbox  Outbox
	sink    Sink
	dedupe  DedupeStore
	limiter *Limiter
	index   DeadLetterIndex

	maxRetries        int
	backoff           retry.Policy
	idempotencyWindow time.Duration
	claimTTL          time.Duration
	batchSize         int
	concurrency       int
	pollInterval      time.Duration
	deliveryTimeout   time.Duration
	staleAfter        time.Duration

	now     func() time.Time
	wake    chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

type Option func(*Dispatcher)

// WithMaxRetries sets how many failed deliveries are retried before an
// envelope is dead-lettered.
func WithMaxRetries(n int) Option {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

func WithBackoff(policy retry.Policy) Option {
	return func(d *Dispatcher) {
		d.backoff = policy
	}
}

func WithDedupe(store DedupeStore) Option {
	return func(d *Dispatcher) {
		if store != nil {
			d.dedupe = store
		}
	}
}

func WithLimiter(l *Limiter) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.limiter = l
		}
	}
}

func WithDeadLetterIndex(index DeadLetterIndex) Option {
	return func(d *Dispatcher) {
		d.index = index
	}
}

// WithIdempotencyWindow sets how long a delivered dedupe key keeps
// suppressing re-enqueues.
func WithIdempotencyWindow(w time.Duration) Option {
	return func(d *Dispatcher) {
		if w > 0 {
			d.idempotencyWindow = w
		}
	}
}

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithConcurrency bounds how many recipients are delivered to in parallel.
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.pollInterval = p
		}
	}
}

func WithDeliveryTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.deliveryTimeout = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

func NewDispatcher(outbox Outbox, sink Sink, opts ...Option) (*Dispatcher, error) {
	if outbox == nil {
		return nil, errors.New("outbox is required")
	}
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	d := &Dispatcher{
		outbox:            outbox,
		sink:              sink,
		maxRetries:        5,
		backoff:           retry.Policy{Base: 2 * time.Second, Max: 10 * time.Minute},
		idempotencyWindow: 10 * time.Minute,
		claimTTL:          24 * time.Hour,
		batchSize:         100,
		concurrency:       4,
		pollInterval:      time.Second,
		deliveryTimeout:   10 * time.Second,
		staleAfter:        5 * time.Minute,
		now:               time.Now,
		wake:              make(chan struct{}, 1),
		logger:            zap.NewNop(),
		tracer:            otel.Tracer("backcheck/notify"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.dedupe == nil {
		d.dedupe = NewInMemoryDedupe(WithDedupeClock(d.now))
	}
	if d.limiter == nil {
		d.limiter = NewLimiter(1, 30*time.Second)
	}
	return d, nil
}

// Enqueue persists env and returns once it is durable. accepted is false
// when the dedupe key is already pending or was recently delivered.
func (d *Dispatcher) Enqueue(ctx context.Context, env Envelope) (accepted bool, err error) {
	if env.RecipientRef == "" {
		return false, errors.New("recipient is required")
	}
	if _, err := ParseChannel(string(env.Channel)); err != nil {
		return false, err
	}

	now := d.now()
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	if env.NotBefore.IsZero() {
		env.NotBefore = env.CreatedAt
	}
	env.State = StatePending
	env.Attempt = 0
	env.CoalescedKeys = nil

	if env.DedupeKey != "" {
		claimed, err := d.dedupe.Claim(ctx, env.DedupeKey, d.claimTTL)
		if err != nil {
			return false, fmt.Errorf("claim dedupe key: %w", err)
		}
		if !claimed {
			d.metrics.IncNotification(string(env.Channel), metrics.NotificationDeduplicated)
			d.logger.Debug("notification deduplicated",
				zap.String("dedupe_key", env.DedupeKey),
				zap.String("correlation_id", env.CorrelationID),
			)
			return false, nil
		}
	}

	if err := d.outbox.Append(ctx, env); err != nil {
		if env.DedupeKey != "" {
			if relErr := d.dedupe.Release(ctx, env.DedupeKey); relErr != nil {
				d.logger.Warn("release dedupe key", zap.String("dedupe_key", env.DedupeKey), zap.Error(relErr))
			}
		}
		return false, fmt.Errorf("append to outbox: %w", err)
	}

	d.metrics.IncNotification(string(env.Channel), metrics.NotificationEnqueued)
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Run drains the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if r, ok := d.outbox.(interface {
		ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)
	}); ok {
		n, err := r.ReleaseStale(ctx, d.now().Add(-d.staleAfter))
		if err != nil {
			d.logger.Warn("release stale envelopes", zap.Error(err))
		} else if n > 0 {
			d.logger.Info("released stale envelopes", zap.Int("count", n))
		}
	}

	d.logger.Info("notification dispatcher starting", zap.Int("max_retries", d.maxRetries))
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	for {
		delivered, err := d.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("drain outbox", zap.Error(err))
		}
		d.limiter.Sweep(d.now())
		if n, err := d.outbox.Pending(ctx); err == nil {
			d.metrics.SetOutboxDepth(n)
		}
		if delivered > 0 {
			continue
		}

		timer.Reset(d.pollInterval)
		select {
		case <-ctx.Done():
			d.logger.Info("notification dispatcher stopped")
			return nil
		case <-d.wake:
		case <-timer.C:
		}
	}
}

// Drain runs one pass over the due envelopes and returns how many were
// handed to the sink.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	batch, err := d.outbox.ClaimDue(ctx, d.now(), d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due envelopes: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	groups := make(map[string][]Envelope)
	var order []string
	for _, env := range batch {
		key := env.RateKey()
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], env)
	}

	attempted := make([]int, len(order))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, key := range order {
		g.Go(func() error {
			n, err := d.drainRecipient(ctx, key, groups[key])
			attempted[i] = n
			return err
		})
	}
	err = g.Wait()

	total := 0
	for _, n := range attempted {
		total += n
	}
	return total, err
}

// drainRecipient rate limits, coalesces and delivers the envelopes claimed
// for one recipient. Only the envelopes the limiter turns away are coalesced;
// everything it admits is delivered as is.
func (d *Dispatcher) drainRecipient(ctx context.Context, rateKey string, envs []Envelope) (int, error) {
	slices.SortStableFunc(envs, byPriority)

	now := d.now()
	admitted := 0
	var retryAt time.Time
	for admitted < len(envs) {
		ok, at := d.limiter.Reserve(rateKey, now)
		if !ok {
			retryAt = at
			break
		}
		admitted++
	}

	send, excess, err := d.coalesce(ctx, envs[:admitted], envs[admitted:])
	if err != nil {
		return 0, err
	}

	var errs []error
	for _, env := range excess {
		env.NotBefore = retryAt
		if err := d.outbox.Release(ctx, env); err != nil {
			errs = append(errs, fmt.Errorf("defer envelope %s: %w", env.ID, err))
			continue
		}
		d.metrics.IncNotification(string(env.Channel), metrics.NotificationDeferred)
	}
	for _, env := range send {
		if err := d.deliver(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return len(send), errors.Join(errs...)
}

// coalesce folds excess envelopes that share a correlation into the newest
// one. When an admitted envelope of that correlation is newer still, the
// excess is absorbed by it instead, so a stale payload is never sent after a
// fresher one. The absorbing envelope inherits the highest priority and
// every absorbed dedupe key.
func (d *Dispatcher) coalesce(ctx context.Context, admitted, excess []Envelope) (send, deferred []Envelope, err error) {
	send = slices.Clone(admitted)
	newestSent := make(map[string]int)
	for i, env := range send {
		if j, ok := newestSent[env.CorrelationID]; !ok || newer(env, send[j]) {
			newestSent[env.CorrelationID] = i
		}
	}

	byCorrelation := make(map[string][]Envelope)
	var order []string
	for _, env := range excess {
		if _, ok := byCorrelation[env.CorrelationID]; !ok {
			order = append(order, env.CorrelationID)
		}
		byCorrelation[env.CorrelationID] = append(byCorrelation[env.CorrelationID], env)
	}

	deferred = make([]Envelope, 0, len(order))
	for _, correlationID := range order {
		group := byCorrelation[correlationID]
		winner := 0
		for i := 1; i < len(group); i++ {
			if newer(group[i], group[winner]) {
				winner = i
			}
		}

		if j, ok := newestSent[correlationID]; ok && newer(send[j], group[winner]) {
			for _, env := range group {
				if err := d.absorb(ctx, &send[j], env); err != nil {
					return nil, nil, err
				}
			}
			continue
		}

		latest := group[winner]
		for i, env := range group {
			if i == winner {
				continue
			}
			if err := d.absorb(ctx, &latest, env); err != nil {
				return nil, nil, err
			}
		}
		deferred = append(deferred, latest)
	}
	return send, deferred, nil
}

func (d *Dispatcher) absorb(ctx context.Context, into *Envelope, env Envelope) error {
	if err := d.outbox.MarkCoalesced(ctx, env.ID, into.ID); err != nil {
		return fmt.Errorf("coalesce envelope %s: %w", env.ID, err)
	}
	into.CoalescedKeys = append(into.CoalescedKeys, env.DedupeKeys()...)
	into.Priority = max(into.Priority, env.Priority)
	d.metrics.IncNotification(string(env.Channel), metrics.NotificationCoalesced)
	d.logger.Debug("notification coalesced",
		zap.String("envelope_id", env.ID),
		zap.String("into", into.ID),
	)
	return nil
}

func byPriority(a, b Envelope) int {
	if a.Priority != b.Priority {
		return cmp.Compare(b.Priority, a.Priority)
	}
	return a.CreatedAt.Compare(b.CreatedAt)
}

// newer orders by CreatedAt, preferring the higher priority on a tie.
func newer(a, b Envelope) bool {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c > 0
	}
	return a.Priority > b.Priority
}

func (d *Dispatcher) deliver(ctx context.Context, env Envelope) error {
	ctx, span := d.tracer.Start(ctx, "notify.deliver", trace.WithAttributes(
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.channel", string(env.Channel)),
		attribute.String("correlation.id", env.CorrelationID),
		attribute.Int("envelope.attempt", env.Attempt),
	))
	defer span.End()

	log := d.logger.With(
		zap.String("envelope_id", env.ID),
		zap.String("channel", string(env.Channel)),
		zap.String("correlation_id", env.CorrelationID),
		zap.Int("attempt", env.Attempt),
	)

	dctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	start := time.Now()
	err := d.sink.Deliver(dctx, env)
	cancel()
	d.metrics.ObserveDelivery(string(env.Channel), time.Since(start))

	if err == nil {
		return d.delivered(ctx, log, env)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil {
		// Shutting down; the attempt does not count.
		if relErr := d.outbox.Release(context.WithoutCancel(ctx), env); relErr != nil {
			return fmt.Errorf("release envelope %s: %w", env.ID, relErr)
		}
		return ctx.Err()
	}

	env.Attempt++
	env.LastError = err.Error()
	d.metrics.IncNotification(string(env.Channel), metrics.NotificationFailed)

	if !IsPermanent(err) && env.Attempt <= d.maxRetries {
		env.NotBefore = d.now().Add(d.backoff.Delay(env.Attempt - 1))
		log.Warn("notification delivery failed, retrying",
			zap.Time("not_before", env.NotBefore),
			zap.Error(err),
		)
		if err := d.outbox.Release(ctx, env); err != nil {
			return fmt.Errorf("requeue envelope %s: %w", env.ID, err)
		}
		return nil
	}

	return d.deadLetter(ctx, log, env, err)
}

func (d *Dispatcher) delivered(ctx context.Context, log *zap.Logger, env Envelope) error {
	now := d.now()
	if err := d.outbox.MarkDelivered(ctx, env.ID, now); err != nil {
		return fmt.Errorf("mark envelope %s delivered: %w", env.ID, err)
	}
	for _, key := range env.DedupeKeys() {
		if err := d.dedupe.MarkDelivered(ctx, key, d.idempotencyWindow); err != nil {
			log.Warn("mark dedupe key delivered", zap.String("dedupe_key", key), zap.Error(err))
		}
	}
	d.metrics.IncNotification(string(env.Channel), metrics.NotificationDelivered)
	log.Debug("notification delivered")
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, log *zap.Logger, env Envelope, cause error) error {
	reason := fmt.Sprintf("after %d attempt(s): %v", env.Attempt, cause)
	if err := d.outbox.MarkDead(ctx, env, reason); err != nil {
		return fmt.Errorf("dead-letter envelope %s: %w", env.ID, err)
	}
	for _, key := range env.DedupeKeys() {
		if err := d.dedupe.Release(ctx, key); err != nil {
			log.Warn("release dedupe key", zap.String("dedupe_key", key), zap.Error(err))
		}
	}
	if d.index != nil {
		if err := d.index.IndexDeadLetter(ctx, EnvelopeDeadLetter(env, reason, d.now())); err != nil {
			log.Warn("index dead letter", zap.Error(err))
		}
	}
	d.metrics.IncNotification(string(env.Channel), metrics.NotificationDeadLettered)
	log.Error("notification dead-lettered", zap.String("reason", reason))
	return nil
}

// DeadLetters lists envelopes that exhausted their retries.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]Envelope, error) {
	return d.outbox.DeadLetters(ctx, limit)
}

// Pending reports the outbox depth.
func (d *Dispatcher) Pending(ctx context.Context) (int, error) {
	return d.outbox.Pending(ctx)
}
