package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dukerupert/eventful/internal/ids"
	"github.com/dukerupert/eventful/internal/metrics"
	"github.com/dukerupert/eventful/internal/model"
)

// TokenStore is the device token registry as seen by the dispatcher.
type TokenStore interface {
	TokensOf(ctx context.Context, userID model.ID) ([]model.DeviceToken, error)
	Prune(ctx context.Context, token string) error
}

// Archive keeps durable copies of notifications flagged for storage.
type Archive interface {
	Save(ctx context.Context, records []model.StoredNotification) error
}

// Job is one notification to push to a set of users.
type Job struct {
	Users        []model.ID
	Notification model.Notification
}

// Config bounds the dispatcher's concurrency and provider traffic.
type Config struct {
	Workers      int
	QueueSize    int
	Parallelism  int
	BatchTimeout time.Duration
	// RatePerSec limits sends per channel. Zero disables limiting.
	RatePerSec float64
	Burst      int
	DedupeTTL  time.Duration
	// SkipActor leaves the acting user's own devices out.
	SkipActor bool
}

func DefaultConfig() Config {
	return Config{
		Workers:      4,
		QueueSize:    1024,
		Parallelism:  8,
		BatchTimeout: 10 * time.Second,
		Burst:        1,
		DedupeTTL:    time.Hour,
	}
}

// Dispatcher fans notifications out to device tokens. Each (user, channel)
// pair is one batch with its own deadline; batches run in parallel up to
// Config.Parallelism.
type Dispatcher struct {
	tokens   TokenStore
	senders  map[model.Channel]Sender
	limiters map[model.Channel]*rate.Limiter
	archive  Archive
	dedupe   Deduper
	metrics  *metrics.Metrics
	reporter func(Job, []Outcome)
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	queue   chan Job
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Dispatcher)

// WithSender registers the sender for its channel.
func WithSender(s Sender) Option {
	return func(d *Dispatcher) { d.senders[s.Channel()] = s }
}

func WithArchive(a Archive) Option {
	return func(d *Dispatcher) { d.archive = a }
}

func WithDeduper(dd Deduper) Option {
	return func(d *Dispatcher) { d.dedupe = dd }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithReporter is called with the outcomes of every queued job.
func WithReporter(fn func(Job, []Outcome)) Option {
	return func(d *Dispatcher) { d.reporter = fn }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(tokens TokenStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tokens:   tokens,
		senders:  make(map[model.Channel]Sender),
		limiters: make(map[model.Channel]*rate.Limiter),
		logger:   logger,
		cfg:      DefaultConfig(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	def := DefaultConfig()
	if d.cfg.Workers <= 0 {
		d.cfg.Workers = def.Workers
	}
	if d.cfg.QueueSize <= 0 {
		d.cfg.QueueSize = def.QueueSize
	}
	if d.cfg.Parallelism <= 0 {
		d.cfg.Parallelism = def.Parallelism
	}
	if d.cfg.BatchTimeout <= 0 {
		d.cfg.BatchTimeout = def.BatchTimeout
	}
	if d.cfg.Burst <= 0 {
		d.cfg.Burst = def.Burst
	}
	if d.cfg.DedupeTTL <= 0 {
		d.cfg.DedupeTTL = def.DedupeTTL
	}
	if d.cfg.RatePerSec > 0 {
		for ch := range d.senders {
			d.limiters[ch] = rate.NewLimiter(rate.Limit(d.cfg.RatePerSec), d.cfg.Burst)
		}
	}
	d.queue = make(chan Job, d.cfg.QueueSize)
	return d
}

// Channels lists the channels with a configured sender.
func (d *Dispatcher) Channels() []model.Channel {
	var out []model.Channel
	for _, ch := range model.Channels() {
		if _, ok := d.senders[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

type batch struct {
	user    model.ID
	channel model.Channel
	tokens  []model.DeviceToken
}

// Dispatch pushes n to every device of users and returns one outcome per
// token. Permanent failures prune the token; transient ones are only
// reported, and the user's dedupe claim is released so a retry with the same
// notification ID is sent again.
func (d *Dispatcher) Dispatch(ctx context.Context, users []model.ID, n model.Notification) []Outcome {
	users = d.audience(ctx, users, n)
	if len(users) == 0 {
		return nil
	}
	d.store(ctx, users, n)

	msg, err := NewMessage(n)
	if err != nil {
		d.logger.Error("render push message", "address", n.Address.String(), "error", err)
		d.release(ctx, n, users)
		return nil
	}

	batches, unloaded := d.collect(ctx, users)

	var (
		mu  sync.Mutex
		out []Outcome
		g   errgroup.Group
	)
	g.SetLimit(d.cfg.Parallelism)
	for _, b := range batches {
		g.Go(func() error {
			res := d.sendBatch(ctx, b, msg)
			mu.Lock()
			out = append(out, res...)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	retry := unloaded
	for _, o := range out {
		if o.Status == StatusTransient {
			retry = append(retry, o.UserID)
		}
	}
	d.release(ctx, n, retry)
	return out
}

func dedupeKey(n model.Notification, u model.ID) string {
	return fmt.Sprintf("push:%s:%s", n.ID, u)
}

// release gives back the claims of users whose push did not settle.
func (d *Dispatcher) release(ctx context.Context, n model.Notification, users []model.ID) {
	if n.ID == "" || d.dedupe == nil {
		return
	}
	done := make(map[model.ID]struct{}, len(users))
	for _, u := range users {
		if _, ok := done[u]; ok {
			continue
		}
		done[u] = struct{}{}
		if err := d.dedupe.Release(ctx, dedupeKey(n, u)); err != nil {
			d.logger.Warn("release push dedupe", "notification", n.ID, "user", u, "error", err)
		}
	}
}

// audience removes duplicates, the actor when configured, and users already
// pushed this notification.
func (d *Dispatcher) audience(ctx context.Context, users []model.ID, n model.Notification) []model.ID {
	seen := make(map[model.ID]struct{}, len(users))
	out := make([]model.ID, 0, len(users))
	for _, u := range users {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		if d.cfg.SkipActor && u == n.Actor {
			continue
		}
		if n.ID != "" && d.dedupe != nil {
			ok, err := d.dedupe.Claim(ctx, dedupeKey(n, u), d.cfg.DedupeTTL)
			if err != nil {
				d.logger.Warn("push dedupe unavailable", "notification", n.ID, "error", err)
			} else if !ok {
				continue
			}
		}
		out = append(out, u)
	}
	return out
}

func (d *Dispatcher) store(ctx context.Context, users []model.ID, n model.Notification) {
	if d.archive == nil || n.General == nil || !n.General.Store {
		return
	}
	now := d.now().UTC()
	records := make([]model.StoredNotification, 0, len(users))
	for _, u := range users {
		records = append(records, model.StoredNotification{
			ID:        model.ID(ids.New(now)),
			UserID:    u,
			Address:   n.Address,
			Actor:     n.Actor,
			General:   *n.General,
			CreatedAt: now,
		})
	}
	if err := d.archive.Save(ctx, records); err != nil {
		d.logger.Error("store notifications", "address", n.Address.String(), "error", err)
	}
}

// collect groups each user's tokens by channel. Users whose tokens could not
// be loaded are returned separately.
func (d *Dispatcher) collect(ctx context.Context, users []model.ID) ([]batch, []model.ID) {
	var out []batch
	var unloaded []model.ID
	for _, u := range users {
		tokens, err := d.tokens.TokensOf(ctx, u)
		if err != nil {
			d.logger.Error("load device tokens", "user", u, "error", err)
			unloaded = append(unloaded, u)
			continue
		}
		byChannel := make(map[model.Channel][]model.DeviceToken)
		for _, t := range tokens {
			byChannel[t.Channel] = append(byChannel[t.Channel], t)
		}
		for _, ch := range model.Channels() {
			if len(byChannel[ch]) > 0 {
				out = append(out, batch{user: u, channel: ch, tokens: byChannel[ch]})
			}
		}
	}
	return out, unloaded
}

func (d *Dispatcher) sendBatch(ctx context.Context, b batch, msg Message) []Outcome {
	sender, ok := d.senders[b.channel]
	if !ok {
		return d.record(ctx, transientAll(b.tokens, fmt.Errorf("%w: no sender for %s", ErrUnavailable, b.channel)))
	}

	start := d.now()
	bctx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	var res []Outcome
	if lim := d.limiters[b.channel]; lim != nil {
		if err := lim.Wait(bctx); err != nil {
			res = transientAll(b.tokens, fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err))
		}
	}
	if res == nil {
		res = sender.Send(bctx, b.tokens, msg)
		if err := bctx.Err(); err != nil {
			res = transientAll(b.tokens, fmt.Errorf("%w: batch deadline: %v", ErrUnavailable, err))
		}
	}
	d.metrics.ObserveBatch(string(b.channel), d.now().Sub(start))
	return d.record(ctx, res)
}

func (d *Dispatcher) record(ctx context.Context, res []Outcome) []Outcome {
	for _, o := range res {
		d.metrics.ObservePush(string(o.Channel), string(o.Status))
		switch o.Status {
		case StatusPermanent:
			if err := d.tokens.Prune(ctx, o.Token); err != nil {
				d.logger.Error("prune device token", "user", o.UserID, "channel", o.Channel, "error", err)
				continue
			}
			d.metrics.ObservePruned(string(o.Channel))
			d.logger.Info("pruned device token", "user", o.UserID, "channel", o.Channel, "reason", o.Err)
		case StatusTransient:
			d.logger.Debug("push failed", "user", o.UserID, "channel", o.Channel, "error", o.Err)
		}
	}
	return res
}
