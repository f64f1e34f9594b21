// Package router turns resource changes into live deliveries and push jobs
// for the users allowed to see them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/eventful/internal/access"
	"github.com/dukerupert/eventful/internal/ids"
	"github.com/dukerupert/eventful/internal/metrics"
	"github.com/dukerupert/eventful/internal/model"
	"github.com/dukerupert/eventful/internal/push"
	"github.com/dukerupert/eventful/internal/websocket"
)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("router closed")

const defaultRouteTimeout = 30 * time.Second

// Audience lists the users who may care about a change to a resource.
type Audience interface {
	Candidates(ctx context.Context, res model.Resource) ([]model.ID, error)
}

// Resolver computes capabilities for many users over one resource.
type Resolver interface {
	ResolveMany(ctx context.Context, users []model.ID, res model.Resource) (map[model.ID]model.CapabilitySet, error)
}

// Registry is the live room registry.
type Registry interface {
	MembersOf(addr model.TriggerAddress) []websocket.Session
}

// Pusher accepts push jobs without blocking.
type Pusher interface {
	Enqueue(job push.Job) bool
}

// Result summarizes one routed change.
type Result struct {
	// Dropped is set when the resource no longer exists.
	Dropped bool
	// Live is the number of sessions the frame was handed to.
	Live int
	// Users are the users allowed to see the change, sorted.
	Users []model.ID
	// Queued reports whether a push job was enqueued.
	Queued bool
}

// Router delivers changes. Changes to different addresses are routed in
// parallel; changes to the same address are routed in the order Notify
// received them.
type Router struct {
	audience Audience
	resolver Resolver
	hub      Registry
	pusher   Pusher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu     sync.Mutex
	lanes  map[model.TriggerAddress]*lane
	closed bool
	wg     sync.WaitGroup
}

// lane is the FIFO of one address. Its goroutine exits once it runs dry.
type lane struct {
	pending []pending
}

type pending struct {
	ctx context.Context
	n   model.Notification
}

type Option func(*Router)

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// WithRouteTimeout bounds the work of routing one change.
func WithRouteTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func New(audience Audience, resolver Resolver, hub Registry, pusher Pusher, logger *slog.Logger, opts ...Option) *Router {
	r := &Router{
		audience: audience,
		resolver: resolver,
		hub:      hub,
		pusher:   pusher,
		logger:   logger,
		timeout:  defaultRouteTimeout,
		now:      time.Now,
		lanes:    make(map[model.TriggerAddress]*lane),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Notify queues payload for routing to addr and returns immediately. The
// mutation that triggered it never waits for, or fails because of, routing.
func (r *Router) Notify(ctx context.Context, addr model.TriggerAddress, payload model.Notification) error {
	if !addr.Valid() {
		return fmt.Errorf("notify: invalid address %s", addr)
	}
	payload.Address = addr
	if payload.ID == "" {
		payload.ID = model.ID(ids.New(r.now()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	l, ok := r.lanes[addr]
	if !ok {
		l = &lane{}
		r.lanes[addr] = l
		r.wg.Add(1)
		go r.drain(addr, l)
	}
	l.pending = append(l.pending, pending{ctx: context.WithoutCancel(ctx), n: payload})
	return nil
}

func (r *Router) drain(addr model.TriggerAddress, l *lane) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(l.pending) == 0 {
			delete(r.lanes, addr)
			r.mu.Unlock()
			return
		}
		next := l.pending[0]
		l.pending[0] = pending{}
		l.pending = l.pending[1:]
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(next.ctx, r.timeout)
		if _, err := r.Route(ctx, next.n); err != nil {
			r.logger.Error("route change", "address", addr.String(), "error", err)
		}
		cancel()
	}
}

// Route delivers one change synchronously: it resolves which candidates may
// view the resource, hands the frame to each of their subscribed sessions
// once, and enqueues a single push job for them when the change carries a
// display envelope.
func (r *Router) Route(ctx context.Context, n model.Notification) (Result, error) {
	addr := n.Address
	if !addr.Valid() {
		return Result{}, fmt.Errorf("route: invalid address %s", addr)
	}
	res := addr.Resource()

	candidates, err := r.audience.Candidates(ctx, res)
	if errors.Is(err, access.ErrNotFound) {
		return r.dropped(addr), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("route %s: %w", addr, err)
	}
	for _, s := range r.hub.MembersOf(addr) {
		if uid := s.UserID(); uid != "" {
			candidates = append(candidates, uid)
		}
	}

	caps, err := r.resolver.ResolveMany(ctx, candidates, res)
	if errors.Is(err, access.ErrNotFound) {
		return r.dropped(addr), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("route %s: %w", addr, err)
	}

	allowed := make(map[model.ID]struct{}, len(caps))
	users := make([]model.ID, 0, len(caps))
	for uid, c := range caps {
		if c.CanView {
			allowed[uid] = struct{}{}
			users = append(users, uid)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })

	out := Result{Users: users}
	r.metrics.ObserveRouted(string(addr.Key))
	if len(users) == 0 {
		return out, nil
	}

	frame, err := websocket.EncodeFrame(n)
	if err != nil {
		return out, err
	}
	// the registry lock is released before any session is written to
	for _, s := range r.hub.MembersOf(addr) {
		if _, ok := allowed[s.UserID()]; !ok {
			continue
		}
		if s.Deliver(frame) {
			out.Live++
		}
	}
	r.metrics.ObserveLive(out.Live)

	if n.General != nil && r.pusher != nil {
		out.Queued = r.pusher.Enqueue(push.Job{Users: users, Notification: n})
		if !out.Queued {
			r.logger.Warn("push job not queued", "address", addr.String(), "users", len(users))
		}
	}
	return out, nil
}

func (r *Router) dropped(addr model.TriggerAddress) Result {
	r.metrics.ObserveDropped()
	r.logger.Debug("resource gone, change dropped", "address", addr.String())
	return Result{Dropped: true}
}

// Close stops accepting changes and waits for queued ones to be routed.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
