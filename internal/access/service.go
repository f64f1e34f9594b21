package access

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/dukerupert/eventful/internal/model"
)

// DefaultInviteTTL is used when the service is built with a zero TTL.
const DefaultInviteTTL = 7 * 24 * time.Hour

// RecordStore persists Access records.
type RecordStore interface {
	Records
	Upsert(ctx context.Context, a model.Access) (*model.Access, error)
	MarkRemoved(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (bool, error)
}

// InviteStore persists invite links by token digest.
type InviteStore interface {
	Create(ctx context.Context, digest string, refModel model.RefModel, ref, createdBy model.ID, expiresAt time.Time) (*model.InviteLink, error)
	GetByDigest(ctx context.Context, digest string) (*model.InviteLink, error)
}

// Notifier publishes a change to the subscribers of an address.
type Notifier interface {
	Notify(ctx context.Context, addr model.TriggerAddress, n model.Notification) error
}

// Evictor removes a user's live sessions from every room of a resource.
type Evictor interface {
	EvictUser(userID model.ID, res model.Resource) int
}

// Service administers Access records and invite links. Every mutation is
// announced as an access:edit change on the resource.
type Service struct {
	resolver *Resolver
	records  RecordStore
	invites  InviteStore
	notifier Notifier
	evictor  Evictor
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier announces mutations through n.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithEvictor drops live sessions of revoked users.
func WithEvictor(e Evictor) ServiceOption {
	return func(s *Service) { s.evictor = e }
}

// WithInviteTTL sets how long created invite links stay valid.
func WithInviteTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(resolver *Resolver, records RecordStore, invites InviteStore, logger *slog.Logger, opts ...ServiceOption) *Service {
	s := &Service{
		resolver: resolver,
		records:  records,
		invites:  invites,
		ttl:      DefaultInviteTTL,
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) requireModerator(ctx context.Context, actor model.ID, res model.Resource) (*model.ResourceInfo, error) {
	info, err := s.resolver.Lookup(ctx, res)
	if err != nil {
		return nil, err
	}
	caps, err := s.resolver.resolve(ctx, actor, info)
	if err != nil {
		return nil, err
	}
	if !caps.CanModerate {
		return nil, ErrForbidden
	}
	return info, nil
}

// Grant sets the capability flags of target on res. Only moderators (and the
// owner) may grant. A grant clears a previous removal; nil fields keep the
// stored value.
func (s *Service) Grant(ctx context.Context, actor, target model.ID, res model.Resource, g model.Grant) (*model.Access, error) {
	info, err := s.requireModerator(ctx, actor, res)
	if err != nil {
		return nil, err
	}
	if target == info.OwnerID {
		return nil, fmt.Errorf("grant to owner of %s: %w", res, ErrForbidden)
	}

	rec := model.Access{UserID: target, RefModel: res.RefModel, Ref: res.Ref, CreatedBy: actor}
	existing, err := s.records.Get(ctx, target, res.RefModel, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}
	if existing != nil {
		rec.CanView, rec.CanEdit, rec.CanDelete = existing.CanView, existing.CanEdit, existing.CanDelete
		rec.CanModerate, rec.IsInvited = existing.CanModerate, existing.IsInvited
	}
	apply(&rec.CanView, g.CanView)
	apply(&rec.CanEdit, g.CanEdit)
	apply(&rec.CanDelete, g.CanDelete)
	apply(&rec.CanModerate, g.CanModerate)
	rec.IsRemoved = false

	saved, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}
	s.announce(ctx, actor, res, saved)
	return saved, nil
}

func apply(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// Revoke marks target's access to res as removed. The record is kept so a
// later invite cannot silently restore it. A user may always revoke their own
// access; revoking anyone else requires moderation rights.
func (s *Service) Revoke(ctx context.Context, actor, target model.ID, res model.Resource) error {
	var info *model.ResourceInfo
	var err error
	if actor == target {
		info, err = s.resolver.Lookup(ctx, res)
	} else {
		info, err = s.requireModerator(ctx, actor, res)
	}
	if err != nil {
		return err
	}
	if target == info.OwnerID {
		return fmt.Errorf("revoke owner of %s: %w", res, ErrForbidden)
	}

	ok, err := s.records.MarkRemoved(ctx, target, res.RefModel, res.Ref)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	var saved *model.Access
	if ok {
		saved, err = s.records.Get(ctx, target, res.RefModel, res.Ref)
	} else {
		saved, err = s.records.Upsert(ctx, model.Access{
			UserID: target, RefModel: res.RefModel, Ref: res.Ref,
			IsRemoved: true, CreatedBy: actor,
		})
	}
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}

	if s.evictor != nil {
		if n := s.evictor.EvictUser(target, res); n > 0 {
			s.logger.Info("evicted revoked sessions", "user", target, "resource", res.String(), "sessions", n)
		}
	}
	s.announce(ctx, actor, res, saved)
	return nil
}

// CreateInvite issues a new invite link for res. The returned token is shown
// once; only its digest is stored.
func (s *Service) CreateInvite(ctx context.Context, actor model.ID, res model.Resource) (string, *model.InviteLink, error) {
	if _, err := s.requireModerator(ctx, actor, res); err != nil {
		return "", nil, err
	}
	token, err := newInviteToken()
	if err != nil {
		return "", nil, fmt.Errorf("create invite: %w", err)
	}
	link, err := s.invites.Create(ctx, Digest(token), res.RefModel, res.Ref, actor, s.now().UTC().Add(s.ttl))
	if err != nil {
		return "", nil, fmt.Errorf("create invite: %w", err)
	}
	return token, link, nil
}

// Redeem grants view access to the resource an invite link points at.
// Expired links fail with ErrExpiredInvite and change nothing. A removed
// record is never restored by an invite.
func (s *Service) Redeem(ctx context.Context, userID model.ID, token string) (*model.Access, error) {
	link, err := s.invites.GetByDigest(ctx, Digest(token))
	if err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	if link == nil {
		return nil, fmt.Errorf("redeem: %w", ErrNotFound)
	}
	if link.ExpiredAt(s.now()) {
		return nil, ErrExpiredInvite
	}

	res := model.Resource{RefModel: link.RefModel, Ref: link.Ref}
	info, err := s.resolver.Lookup(ctx, res)
	if err != nil {
		return nil, err
	}

	existing, err := s.records.Get(ctx, userID, res.RefModel, res.Ref)
	if err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	if existing != nil && existing.IsRemoved {
		return nil, ErrInviteRevoked
	}
	if userID == info.OwnerID {
		return &model.Access{
			UserID: userID, RefModel: res.RefModel, Ref: res.Ref,
			CanView: true, CanEdit: true, CanDelete: true, CanModerate: true,
		}, nil
	}

	rec := model.Access{UserID: userID, RefModel: res.RefModel, Ref: res.Ref, CreatedBy: link.CreatedBy}
	if existing != nil {
		rec = *existing
	}
	rec.CanView = true
	rec.IsInvited = true

	saved, err := s.records.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("redeem: %w", err)
	}
	s.announce(ctx, userID, res, saved)
	return saved, nil
}

func (s *Service) announce(ctx context.Context, actor model.ID, res model.Resource, rec *model.Access) {
	if s.notifier == nil {
		return
	}
	addr := model.NewAddress(model.KeyAccessEdit, res.RefModel, res.Ref)
	err := s.notifier.Notify(ctx, addr, model.Notification{Address: addr, Actor: actor, Data: rec})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("failed to announce access change", "address", addr.String(), "error", err)
	}
}

func newInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Digest returns the stored form of an invite token.
func Digest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
