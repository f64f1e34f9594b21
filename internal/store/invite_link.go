package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/eventful/internal/model"
	"github.com/google/uuid"
)

// InviteLinkStore persists invite links by token digest. Expired links are
// kept; expiry is evaluated by the caller at redemption time.
type InviteLinkStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewInviteLinkStore(db *sql.DB) *InviteLinkStore {
	return &InviteLinkStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const inviteLinkCols = `id, token_digest, ref_model, ref, created_by, expires_at, created_at`

func scanInviteLink(scanner interface{ Scan(...any) error }) (*model.InviteLink, error) {
	var l model.InviteLink
	var id, refModel, ref, createdBy string
	if err := scanner.Scan(&id, &l.TokenDigest, &refModel, &ref, &createdBy, &l.ExpiresAt, &l.CreatedAt); err != nil {
		return nil, err
	}
	rm, err := model.ParseRefModel(refModel)
	if err != nil {
		return nil, err
	}
	l.ID = model.ID(id)
	l.RefModel = rm
	l.Ref = model.ID(ref)
	l.CreatedBy = model.ID(createdBy)
	return &l, nil
}

func (s *InviteLinkStore) Create(ctx context.Context, digest string, refModel model.RefModel, ref, createdBy model.ID, expiresAt time.Time) (*model.InviteLink, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invite_links (id, token_digest, ref_model, ref, created_by, expires_at, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, digest, refModel.String(), string(ref), string(createdBy), expiresAt.UTC(), s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert invite link: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+inviteLinkCols+` FROM invite_links WHERE id = ?`, id)
	l, err := scanInviteLink(row)
	if err != nil {
		return nil, fmt.Errorf("get invite link: %w", err)
	}
	return l, nil
}

// GetByDigest returns the link regardless of expiry, or nil if not found.
func (s *InviteLinkStore) GetByDigest(ctx context.Context, digest string) (*model.InviteLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+inviteLinkCols+` FROM invite_links WHERE token_digest = ?`, digest)
	l, err := scanInviteLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get invite link by digest: %w", err)
	}
	return l, nil
}
