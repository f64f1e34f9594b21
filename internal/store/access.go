package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/eventful/internal/model"
	"github.com/google/uuid"
)

// AccessStore persists Access records. Records are never deleted.
type AccessStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewAccessStore(db *sql.DB) *AccessStore {
	return &AccessStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const accessCols = `id, user_id, ref_model, ref, can_view, can_edit, can_delete, can_moderate, is_invited, is_removed, created_by, created_at, updated_at`

func scanAccess(scanner interface{ Scan(...any) error }) (*model.Access, error) {
	var a model.Access
	var id, userID, refModel, ref, createdBy string
	err := scanner.Scan(
		&id, &userID, &refModel, &ref,
		&a.CanView, &a.CanEdit, &a.CanDelete, &a.CanModerate, &a.IsInvited, &a.IsRemoved,
		&createdBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rm, err := model.ParseRefModel(refModel)
	if err != nil {
		return nil, err
	}
	a.ID = model.ID(id)
	a.UserID = model.ID(userID)
	a.RefModel = rm
	a.Ref = model.ID(ref)
	a.CreatedBy = model.ID(createdBy)
	return &a, nil
}

// Get returns the record for (user, refModel, ref), or nil if none exists.
func (s *AccessStore) Get(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (*model.Access, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accessCols+` FROM access WHERE user_id = ? AND ref_model = ? AND ref = ?`,
		string(userID), refModel.String(), string(ref),
	)
	a, err := scanAccess(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get access: %w", err)
	}
	return a, nil
}

// ListByResource returns every record for a resource, removed ones included.
func (s *AccessStore) ListByResource(ctx context.Context, refModel model.RefModel, ref model.ID) ([]model.Access, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accessCols+` FROM access WHERE ref_model = ? AND ref = ? ORDER BY created_at`,
		refModel.String(), string(ref),
	)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	var list []model.Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// Upsert writes the record keyed by (user, ref, refModel). The caller passes
// the complete desired state; the id and created_at of an existing record are
// kept.
func (s *AccessStore) Upsert(ctx context.Context, a model.Access) (*model.Access, error) {
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access (id, user_id, ref_model, ref, can_view, can_edit, can_delete, can_moderate, is_invited, is_removed, created_by, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, ref, ref_model) DO UPDATE SET
		   can_view = excluded.can_view,
		   can_edit = excluded.can_edit,
		   can_delete = excluded.can_delete,
		   can_moderate = excluded.can_moderate,
		   is_invited = excluded.is_invited,
		   is_removed = excluded.is_removed,
		   updated_at = excluded.updated_at`,
		uuid.NewString(), string(a.UserID), a.RefModel.String(), string(a.Ref),
		a.CanView, a.CanEdit, a.CanDelete, a.CanModerate, a.IsInvited, a.IsRemoved,
		string(a.CreatedBy), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert access: %w", err)
	}
	return s.Get(ctx, a.UserID, a.RefModel, a.Ref)
}

// MarkRemoved revokes a record. It reports whether a record existed.
func (s *AccessStore) MarkRemoved(ctx context.Context, userID model.ID, refModel model.RefModel, ref model.ID) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE access SET is_removed = 1, updated_at = ? WHERE user_id = ? AND ref_model = ? AND ref = ?`,
		s.now(), string(userID), refModel.String(), string(ref),
	)
	if err != nil {
		return false, fmt.Errorf("remove access: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
