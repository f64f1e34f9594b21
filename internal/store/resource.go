package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/eventful/internal/model"
)

// ResourceStore is the index of resource ownership, visibility, participants
// and contacts that the CRUD layer maintains for routing decisions.
type ResourceStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewResourceStore(db *sql.DB) *ResourceStore {
	return &ResourceStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Upsert replaces the index entry and the participant list of a resource.
func (s *ResourceStore) Upsert(ctx context.Context, info model.ResourceInfo, participants []model.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rm, ref := info.RefModel.String(), string(info.Ref)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO resources (ref_model, ref, owner_id, scope, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(ref_model, ref) DO UPDATE SET owner_id = excluded.owner_id, scope = excluded.scope, updated_at = excluded.updated_at`,
		rm, ref, string(info.OwnerID), string(info.Scope), s.now(),
	)
	if err != nil {
		return fmt.Errorf("upsert resource: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM resource_participants WHERE ref_model = ? AND ref = ?`, rm, ref); err != nil {
		return fmt.Errorf("clear participants: %w", err)
	}
	for _, uid := range participants {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO resource_participants (ref_model, ref, user_id) VALUES (?, ?, ?)`,
			rm, ref, string(uid),
		)
		if err != nil {
			return fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes a resource from the index along with its participants.
func (s *ResourceStore) Delete(ctx context.Context, refModel model.RefModel, ref model.ID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE ref_model = ? AND ref = ?`, refModel.String(), string(ref))
	if err != nil {
		return fmt.Errorf("delete resource: %w", err)
	}
	return nil
}

// Get returns the index entry, or nil if the resource is unknown.
func (s *ResourceStore) Get(ctx context.Context, refModel model.RefModel, ref model.ID) (*model.ResourceInfo, error) {
	var owner, scope string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, scope FROM resources WHERE ref_model = ? AND ref = ?`,
		refModel.String(), string(ref),
	).Scan(&owner, &scope)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	sc, err := model.ParseScope(scope)
	if err != nil {
		return nil, fmt.Errorf("get resource: %w", err)
	}
	return &model.ResourceInfo{
		Resource: model.Resource{RefModel: refModel, Ref: ref},
		OwnerID:  model.ID(owner),
		Scope:    sc,
	}, nil
}

// Participants returns the users recorded as participants of a resource.
func (s *ResourceStore) Participants(ctx context.Context, refModel model.RefModel, ref model.ID) ([]model.ID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM resource_participants WHERE ref_model = ? AND ref = ? ORDER BY user_id`,
		refModel.String(), string(ref),
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var ids []model.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		ids = append(ids, model.ID(id))
	}
	return ids, rows.Err()
}

// SetContact records (or with ok=false, removes) contactID in userID's contacts.
func (s *ResourceStore) SetContact(ctx context.Context, userID, contactID model.ID, ok bool) error {
	var err error
	if ok {
		_, err = s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO contacts (user_id, contact_id, created_at) VALUES (?, ?, ?)`,
			string(userID), string(contactID), s.now(),
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM contacts WHERE user_id = ? AND contact_id = ?`,
			string(userID), string(contactID),
		)
	}
	if err != nil {
		return fmt.Errorf("set contact: %w", err)
	}
	return nil
}

// IsContactOf reports whether userID is in ownerID's contacts.
func (s *ResourceStore) IsContactOf(ctx context.Context, userID, ownerID model.ID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM contacts WHERE user_id = ? AND contact_id = ?`,
		string(ownerID), string(userID),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check contact: %w", err)
	}
	return n > 0, nil
}
