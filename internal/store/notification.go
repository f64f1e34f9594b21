package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/eventful/internal/model"
)

// NotificationStore keeps the durable notifications built for receiving users.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

const notificationCols = `id, user_id, key, ref_model, ref, actor, title, body, subtitle, url, list, created_at`

// Save inserts the records in one transaction. Records already stored under
// the same id are left untouched.
func (s *NotificationStore) Save(ctx context.Context, records []model.StoredNotification) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, n := range records {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO notifications (`+notificationCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(n.ID), string(n.UserID), string(n.Address.Key), n.Address.RefModel.String(), string(n.Address.Ref),
			string(n.Actor), n.General.Title, n.General.Body, n.General.Subtitle, n.General.URL, n.General.List,
			n.CreatedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListByUser returns the most recent notifications of a user, newest first.
func (s *NotificationStore) ListByUser(ctx context.Context, userID model.ID, limit int) ([]model.StoredNotification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		string(userID), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var list []model.StoredNotification
	for rows.Next() {
		var n model.StoredNotification
		var id, uid, key, refModel, ref, actor string
		var createdAt time.Time
		if err := rows.Scan(&id, &uid, &key, &refModel, &ref, &actor,
			&n.General.Title, &n.General.Body, &n.General.Subtitle, &n.General.URL, &n.General.List, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rm, err := model.ParseRefModel(refModel)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.ID = model.ID(id)
		n.UserID = model.ID(uid)
		n.Address = model.NewAddress(model.TriggerKey(key), rm, model.ID(ref))
		n.Actor = model.ID(actor)
		n.General.Store = true
		n.CreatedAt = createdAt
		list = append(list, n)
	}
	return list, rows.Err()
}
