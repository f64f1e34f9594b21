package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/eventful/internal/model"
	"github.com/google/uuid"
)

// DeviceTokenStore is the device token registry. A token belongs to exactly
// one user: the most recent one to register it.
type DeviceTokenStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewDeviceTokenStore(db *sql.DB) *DeviceTokenStore {
	return &DeviceTokenStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const deviceTokenCols = `id, token, channel, user_id, p256dh_key, auth_key, device_name, created_at, updated_at`

func scanDeviceToken(scanner interface{ Scan(...any) error }) (*model.DeviceToken, error) {
	var dt model.DeviceToken
	var id, userID, channel string
	err := scanner.Scan(&id, &dt.Token, &channel, &userID, &dt.P256dhKey, &dt.AuthKey, &dt.DeviceName, &dt.CreatedAt, &dt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	dt.ID = model.ID(id)
	dt.UserID = model.ID(userID)
	dt.Channel = model.Channel(channel)
	return &dt, nil
}

// Register upserts a token. Registering a known token for a different user
// rebinds it to that user.
func (s *DeviceTokenStore) Register(ctx context.Context, dt model.DeviceToken) (*model.DeviceToken, error) {
	if dt.Token == "" || dt.UserID == "" {
		return nil, errors.New("register device token: token and user are required")
	}
	if _, err := model.ParseChannel(string(dt.Channel)); err != nil {
		return nil, fmt.Errorf("register device token: %w", err)
	}

	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens (id, token, channel, user_id, p256dh_key, auth_key, device_name, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   channel = excluded.channel,
		   user_id = excluded.user_id,
		   p256dh_key = excluded.p256dh_key,
		   auth_key = excluded.auth_key,
		   device_name = excluded.device_name,
		   updated_at = excluded.updated_at`,
		uuid.NewString(), dt.Token, string(dt.Channel), string(dt.UserID), dt.P256dhKey, dt.AuthKey, dt.DeviceName, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("register device token: %w", err)
	}
	return s.GetByToken(ctx, dt.Token)
}

func (s *DeviceTokenStore) GetByToken(ctx context.Context, token string) (*model.DeviceToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceTokenCols+` FROM device_tokens WHERE token = ?`, token)
	dt, err := scanDeviceToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get device token: %w", err)
	}
	return dt, nil
}

// TokensOf lists every token currently bound to the user.
func (s *DeviceTokenStore) TokensOf(ctx context.Context, userID model.ID) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceTokenCols+` FROM device_tokens WHERE user_id = ? ORDER BY created_at`,
		string(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("list device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []model.DeviceToken
	for rows.Next() {
		dt, err := scanDeviceToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device token: %w", err)
		}
		tokens = append(tokens, *dt)
	}
	return tokens, rows.Err()
}

// Prune removes a token unconditionally.
func (s *DeviceTokenStore) Prune(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("prune device token: %w", err)
	}
	return nil
}

// Unregister removes a token only if it is bound to userID. It reports
// whether a row was removed.
func (s *DeviceTokenStore) Unregister(ctx context.Context, userID model.ID, token string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM device_tokens WHERE token = ? AND user_id = ?`, token, string(userID))
	if err != nil {
		return false, fmt.Errorf("unregister device token: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
