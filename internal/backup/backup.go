// Package backup ships encrypted snapshots of the engine database to
// S3-compatible storage and restores them.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"
)

const keyLayout = "20060102T150405Z"

// s3Client is the subset of the S3 API the manager uses.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config holds snapshot storage settings.
type Config struct {
	Endpoint   string
	Bucket     string
	Region     string
	AccessKey  string
	SecretKey  string
	Prefix     string
	Passphrase string
	Interval   time.Duration
	// Retain is how many snapshots to keep. Zero keeps all of them.
	Retain int
}

// Enabled reports whether snapshots can be uploaded.
func (c Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != "" && c.Passphrase != ""
}

// Status describes the outcome of the most recent snapshot.
type Status struct {
	LastKey   string    `json:"lastKey,omitempty"`
	LastRun   time.Time `json:"lastRun,omitzero"`
	LastError string    `json:"lastError,omitempty"`
	Running   bool      `json:"running"`
}

// Manager takes periodic snapshots with VACUUM INTO, seals them and uploads
// them. Only one snapshot runs at a time.
type Manager struct {
	cfg    Config
	db     *sql.DB
	client s3Client
	logger *slog.Logger
	now    func() time.Time

	run    sync.Mutex
	mu     sync.RWMutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager builds a manager backed by a real S3 client.
func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	return newManager(cfg, db, newS3Client(cfg), logger)
}

func newManager(cfg Config, db *sql.DB, client s3Client, logger *slog.Logger) *Manager {
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	return &Manager{cfg: cfg, db: db, client: client, logger: logger, now: time.Now}
}

func newS3Client(cfg Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Start snapshots every Interval until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.Interval <= 0 {
		return
	}
	m.mu.Lock()
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Snapshot(ctx); err != nil && !errors.Is(err, context.Canceled) {
					m.logger.Error("scheduled snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Stop ends the schedule and waits for an in-flight snapshot.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel, done := m.cancel, m.done
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Status returns the outcome of the most recent snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Snapshot uploads one sealed copy of the database and applies retention.
// It returns the object key.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	m.run.Lock()
	defer m.run.Unlock()

	m.mu.Lock()
	m.status.Running = true
	m.mu.Unlock()

	key, err := m.snapshot(ctx)

	m.mu.Lock()
	m.status.Running = false
	m.status.LastRun = m.now().UTC()
	if err != nil {
		m.status.LastError = err.Error()
	} else {
		m.status.LastKey, m.status.LastError = key, ""
	}
	m.mu.Unlock()
	return key, err
}

func (m *Manager) snapshot(ctx context.Context) (string, error) {
	start := m.now()
	dir, err := os.MkdirTemp("", "eventful-snapshot-")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}
	plain, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}
	sealed, err := Seal(plain, m.cfg.Passphrase)
	if err != nil {
		return "", fmt.Errorf("seal snapshot: %w", err)
	}

	key := m.cfg.Prefix + start.UTC().Format(keyLayout) + ".db.enc"
	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	}); err != nil {
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	m.logger.Info("snapshot uploaded", "key", key, "bytes", len(sealed), "duration", m.now().Sub(start))

	if err := m.prune(ctx); err != nil {
		m.logger.Warn("snapshot retention failed", "error", err)
	}
	return key, nil
}

// List returns the stored snapshot keys, oldest first.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	var keys []string
	var token *string
	for {
		out, err := m.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(m.cfg.Bucket),
			Prefix:            aws.String(m.cfg.Prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range out.Contents {
			if k := aws.ToString(obj.Key); strings.HasSuffix(k, ".db.enc") {
				keys = append(keys, k)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Manager) prune(ctx context.Context) error {
	if m.cfg.Retain <= 0 {
		return nil
	}
	keys, err := m.List(ctx)
	if err != nil {
		return err
	}
	if len(keys) <= m.cfg.Retain {
		return nil
	}
	var errs []error
	for _, k := range keys[:len(keys)-m.cfg.Retain] {
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.Bucket),
			Key:    aws.String(k),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Restore downloads the snapshot at key, checks its integrity and writes it
// to dst. dst must not exist; the live database is never overwritten.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	sealed, err := io.ReadAll(out.Body)
	out.Body.Close()
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	plain, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	if _, err := f.Write(plain); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("write restore target: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("write restore target: %w", err)
	}

	if err := checkIntegrity(ctx, dst); err != nil {
		os.Remove(dst)
		return err
	}
	m.logger.Info("snapshot restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
