package asset

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/itsneelabh/opsquery/core"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists assets in SQLite. Published rows are protected by
// triggers, so immutability holds even for writers bypassing this type.
type SQLiteStore struct {
	db     *sql.DB
	logger core.Logger
	now    func() time.Time
}

// SQLiteOption configures a SQLiteStore
type SQLiteOption func(*SQLiteStore)

// WithSQLiteLogger sets the logger
func WithSQLiteLogger(logger core.Logger) SQLiteOption {
	return func(s *SQLiteStore) {
		s.logger = core.ComponentLogger(logger, "asset-store")
	}
}

// OpenSQLite opens (creating if needed) the database at path and applies
// migrations. ":memory:" opens a private in-memory database.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteStore, error) {
	var dsn string
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:assets-%s?mode=memory&cache=shared", uuid.NewString())
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create asset db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open asset db: %w", err)
	}
	// SQLite has a single writer; one connection keeps version allocation serial
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: &core.NoOpLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance tooling
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type migration struct {
	version int
	name    string
	upSQL   string
}

func loadMigrations() ([]migration, error) {
	files, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	var out []migration
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return nil, err
		}
		var v int
		if _, err := fmt.Sscanf(f.Name(), "%d_", &v); err != nil {
			return nil, fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		out = append(out, migration{version: v, name: f.Name(), upSQL: string(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL);`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.upSQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version=?`, m.version); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
		s.logger.Debug("Asset migration applied", map[string]interface{}{
			"operation": "asset_migrate",
			"migration": m.name,
		})
		current = m.version
	}
	return tx.Commit()
}

const assetColumns = `type, scope, name, version, status, content, created_at`

func scanAsset(row interface{ Scan(...interface{}) error }) (*Asset, error) {
	var (
		a         Asset
		t, status string
		content   string
		created   string
	)
	if err := row.Scan(&t, &a.Scope, &a.Name, &a.Version, &status, &content, &created); err != nil {
		return nil, err
	}
	a.Type = Type(t)
	a.Status = Status(status)
	a.Content = json.RawMessage(content)
	ts, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	a.CreatedAt = ts
	return &a, nil
}

// Get implements Reader
func (s *SQLiteStore) Get(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	var row *sql.Row
	if version > 0 {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+assetColumns+` FROM assets WHERE type=? AND scope=? AND name=? AND version=?`,
			string(t), scope, name, version)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT `+assetColumns+` FROM assets WHERE type=? AND scope=? AND name=? AND status='published'
			 ORDER BY version DESC LIMIT 1`,
			string(t), scope, name)
	}
	a, err := scanAsset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("asset.Get", t, scope, name, version)
	}
	if err != nil {
		return nil, fmt.Errorf("get asset %s/%s: %w", t, name, err)
	}
	return a, nil
}

// List implements Reader
func (s *SQLiteStore) List(ctx context.Context, t Type, scope string) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets a
		 WHERE type=? AND scope=? AND status='published'
		   AND version = (SELECT MAX(version) FROM assets b
		                  WHERE b.type=a.type AND b.scope=a.scope AND b.name=a.name AND b.status='published')
		 ORDER BY name`,
		string(t), scope)
	if err != nil {
		return nil, fmt.Errorf("list assets %s: %w", t, err)
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveDraft implements Writer
func (s *SQLiteStore) SaveDraft(ctx context.Context, t Type, scope, name string, content json.RawMessage) (*Asset, error) {
	if err := validateKey("asset.SaveDraft", t, scope, name); err != nil {
		return nil, err
	}
	if !json.Valid(content) {
		return nil, core.NewFrameworkError("asset.SaveDraft", "asset", fmt.Errorf("%w: content is not valid JSON", core.ErrInvalidConfiguration))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var latest int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM assets WHERE type=? AND scope=? AND name=?`,
		string(t), scope, name).Scan(&latest); err != nil {
		return nil, fmt.Errorf("allocate version: %w", err)
	}

	a := &Asset{
		Type:      t,
		Scope:     scope,
		Name:      name,
		Version:   latest + 1,
		Status:    StatusDraft,
		Content:   append(json.RawMessage(nil), content...),
		CreatedAt: s.now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO assets (`+assetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.Type), a.Scope, a.Name, a.Version, string(a.Status), string(a.Content), a.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert asset: %w", err)
	}
	if err := s.recordEvent(ctx, tx, a, "draft"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return a, nil
}

// Publish implements Writer
func (s *SQLiteStore) Publish(ctx context.Context, t Type, scope, name string, version int) (*Asset, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	a, err := scanAsset(tx.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE type=? AND scope=? AND name=? AND version=?`,
		string(t), scope, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("asset.Publish", t, scope, name, version)
	}
	if err != nil {
		return nil, err
	}
	if a.Status == StatusPublished {
		return a, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE assets SET status='published' WHERE type=? AND scope=? AND name=? AND version=?`,
		string(t), scope, name, version); err != nil {
		return nil, translateSQLiteError("asset.Publish", err)
	}
	a.Status = StatusPublished
	if err := s.recordEvent(ctx, tx, a, "publish"); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.logger.Info("Asset published", map[string]interface{}{
		"operation": "asset_publish",
		"asset":     a.Key(),
		"scope":     scope,
		"version":   version,
	})
	return a, nil
}

// Versions implements Writer
func (s *SQLiteStore) Versions(ctx context.Context, t Type, scope, name string) ([]*Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE type=? AND scope=? AND name=? ORDER BY version`,
		string(t), scope, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, notFound("asset.Versions", t, scope, name, 0)
	}
	return out, nil
}

func (s *SQLiteStore) recordEvent(ctx context.Context, tx *sql.Tx, a *Asset, event string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO asset_events (type, scope, name, version, event, at) VALUES (?, ?, ?, ?, ?, ?)`,
		string(a.Type), a.Scope, a.Name, a.Version, event, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record asset event: %w", err)
	}
	return nil
}

func translateSQLiteError(op string, err error) error {
	if strings.Contains(err.Error(), "immutable") {
		return core.NewFrameworkError(op, "asset", fmt.Errorf("%w: %v", core.ErrAssetImmutable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
