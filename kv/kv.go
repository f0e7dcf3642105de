// Package kv is the durable string key-value store behind the relay's session state:
// the processed message id set, the current broadcast pointer and platform credentials.
//
// Backends: Postgres (the kv table), Redis, a local JSON file and an in-memory map for tests.
// Open picks one from configuration.
package kv

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/onnwee/stream-relay/config"
	"github.com/onnwee/stream-relay/crypto"
	"github.com/onnwee/stream-relay/db"
)

// Store is a string-keyed persistent map. Get reports ok=false for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Pinger is implemented by stores backed by a remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Closer is implemented by stores holding connections or file handles.
type Closer interface {
	Close() error
}

// Ping checks s if it supports it; local stores are always reachable.
func Ping(ctx context.Context, s Store) error {
	if p, ok := s.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close releases s if it holds resources.
func Close(s Store) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// SealedPrefixes are the key prefixes whose values are encrypted when ENCRYPTION_KEY is set.
var SealedPrefixes = []string{"oauth:"}

// Open builds the store selected by cfg.KVBackend, wrapping it with encryption when
// cfg.EncryptionKey is set.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch strings.ToLower(cfg.KVBackend) {
	case "postgres":
		s, err = openPostgres(ctx, cfg.DBDsn)
	case "redis":
		s, err = NewRedis(cfg.RedisURL, "")
	case "file", "":
		s, err = NewFile(filepath.Join(cfg.DataDir, "relay-state.json"))
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown KV_BACKEND %q", cfg.KVBackend)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("kv store opened", slog.String("backend", cfg.KVBackend), slog.String("component", "kv"))

	if cfg.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set, credentials will be stored in plaintext (not recommended for production)", slog.String("component", "kv"))
		return s, nil
	}
	sealer, err := crypto.NewAESSealer(cfg.EncryptionKey)
	if err != nil {
		_ = Close(s)
		return nil, fmt.Errorf("init encryption: %w", err)
	}
	return NewSealed(s, sealer, SealedPrefixes...), nil
}

func openPostgres(ctx context.Context, dsn string) (Store, error) {
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	// Versioned migrations first, embedded SQL as the fallback for images without the migrations dir.
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("migrate kv schema: %w", err)
		}
	}
	return &Postgres{DB: database, owned: true}, nil
}

// Postgres stores values in the kv table.
type Postgres struct {
	DB    *sql.DB
	owned bool
}

// NewPostgres wraps an existing connection. The caller keeps ownership of database.
func NewPostgres(database *sql.DB) *Postgres { return &Postgres{DB: database} }

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var v sql.NullString
	err := p.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v.String, true, nil
}

func (p *Postgres) Set(ctx context.Context, key, value string) error {
	_, err := p.DB.ExecContext(ctx,
		`INSERT INTO kv(key, value, updated_at) VALUES($1, $2, NOW())
		 ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.DB.ExecContext(ctx, `DELETE FROM kv WHERE key=$1`, key); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.DB.PingContext(ctx) }

func (p *Postgres) Close() error {
	if !p.owned {
		return nil
	}
	return p.DB.Close()
}
