// Package kv provides concrete implementations of the internal/ports
// key-value interfaces: a Postgres-backed store (grounded on the
// teacher's internal/database package, sqlx + lib/pq + otelsqlx) and an
// in-memory fake for tests. Both implement the full union of
// KeyValueStore, KeyValueStoreCas and KeyValueStoreConditional, so a
// single concrete type can back either port depending on what the
// caller asks for.
package kv

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"uploadfinalizer/internal/database"
	"uploadfinalizer/internal/ports"
)

// PostgresStore is a namespaced, generic key-value store backed by a
// single shared table. Namespace lets several logical stores (upload
// metadata, finalize jobs, the job due-index) share one table without
// key collisions.
type PostgresStore[T any] struct {
	db        *database.DB
	namespace string
}

func NewPostgresStore[T any](db *database.DB, namespace string) *PostgresStore[T] {
	return &PostgresStore[T]{db: db, namespace: namespace}
}

type kvRow struct {
	Value     []byte       `db:"value"`
	Version   string       `db:"version"`
	ExpiresAt sql.NullTime `db:"expires_at"`
}

func (s *PostgresStore[T]) decode(raw []byte) (T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("kv: decode %s entry: %w", s.namespace, err)
	}
	return v, nil
}

func expiresAt(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Now().Add(ttl), Valid: true}
}

func (s *PostgresStore[T]) Get(ctx context.Context, key string) (ports.GetResult[T], error) {
	var row kvRow
	err := s.db.GetContext(ctx, &row, `
		SELECT value, version, expires_at FROM kv_entries
		WHERE namespace = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now())`,
		s.namespace, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.GetResult[T]{}, nil
	}
	if err != nil {
		return ports.GetResult[T]{}, fmt.Errorf("kv: get %s/%s: %w", s.namespace, key, err)
	}
	v, err := s.decode(row.Value)
	if err != nil {
		return ports.GetResult[T]{}, err
	}
	return ports.GetResult[T]{Found: true, Value: v}, nil
}

func (s *PostgresStore[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: encode %s entry: %w", s.namespace, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, version, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = EXCLUDED.value, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at`,
		s.namespace, key, raw, uuid.NewString(), expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("kv: set %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

func (s *PostgresStore[T]) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE namespace = $1 AND key = $2`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("kv: delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

func (s *PostgresStore[T]) Has(ctx context.Context, key string) (bool, error) {
	var found bool
	err := s.db.GetContext(ctx, &found, `
		SELECT EXISTS(SELECT 1 FROM kv_entries
			WHERE namespace = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now()))`,
		s.namespace, key)
	if err != nil {
		return false, fmt.Errorf("kv: has %s/%s: %w", s.namespace, key, err)
	}
	return found, nil
}

func (s *PostgresStore[T]) GetMany(ctx context.Context, keys []string) (map[string]T, error) {
	out := make(map[string]T, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT key, value FROM kv_entries
		WHERE namespace = ? AND key IN (?) AND (expires_at IS NULL OR expires_at > now())`,
		s.namespace, keys)
	if err != nil {
		return nil, fmt.Errorf("kv: build get-many query for %s: %w", s.namespace, err)
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: get-many %s: %w", s.namespace, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("kv: scan get-many %s: %w", s.namespace, err)
		}
		v, err := s.decode(raw)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, rows.Err()
}

func (s *PostgresStore[T]) SetMany(ctx context.Context, values map[string]T, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("kv: set-many %s begin tx: %w", s.namespace, err)
	}
	defer tx.Rollback()

	exp := expiresAt(ttl)
	for key, value := range values {
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("kv: encode %s entry %s: %w", s.namespace, key, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_entries (namespace, key, value, version, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (namespace, key) DO UPDATE
			SET value = EXCLUDED.value, version = EXCLUDED.version, expires_at = EXCLUDED.expires_at`,
			s.namespace, key, raw, uuid.NewString(), exp); err != nil {
			return fmt.Errorf("kv: set-many %s/%s: %w", s.namespace, key, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore[T]) DeleteMany(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM kv_entries WHERE namespace = ? AND key IN (?)`, s.namespace, keys)
	if err != nil {
		return fmt.Errorf("kv: build delete-many query for %s: %w", s.namespace, err)
	}
	query = s.db.Rebind(query)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("kv: delete-many %s: %w", s.namespace, err)
	}
	return nil
}

func (s *PostgresStore[T]) GetVersioned(ctx context.Context, key string) (ports.VersionedResult[T], error) {
	var row kvRow
	err := s.db.GetContext(ctx, &row, `
		SELECT value, version, expires_at FROM kv_entries
		WHERE namespace = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now())`,
		s.namespace, key)
	if errors.Is(err, sql.ErrNoRows) {
		return ports.VersionedResult[T]{}, nil
	}
	if err != nil {
		return ports.VersionedResult[T]{}, fmt.Errorf("kv: get-versioned %s/%s: %w", s.namespace, key, err)
	}
	v, err := s.decode(row.Value)
	if err != nil {
		return ports.VersionedResult[T]{}, err
	}
	return ports.VersionedResult[T]{Found: true, Value: v, Version: row.Version}, nil
}

func (s *PostgresStore[T]) SetIfVersion(ctx context.Context, key string, value T, expectedVersion string, ttl time.Duration) (ports.CasResult, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return ports.CasResult{}, fmt.Errorf("kv: encode %s entry: %w", s.namespace, err)
	}
	newVersion := uuid.NewString()

	var wroteVersion string
	err = s.db.GetContext(ctx, &wroteVersion, `
		UPDATE kv_entries SET value = $1, version = $2, expires_at = $3
		WHERE namespace = $4 AND key = $5 AND version = $6
			AND (expires_at IS NULL OR expires_at > now())
		RETURNING version`,
		raw, newVersion, expiresAt(ttl), s.namespace, key, expectedVersion)
	if err == nil {
		return ports.CasResult{Kind: ports.CasWritten, Version: wroteVersion}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ports.CasResult{}, fmt.Errorf("kv: set-if-version %s/%s: %w", s.namespace, key, err)
	}

	exists, existsErr := s.Has(ctx, key)
	if existsErr != nil {
		return ports.CasResult{}, existsErr
	}
	if !exists {
		return ports.CasResult{Kind: ports.CasNotFound}, nil
	}
	return ports.CasResult{Kind: ports.CasConflict}, nil
}

func (s *PostgresStore[T]) SetIfNotExists(ctx context.Context, key string, value T, ttl time.Duration) (ports.ConditionalKind, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("kv: encode %s entry: %w", s.namespace, err)
	}
	var wrote string
	err = s.db.GetContext(ctx, &wrote, `
		INSERT INTO kv_entries (namespace, key, value, version, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace, key) DO NOTHING
		RETURNING version`,
		s.namespace, key, raw, uuid.NewString(), expiresAt(ttl))
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ConditionalSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("kv: set-if-not-exists %s/%s: %w", s.namespace, key, err)
	}
	return ports.ConditionalWritten, nil
}

func (s *PostgresStore[T]) SetIfExists(ctx context.Context, key string, value T, ttl time.Duration) (ports.ConditionalKind, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("kv: encode %s entry: %w", s.namespace, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE kv_entries SET value = $1, version = $2, expires_at = $3
		WHERE namespace = $4 AND key = $5 AND (expires_at IS NULL OR expires_at > now())`,
		raw, uuid.NewString(), expiresAt(ttl), s.namespace, key)
	if err != nil {
		return "", fmt.Errorf("kv: set-if-exists %s/%s: %w", s.namespace, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("kv: set-if-exists %s/%s rows affected: %w", s.namespace, key, err)
	}
	if n == 0 {
		return ports.ConditionalSkipped, nil
	}
	return ports.ConditionalWritten, nil
}
