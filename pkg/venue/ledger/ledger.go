/*
Copyright 2025 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ledger records issued attestation tokens and consumes each at most
// once.
package ledger

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/wamimi/proof-of-venue-presence/pkg/venue/apierror"
)

var createNoncesTableQuery = `CREATE TABLE IF NOT EXISTS nonces (
	nonce TEXT PRIMARY KEY,
	client_ip TEXT NOT NULL,
	issued_at INTEGER NOT NULL,
	used INTEGER NOT NULL DEFAULT 0, -- 0 unused, 1 consumed
	used_at INTEGER DEFAULT NULL
);`

var insertNonceQuery = `INSERT INTO nonces (nonce, client_ip, issued_at, used) VALUES (?, ?, ?, 0)`

var selectUnusedQuery = `SELECT 1 FROM nonces WHERE nonce = ? AND used = 0`

// The only statement that flips used. Zero rows affected means the token is
// unknown or already consumed.
var consumeNonceQuery = `UPDATE nonces SET used = 1, used_at = ? WHERE nonce = ? AND used = 0`

var selectNonceQuery = `SELECT nonce, client_ip, issued_at, used, used_at FROM nonces WHERE nonce = ?`

var statsQuery = `SELECT COUNT(*), COALESCE(SUM(used), 0) FROM nonces`

// tokenBytes is the amount of entropy in a token.
const tokenBytes = 32

// For testing
var tokenReader io.Reader = rand.Reader

// ErrAlreadyUsedOrUnknown is returned by ConsumeOnce when no unused record
// matches the token. Unknown and consumed tokens are indistinguishable.
var ErrAlreadyUsedOrUnknown = apierror.New(apierror.InvalidNonce, "nonce already used or unknown")

// Record is a stored token.
type Record struct {
	Token    string `json:"token"`
	Origin   string `json:"origin"`
	IssuedAt int64  `json:"issued_at"`
	Used     bool   `json:"used"`
	UsedAt   *int64 `json:"used_at,omitempty"`
}

// Stats summarizes the ledger.
type Stats struct {
	Total int64 `json:"total"`
	Used  int64 `json:"used"`
}

// Ledger stores attestation tokens.
type Ledger interface {
	// Issue generates a new token for origin and records it as unused.
	Issue(ctx context.Context, origin string, now time.Time) (string, error)
	// IsUnused reports whether token exists and has not been consumed.
	IsUnused(ctx context.Context, token string) (bool, error)
	// ConsumeOnce marks token used. Of all concurrent calls for one token at
	// most one returns nil.
	ConsumeOnce(ctx context.Context, token string, now time.Time) error
	// Get returns the record for token, or nil if there is none.
	Get(ctx context.Context, token string) (*Record, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// SqliteLedger is a Ledger backed by a SQLite database file. Several
// processes may share one file.
type SqliteLedger struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*SqliteLedger, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierror.Wrap(err, apierror.StorageError, "could not create database directory")
		}
	}
	// WAL plus a busy timeout lets writers in other processes wait for the
	// lock instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, apierror.Wrap(err, apierror.StorageError, "could not open database")
	}
	l, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	glog.Infof("nonce ledger opened at %s", path)
	return l, nil
}

// New applies the schema to db and returns a ledger using it.
func New(db *sql.DB) (*SqliteLedger, error) {
	if _, err := db.Exec(createNoncesTableQuery); err != nil {
		return nil, apierror.Wrap(err, apierror.StorageError, "could not create nonces table")
	}
	return &SqliteLedger{db: db}, nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(tokenReader, b); err != nil {
		return "", errors.Wrap(err, "error reading random bytes")
	}
	return hex.EncodeToString(b), nil
}

// Issue implements Ledger.
func (l *SqliteLedger) Issue(ctx context.Context, origin string, now time.Time) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", apierror.Wrap(err, apierror.Internal, "could not generate nonce")
	}
	if _, err := l.db.ExecContext(ctx, insertNonceQuery, token, origin, now.Unix()); err != nil {
		return "", apierror.Wrap(err, apierror.StorageError, "could not record nonce")
	}
	glog.V(2).Infof("issued nonce %s... to %s", token[:8], origin)
	return token, nil
}

// IsUnused implements Ledger.
func (l *SqliteLedger) IsUnused(ctx context.Context, token string) (bool, error) {
	var one int
	err := l.db.QueryRowContext(ctx, selectUnusedQuery, token).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, apierror.Wrap(err, apierror.StorageError, "could not look up nonce")
	}
	return true, nil
}

// ConsumeOnce implements Ledger.
func (l *SqliteLedger) ConsumeOnce(ctx context.Context, token string, now time.Time) error {
	res, err := l.db.ExecContext(ctx, consumeNonceQuery, now.Unix(), token)
	if err != nil {
		return apierror.Wrap(err, apierror.StorageError, "could not consume nonce")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apierror.Wrap(err, apierror.StorageError, "could not consume nonce")
	}
	if n == 0 {
		return ErrAlreadyUsedOrUnknown
	}
	return nil
}

// Get implements Ledger.
func (l *SqliteLedger) Get(ctx context.Context, token string) (*Record, error) {
	var (
		r      Record
		used   int
		usedAt sql.NullInt64
	)
	err := l.db.QueryRowContext(ctx, selectNonceQuery, token).Scan(&r.Token, &r.Origin, &r.IssuedAt, &used, &usedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierror.Wrap(err, apierror.StorageError, "could not read nonce")
	}
	r.Used = used != 0
	if usedAt.Valid {
		r.UsedAt = &usedAt.Int64
	}
	return &r, nil
}

// Stats implements Ledger.
func (l *SqliteLedger) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := l.db.QueryRowContext(ctx, statsQuery).Scan(&s.Total, &s.Used); err != nil {
		return Stats{}, apierror.Wrap(err, apierror.StorageError, "could not read nonce stats")
	}
	return s, nil
}

// Close closes the database.
func (l *SqliteLedger) Close() error {
	return l.db.Close()
}
