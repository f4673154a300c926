// Package store is the embedded datastore for certforge: a single SQLite
// database opened in WAL mode that holds the (optionally encrypted) PEM
// keystore, scalar meta state, issued-certificate and revocation records,
// and the ACME protocol tables. All multi-statement mutations go through
// Tx so partial writes are never observed.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrKeystoreIntegrity is returned when an encrypted keystore row
	// cannot be decrypted under any configured secret. The message must
	// never reach protocol clients.
	ErrKeystoreIntegrity = errors.New("unable to decrypt keystore entry with configured secrets")
)

// serialSeed is the first leaf serial handed out by AllocateSerialHex.
// Root and intermediate use the fixed serials 01 and 02 below it.
const serialSeed = 1000

const schema = `
CREATE TABLE IF NOT EXISTS keystore (
	name TEXT PRIMARY KEY,
	pem  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS certs (
	serial_hex   TEXT PRIMARY KEY,
	subject_cn   TEXT,
	subject      TEXT,
	sans_json    TEXT NOT NULL DEFAULT '[]',
	not_before   TEXT NOT NULL,
	not_after    TEXT NOT NULL,
	renewed_from TEXT
);
CREATE TABLE IF NOT EXISTS revocations (
	serial_hex TEXT PRIMARY KEY,
	reason     TEXT NOT NULL DEFAULT '',
	revoked_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acme_accounts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	kid          TEXT NOT NULL DEFAULT '',
	thumbprint   TEXT NOT NULL UNIQUE,
	jwk_json     TEXT NOT NULL,
	contact_json TEXT,
	created_at   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acme_orders (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id       INTEGER NOT NULL REFERENCES acme_accounts(id),
	status           TEXT NOT NULL,
	identifiers_json TEXT NOT NULL,
	finalize_url     TEXT NOT NULL DEFAULT '',
	cert_url         TEXT NOT NULL DEFAULT '',
	csr_der_b64u     TEXT,
	cert_pem         TEXT,
	created_at       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS acme_authzs (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id         INTEGER NOT NULL REFERENCES acme_orders(id),
	identifier_type  TEXT NOT NULL,
	identifier_value TEXT NOT NULL,
	status           TEXT NOT NULL,
	url              TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS acme_challenges (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	authz_id     INTEGER NOT NULL REFERENCES acme_authzs(id),
	type         TEXT NOT NULL,
	token        TEXT NOT NULL,
	status       TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	validated_at TEXT
);
`

// Store wraps the SQLite handle and the keystore cipher.
type Store struct {
	db     *sql.DB
	cipher *Cipher
}

// Open creates the data directory if needed, opens (or creates) the
// database in WAL mode and applies the schema. The cipher may be nil,
// in which case keystore rows are stored in plaintext.
func Open(dataDir string, cipher *Cipher) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate&_foreign_keys=on",
		filepath.Join(dataDir, "ca.db"))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx runs fn inside a transaction, rolling back on error.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Meta key/value state
// ---------------------------------------------------------------------------

// GetMeta returns the value for key, or "" when the key is absent.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading meta %q: %w", key, err)
	}
	return v, nil
}

// SetMeta upserts a meta key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

// AllocateSerialHex atomically reads and increments the serial counter
// and returns the allocated value as a lower-case hex string. Serials are
// unsigned and may exceed 128 bits; big.Int keeps the top bit unambiguous.
// EnsureMetaTx writes a meta key inside a caller-owned transaction
// only when it is absent. An existing value is left untouched.
func (s *Store) EnsureMetaTx(ctx context.Context, tx *sql.Tx, key, value string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO NOTHING`, key, value)
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

func (s *Store) AllocateSerialHex(ctx context.Context) (string, error) {
	var hex string
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='next_serial'`).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			cur = fmt.Sprintf("%d", serialSeed)
		} else if err != nil {
			return fmt.Errorf("reading serial counter: %w", err)
		}
		n, ok := new(big.Int).SetString(cur, 10)
		if !ok || n.Sign() < 0 {
			return fmt.Errorf("corrupt serial counter %q", cur)
		}
		hex = n.Text(16)
		next := new(big.Int).Add(n, big.NewInt(1))
		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta(key, value) VALUES('next_serial', ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, next.String())
		if err != nil {
			return fmt.Errorf("advancing serial counter: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return hex, nil
}

// NextCRLNumber atomically increments and returns the CRL number.
func (s *Store) NextCRLNumber(ctx context.Context) (int64, error) {
	var n int64
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		var cur sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM meta WHERE key='crl_number'`).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("reading CRL number: %w", err)
		}
		n = cur.Int64 + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO meta(key, value) VALUES('crl_number', ?)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value`, fmt.Sprintf("%d", n))
		if err != nil {
			return fmt.Errorf("advancing CRL number: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Wipe irreversibly clears all CA state: key material, certificate and
// revocation records, meta counters and every ACME table.
func (s *Store) Wipe(ctx context.Context) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"acme_challenges", "acme_authzs", "acme_orders", "acme_accounts",
			"revocations", "certs", "keystore", "meta",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("wiping %s: %w", table, err)
			}
		}
		return nil
	})
}
