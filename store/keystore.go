package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/certforge/internal/util"
)

// encPrefix tags encrypted keystore values so plaintext legacy rows stay
// readable after a secret is configured.
const encPrefix = "ENCv1:"

// minSecretLen below this the secret is treated as absent.
const minSecretLen = 8

// Cipher encrypts keystore values with AES-256-GCM under keys derived
// from one or two configured secrets. The current secret is used for all
// writes; decryption tries the current secret first and falls back to the
// old one, which keeps reads working during a rotation window. The
// secrets themselves live in memguard enclaves and are only opened for
// the duration of a key derivation.
type Cipher struct {
	current *memguard.Enclave
	old     *memguard.Enclave
}

// NewCipher builds a Cipher from the primary and optional old secret.
// Returns nil when the primary secret is too short to be usable, which
// disables encryption entirely.
func NewCipher(secret, oldSecret string) *Cipher {
	if len(secret) < minSecretLen {
		return nil
	}
	c := &Cipher{current: memguard.NewEnclave([]byte(secret))}
	if len(oldSecret) >= minSecretLen {
		c.old = memguard.NewEnclave([]byte(oldSecret))
	}
	return c
}

func deriveFromEnclave(e *memguard.Enclave) ([]byte, error) {
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return util.DeriveKeystoreKey(string(buf.Bytes()))
}

// seal encrypts pem and returns the tagged stored representation.
func (c *Cipher) seal(pem string) (string, error) {
	key, err := deriveFromEnclave(c.current)
	if err != nil {
		return "", err
	}
	defer util.WipeBytes(key)

	ct, err := util.EncryptAES([]byte(pem), key)
	if err != nil {
		return "", err
	}
	return encPrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// open decrypts a tagged value, trying each configured secret in order.
func (c *Cipher) open(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", ErrKeystoreIntegrity
	}
	candidates := []*memguard.Enclave{c.current}
	if c.old != nil {
		candidates = append(candidates, c.old)
	}
	for _, e := range candidates {
		key, err := deriveFromEnclave(e)
		if err != nil {
			continue
		}
		plain, err := util.DecryptAES(raw, key)
		util.WipeBytes(key)
		if err == nil {
			return string(plain), nil
		}
	}
	return "", ErrKeystoreIntegrity
}

// ---------------------------------------------------------------------------
// Keystore rows
// ---------------------------------------------------------------------------

// GetPEM returns the decrypted PEM stored under name. ErrNotFound when
// absent; ErrKeystoreIntegrity when the row is encrypted and no
// configured secret can open it.
func (s *Store) GetPEM(ctx context.Context, name string) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, `SELECT pem FROM keystore WHERE name=?`, name).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading keystore %q: %w", name, err)
	}
	return s.decodeStored(stored)
}

func (s *Store) decodeStored(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	if s.cipher == nil {
		return "", ErrKeystoreIntegrity
	}
	return s.cipher.open(stored)
}

// SetPEM stores pem under name, encrypting when a cipher is configured.
func (s *Store) SetPEM(ctx context.Context, name, pem string) error {
	stored := pem
	if s.cipher != nil {
		var err error
		stored, err = s.cipher.seal(pem)
		if err != nil {
			return fmt.Errorf("sealing keystore %q: %w", name, err)
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keystore(name, pem) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET pem=excluded.pem`, name, stored)
	if err != nil {
		return fmt.Errorf("writing keystore %q: %w", name, err)
	}
	return nil
}

// SetPEMTx is SetPEM within a caller-owned transaction, used to persist
// the whole CA hierarchy atomically.
func (s *Store) SetPEMTx(ctx context.Context, tx *sql.Tx, name, pem string) error {
	stored := pem
	if s.cipher != nil {
		var err error
		stored, err = s.cipher.seal(pem)
		if err != nil {
			return fmt.Errorf("sealing keystore %q: %w", name, err)
		}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO keystore(name, pem) VALUES(?, ?)
		ON CONFLICT(name) DO UPDATE SET pem=excluded.pem`, name, stored)
	if err != nil {
		return fmt.Errorf("writing keystore %q: %w", name, err)
	}
	return nil
}

// RotationResult reports how many keystore rows were rewritten.
type RotationResult struct {
	Rotated int `json:"rotated"`
	Total   int `json:"total"`
}

// RotateKeystore re-encrypts every keystore row under the current secret.
// Each row is rewritten in its own transaction, so a row either ends up
// valid under the new secret or is left untouched; reads keep working for
// rows not yet rewritten. Rows that cannot be decrypted are skipped and
// reported through the returned error alongside the counts.
func (s *Store) RotateKeystore(ctx context.Context) (RotationResult, error) {
	if s.cipher == nil {
		return RotationResult{}, errors.New("keystore rotation requires a configured secret")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT name FROM keystore ORDER BY name`)
	if err != nil {
		return RotationResult{}, fmt.Errorf("listing keystore rows: %w", err)
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return RotationResult{}, fmt.Errorf("scanning keystore row: %w", err)
		}
		names = append(names, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return RotationResult{}, fmt.Errorf("iterating keystore rows: %w", err)
	}

	res := RotationResult{Total: len(names)}
	var failed []string
	for _, name := range names {
		pem, err := s.GetPEM(ctx, name)
		if err != nil {
			failed = append(failed, name)
			continue
		}
		if err := s.SetPEM(ctx, name, pem); err != nil {
			failed = append(failed, name)
			continue
		}
		res.Rotated++
	}
	if len(failed) > 0 {
		return res, fmt.Errorf("%w: rotation left entries behind: %s",
			ErrKeystoreIntegrity, strings.Join(failed, ", "))
	}
	return res, nil
}
