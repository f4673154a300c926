package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SAN is one typed subject-alternative-name on a certificate record.
type SAN struct {
	Type  string `json:"type"` // "dns", "email" or "ip"
	Value string `json:"value"`
}

// CertRecord is an issued certificate. Records are append-only: created
// on every successful signing operation and never mutated.
type CertRecord struct {
	SerialHex   string
	SubjectCN   string
	Subject     string
	SANs        []SAN
	NotBefore   time.Time
	NotAfter    time.Time
	RenewedFrom string // serial of the predecessor in a renewal chain
}

// Revocation marks a serial as revoked. At most one row per serial.
type Revocation struct {
	SerialHex string
	Reason    string
	RevokedAt time.Time
}

// InsertCertTx records an issued certificate inside a caller-owned
// transaction so the record lands together with the serial allocation.
func (s *Store) InsertCertTx(ctx context.Context, tx *sql.Tx, rec CertRecord) error {
	sans, err := json.Marshal(rec.SANs)
	if err != nil {
		return fmt.Errorf("encoding SANs: %w", err)
	}
	var renewedFrom any
	if rec.RenewedFrom != "" {
		renewedFrom = rec.RenewedFrom
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO certs(serial_hex, subject_cn, subject, sans_json, not_before, not_after, renewed_from)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SerialHex, rec.SubjectCN, rec.Subject, string(sans),
		rec.NotBefore.UTC().Format(time.RFC3339), rec.NotAfter.UTC().Format(time.RFC3339),
		renewedFrom)
	if err != nil {
		return fmt.Errorf("inserting certificate %s: %w", rec.SerialHex, err)
	}
	return nil
}

// GetCert returns the certificate record for a serial.
func (s *Store) GetCert(ctx context.Context, serialHex string) (*CertRecord, error) {
	var (
		rec         CertRecord
		sansJSON    string
		notBefore   string
		notAfter    string
		renewedFrom sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT serial_hex, subject_cn, subject, sans_json, not_before, not_after, renewed_from
		FROM certs WHERE serial_hex=?`, serialHex).
		Scan(&rec.SerialHex, &rec.SubjectCN, &rec.Subject, &sansJSON, &notBefore, &notAfter, &renewedFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading certificate %s: %w", serialHex, err)
	}
	if err := json.Unmarshal([]byte(sansJSON), &rec.SANs); err != nil {
		return nil, fmt.Errorf("decoding SANs for %s: %w", serialHex, err)
	}
	if rec.NotBefore, err = time.Parse(time.RFC3339, notBefore); err != nil {
		return nil, fmt.Errorf("decoding not_before for %s: %w", serialHex, err)
	}
	if rec.NotAfter, err = time.Parse(time.RFC3339, notAfter); err != nil {
		return nil, fmt.Errorf("decoding not_after for %s: %w", serialHex, err)
	}
	rec.RenewedFrom = renewedFrom.String
	return &rec, nil
}

// UpsertRevocation records (or re-records) a revocation. The second
// revocation of the same serial overwrites reason and timestamp rather
// than creating a duplicate row.
func (s *Store) UpsertRevocation(ctx context.Context, serialHex, reason string, revokedAt time.Time) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO revocations(serial_hex, reason, revoked_at)
			VALUES (?, ?, ?)
			ON CONFLICT(serial_hex) DO UPDATE SET reason=excluded.reason, revoked_at=excluded.revoked_at`,
			serialHex, reason, revokedAt.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("recording revocation of %s: %w", serialHex, err)
		}
		return nil
	})
}

// IsRevoked reports whether a revocation row exists for the serial.
func (s *Store) IsRevoked(ctx context.Context, serialHex string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM revocations WHERE serial_hex=?`, serialHex).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking revocation of %s: %w", serialHex, err)
	}
	return true, nil
}

// ListRevocations returns every revocation, oldest first.
func (s *Store) ListRevocations(ctx context.Context) ([]Revocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT serial_hex, reason, revoked_at FROM revocations ORDER BY revoked_at`)
	if err != nil {
		return nil, fmt.Errorf("listing revocations: %w", err)
	}
	defer rows.Close()

	var out []Revocation
	for rows.Next() {
		var (
			rev       Revocation
			revokedAt string
		)
		if err := rows.Scan(&rev.SerialHex, &rev.Reason, &revokedAt); err != nil {
			return nil, fmt.Errorf("scanning revocation: %w", err)
		}
		if rev.RevokedAt, err = time.Parse(time.RFC3339, revokedAt); err != nil {
			rev.RevokedAt = time.Now().UTC()
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}
