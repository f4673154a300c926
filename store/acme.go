package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ACME object statuses. Orders move pending -> ready -> valid with no
// backward transitions; authorizations move pending -> valid, or stay
// pending (failed http-01) until a later attempt succeeds.
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusValid   = "valid"
	StatusInvalid = "invalid"
)

// Identifier is one requested ACME identifier.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Account is a registered ACME account, identified by its key thumbprint
// and addressed by its kid URL.
type Account struct {
	ID          int64
	Kid         string
	Thumbprint  string
	JWKJSON     string
	ContactJSON string
	CreatedAt   time.Time
}

// Order is an ACME certificate order.
type Order struct {
	ID          int64
	AccountID   int64
	Status      string
	Identifiers []Identifier
	FinalizeURL string
	CertURL     string
	CSRB64u     string
	CertPEM     string
	CreatedAt   time.Time

	// AuthzURLs is populated on creation and lookup for responses.
	AuthzURLs []string
}

// Authz is a per-identifier authorization belonging to an order.
type Authz struct {
	ID              int64
	OrderID         int64
	IdentifierType  string
	IdentifierValue string
	Status          string
	URL             string
}

// Challenge is the single http-01 challenge of an authorization.
type Challenge struct {
	ID          int64
	AuthzID     int64
	Type        string
	Token       string
	Status      string
	URL         string
	ValidatedAt string
}

// ACMEURLs build the self-referential URLs of freshly inserted rows.
// They cannot be computed before the row exists, so creation inserts
// first, then rewrites the URL columns inside the same transaction.
type ACMEURLs struct {
	Account   func(id int64) string
	Finalize  func(orderID int64) string
	Cert      func(orderID int64) string
	Authz     func(authzID int64) string
	Challenge func(authzID int64) string
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

func scanAccount(row *sql.Row) (*Account, error) {
	var (
		a         Account
		contact   sql.NullString
		createdAt string
	)
	err := row.Scan(&a.ID, &a.Kid, &a.Thumbprint, &a.JWKJSON, &contact, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}
	a.ContactJSON = contact.String
	a.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &a, nil
}

const accountCols = `id, kid, thumbprint, jwk_json, contact_json, created_at`

// GetAccountByKid resolves an account from a protected-header kid URL.
func (s *Store) GetAccountByKid(ctx context.Context, kid string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM acme_accounts WHERE kid=?`, kid))
}

// GetAccountByThumbprint resolves an account from its JWK thumbprint.
func (s *Store) GetAccountByThumbprint(ctx context.Context, thumbprint string) (*Account, error) {
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM acme_accounts WHERE thumbprint=?`, thumbprint))
}

// CreateAccount inserts a new account and mints its kid URL from the
// assigned row id.
func (s *Store) CreateAccount(ctx context.Context, thumbprint, jwkJSON, contactJSON string, urls ACMEURLs) (*Account, error) {
	var id int64
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		var contact any
		if contactJSON != "" {
			contact = contactJSON
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO acme_accounts(kid, thumbprint, jwk_json, contact_json, created_at)
			VALUES ('', ?, ?, ?, ?)`,
			thumbprint, jwkJSON, contact, time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting account: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading account id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE acme_accounts SET kid=? WHERE id=?`, urls.Account(id), id); err != nil {
			return fmt.Errorf("setting account kid: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM acme_accounts WHERE id=?`, id))
}

// ---------------------------------------------------------------------------
// Orders, authorizations, challenges
// ---------------------------------------------------------------------------

// CreateOrder atomically creates the order plus one authorization and one
// http-01 challenge per identifier. tokens must hold one challenge token
// per identifier.
func (s *Store) CreateOrder(ctx context.Context, accountID int64, idents []Identifier, tokens []string, urls ACMEURLs) (*Order, error) {
	if len(tokens) != len(idents) {
		return nil, fmt.Errorf("got %d tokens for %d identifiers", len(tokens), len(idents))
	}
	identsJSON, err := json.Marshal(idents)
	if err != nil {
		return nil, fmt.Errorf("encoding identifiers: %w", err)
	}

	order := &Order{
		AccountID:   accountID,
		Status:      StatusPending,
		Identifiers: idents,
	}
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO acme_orders(account_id, status, identifiers_json, finalize_url, cert_url, created_at)
			VALUES (?, ?, ?, '', '', ?)`,
			accountID, StatusPending, string(identsJSON), now)
		if err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}
		if order.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading order id: %w", err)
		}

		order.FinalizeURL = urls.Finalize(order.ID)
		order.CertURL = urls.Cert(order.ID)
		if _, err := tx.ExecContext(ctx, `UPDATE acme_orders SET finalize_url=?, cert_url=? WHERE id=?`,
			order.FinalizeURL, order.CertURL, order.ID); err != nil {
			return fmt.Errorf("setting order URLs: %w", err)
		}

		for i, ident := range idents {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO acme_authzs(order_id, identifier_type, identifier_value, status, url)
				VALUES (?, ?, ?, ?, '')`,
				order.ID, ident.Type, ident.Value, StatusPending)
			if err != nil {
				return fmt.Errorf("inserting authorization: %w", err)
			}
			authzID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading authorization id: %w", err)
			}
			authzURL := urls.Authz(authzID)
			if _, err := tx.ExecContext(ctx, `UPDATE acme_authzs SET url=? WHERE id=?`, authzURL, authzID); err != nil {
				return fmt.Errorf("setting authorization URL: %w", err)
			}
			order.AuthzURLs = append(order.AuthzURLs, authzURL)

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO acme_challenges(authz_id, type, token, status, url)
				VALUES (?, 'http-01', ?, ?, ?)`,
				authzID, tokens[i], StatusPending, urls.Challenge(authzID)); err != nil {
				return fmt.Errorf("inserting challenge: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// GetOrder returns an order with its authorization URLs.
func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var (
		o          Order
		identsJSON string
		csr        sql.NullString
		certPEM    sql.NullString
		createdAt  string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, status, identifiers_json, finalize_url, cert_url, csr_der_b64u, cert_pem, created_at
		FROM acme_orders WHERE id=?`, id).
		Scan(&o.ID, &o.AccountID, &o.Status, &identsJSON, &o.FinalizeURL, &o.CertURL, &csr, &certPEM, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(identsJSON), &o.Identifiers); err != nil {
		return nil, fmt.Errorf("decoding identifiers for order %d: %w", id, err)
	}
	o.CSRB64u = csr.String
	o.CertPEM = certPEM.String
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	rows, err := s.db.QueryContext(ctx, `SELECT url FROM acme_authzs WHERE order_id=? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("listing authorizations for order %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, fmt.Errorf("scanning authorization URL: %w", err)
		}
		o.AuthzURLs = append(o.AuthzURLs, url)
	}
	return &o, rows.Err()
}

// GetAuthz returns one authorization.
func (s *Store) GetAuthz(ctx context.Context, id int64) (*Authz, error) {
	var a Authz
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, identifier_type, identifier_value, status, url
		FROM acme_authzs WHERE id=?`, id).
		Scan(&a.ID, &a.OrderID, &a.IdentifierType, &a.IdentifierValue, &a.Status, &a.URL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading authorization %d: %w", id, err)
	}
	return &a, nil
}

// GetChallengeByAuthz returns the http-01 challenge of an authorization.
func (s *Store) GetChallengeByAuthz(ctx context.Context, authzID int64) (*Challenge, error) {
	var (
		c           Challenge
		validatedAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, authz_id, type, token, status, url, validated_at
		FROM acme_challenges WHERE authz_id=?`, authzID).
		Scan(&c.ID, &c.AuthzID, &c.Type, &c.Token, &c.Status, &c.URL, &validatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading challenge for authorization %d: %w", authzID, err)
	}
	c.ValidatedAt = validatedAt.String
	return &c, nil
}

// RecordChallengeResult applies the outcome of one http-01 validation
// attempt atomically: the challenge status is set (overwriting any
// earlier attempt), a successful attempt marks the authorization valid,
// and when every authorization of the owning order is valid the order
// advances to ready. A failed attempt leaves the authorization pending so
// the client can retry. Reports whether the order reached ready.
func (s *Store) RecordChallengeResult(ctx context.Context, ch *Challenge, authz *Authz, ok bool) (orderReady bool, err error) {
	err = s.Tx(ctx, func(tx *sql.Tx) error {
		chStatus := StatusInvalid
		if ok {
			chStatus = StatusValid
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `
			UPDATE acme_challenges SET status=?, validated_at=? WHERE id=?`,
			chStatus, now, ch.ID); err != nil {
			return fmt.Errorf("updating challenge %d: %w", ch.ID, err)
		}
		if !ok {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE acme_authzs SET status=? WHERE id=?`,
			StatusValid, authz.ID); err != nil {
			return fmt.Errorf("updating authorization %d: %w", authz.ID, err)
		}
		var remaining int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM acme_authzs WHERE order_id=? AND status != ?`,
			authz.OrderID, StatusValid).Scan(&remaining); err != nil {
			return fmt.Errorf("counting pending authorizations: %w", err)
		}
		if remaining == 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE acme_orders SET status=? WHERE id=?`,
				StatusReady, authz.OrderID); err != nil {
				return fmt.Errorf("advancing order %d: %w", authz.OrderID, err)
			}
			orderReady = true
		}
		return nil
	})
	return orderReady, err
}

// FinalizeOrder stores the CSR and issued certificate on the order and
// marks it valid.
func (s *Store) FinalizeOrder(ctx context.Context, orderID int64, csrB64u, certPEM string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE acme_orders SET status=?, csr_der_b64u=?, cert_pem=? WHERE id=?`,
			StatusValid, csrB64u, certPEM, orderID)
		if err != nil {
			return fmt.Errorf("finalizing order %d: %w", orderID, err)
		}
		return nil
	})
}
