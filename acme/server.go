// Package acme implements the ACME (RFC 8555 subset) protocol state
// machine over the certforge store and CA engine: account registration,
// order creation, http-01 authorization and challenge validation, and
// finalization into an issued certificate. Only dns identifiers and
// http-01 challenges are supported.
package acme

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

const maxBodyBytes = 1 << 20

// Server holds the dependencies of the ACME endpoints.
type Server struct {
	store   *store.Store
	engine  *pki.Engine
	nonces  *NonceStore
	client  *http.Client
	timeout time.Duration
	log     *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithValidationTimeout bounds the outbound http-01 fetch.
func WithValidationTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithHTTPClient replaces the client used for http-01 fetches (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.client = c }
}

// NewServer creates an ACME server.
func NewServer(st *store.Store, engine *pki.Engine, opts ...Option) *Server {
	s := &Server{
		store:   st,
		engine:  engine,
		nonces:  NewNonceStore(),
		client:  http.DefaultClient,
		timeout: 5 * time.Second,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the /acme route tree. Every response, success or
// problem, carries a fresh Replay-Nonce so the client can continue.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.replayNonce)

	r.Get("/directory", s.handle("directory", s.directory))
	r.Head("/new-nonce", s.handle("newNonce", s.newNonce))
	r.Get("/new-nonce", s.handle("newNonce", s.newNonce))
	r.Post("/new-account", s.handle("newAccount", s.newAccount))
	r.Post("/new-order", s.handle("newOrder", s.newOrder))
	r.Get("/authz/{id}", s.handle("getAuthz", s.getAuthz))
	r.Post("/challenge/{id}", s.handle("postChallenge", s.postChallenge))
	r.Post("/finalize/{id}", s.handle("finalize", s.finalize))
	r.Get("/cert/{id}", s.handle("getCert", s.getCert))
	return r
}

// replayNonce attaches a fresh single-use nonce to every response.
func (s *Server) replayNonce(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := s.nonces.Issue()
		if err != nil {
			s.log.Error("issuing nonce", "err", err)
			writeProblem(w, serverInternal())
			return
		}
		w.Header().Set("Replay-Nonce", nonce)
		next.ServeHTTP(w, r)
	})
}

// handle adapts a problem-returning handler to http.HandlerFunc.
func (s *Server) handle(endpoint string, fn func(w http.ResponseWriter, r *http.Request) *Problem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p := fn(w, r); p != nil {
			requestsTotal.WithLabelValues(endpoint, "error").Inc()
			writeProblem(w, p)
			return
		}
		requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	}
}

// baseURL reconstructs the externally visible /acme prefix from the
// request, honoring a reverse proxy's X-Forwarded-Proto.
func baseURL(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return fmt.Sprintf("%s://%s/acme", proto, r.Host)
}

func acmeURLs(base string) store.ACMEURLs {
	return store.ACMEURLs{
		Account:   func(id int64) string { return fmt.Sprintf("%s/acct/%d", base, id) },
		Finalize:  func(id int64) string { return fmt.Sprintf("%s/finalize/%d", base, id) },
		Cert:      func(id int64) string { return fmt.Sprintf("%s/cert/%d", base, id) },
		Authz:     func(id int64) string { return fmt.Sprintf("%s/authz/%d", base, id) },
		Challenge: func(id int64) string { return fmt.Sprintf("%s/challenge/%d", base, id) },
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func readBody(r *http.Request) ([]byte, *Problem) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, malformed(400, "reading request body")
	}
	return body, nil
}

func urlID(r *http.Request) (int64, *Problem) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, malformed(http.StatusNotFound, "bad id")
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Directory and nonces
// ---------------------------------------------------------------------------

func (s *Server) directory(w http.ResponseWriter, r *http.Request) *Problem {
	base := baseURL(r)
	writeJSON(w, http.StatusOK, map[string]string{
		"newNonce":   base + "/new-nonce",
		"newAccount": base + "/new-account",
		"newOrder":   base + "/new-order",
		"revokeCert": base + "/revoke-cert",
		"keyChange":  base + "/key-change",
	})
	return nil
}

func (s *Server) newNonce(w http.ResponseWriter, _ *http.Request) *Problem {
	// Replay-Nonce is set by middleware.
	w.WriteHeader(http.StatusOK)
	return nil
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type accountResponse struct {
	Status  string   `json:"status"`
	Contact []string `json:"contact"`
	Orders  string   `json:"orders"`
}

func (s *Server) respondAccount(w http.ResponseWriter, account *store.Account, status int) {
	contact := []string{}
	if account.ContactJSON != "" {
		_ = json.Unmarshal([]byte(account.ContactJSON), &contact)
	}
	w.Header().Set("Location", account.Kid)
	writeJSON(w, status, accountResponse{
		Status:  "valid",
		Contact: contact,
		Orders:  account.Kid + "/orders",
	})
}

func (s *Server) newAccount(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	body, p := readBody(r)
	if p != nil {
		return p
	}
	v, p := s.verifyJWS(ctx, body, true)
	if p != nil {
		return p
	}

	// kid present: idempotent lookup of the existing account.
	if v.account != nil {
		s.respondAccount(w, v.account, http.StatusOK)
		return nil
	}

	tp, err := thumbprint(v.jwk)
	if err != nil {
		return malformed(400, "unusable account key")
	}

	// One account per distinct key: re-registration with a known key
	// returns the existing account.
	existing, err := s.store.GetAccountByThumbprint(ctx, tp)
	if err == nil {
		s.respondAccount(w, existing, http.StatusOK)
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.log.Error("looking up account", "err", err)
		return serverInternal()
	}

	var payload struct {
		Contact []string `json:"contact"`
	}
	if len(v.payload) > 0 {
		_ = json.Unmarshal(v.payload, &payload)
	}
	contactJSON := ""
	if payload.Contact != nil {
		raw, err := json.Marshal(payload.Contact)
		if err == nil {
			contactJSON = string(raw)
		}
	}
	jwkJSON, err := json.Marshal(v.jwk)
	if err != nil {
		return malformed(400, "unusable account key")
	}

	account, err := s.store.CreateAccount(ctx, tp, string(jwkJSON), contactJSON, acmeURLs(baseURL(r)))
	if err != nil {
		s.log.Error("creating account", "err", err)
		return serverInternal()
	}
	s.respondAccount(w, account, http.StatusCreated)
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

type orderResponse struct {
	Status         string             `json:"status"`
	Identifiers    []store.Identifier `json:"identifiers"`
	Authorizations []string           `json:"authorizations"`
	Finalize       string             `json:"finalize"`
}

func (s *Server) newOrder(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	body, p := readBody(r)
	if p != nil {
		return p
	}
	v, p := s.verifyJWS(ctx, body, false)
	if p != nil {
		return p
	}
	if v.account == nil {
		return unauthorized("kid required")
	}

	var payload struct {
		Identifiers []store.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(v.payload, &payload); err != nil {
		return malformed(400, "bad payload")
	}
	if len(payload.Identifiers) == 0 {
		return malformed(400, "identifiers required")
	}
	for _, ident := range payload.Identifiers {
		if ident.Type != "dns" {
			return unsupportedIdentifier("only dns identifiers are supported")
		}
	}

	tokens := make([]string, len(payload.Identifiers))
	for i := range tokens {
		tokens[i] = strings.ReplaceAll(uuid.New().String(), "-", "")
	}

	order, err := s.store.CreateOrder(ctx, v.account.ID, payload.Identifiers, tokens, acmeURLs(baseURL(r)))
	if err != nil {
		s.log.Error("creating order", "err", err)
		return serverInternal()
	}

	writeJSON(w, http.StatusCreated, orderResponse{
		Status:         order.Status,
		Identifiers:    order.Identifiers,
		Authorizations: order.AuthzURLs,
		Finalize:       order.FinalizeURL,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Authorizations and challenges
// ---------------------------------------------------------------------------

type challengeResponse struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Status string `json:"status"`
	Token  string `json:"token"`
}

func (s *Server) getAuthz(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	id, p := urlID(r)
	if p != nil {
		return p
	}
	authz, err := s.store.GetAuthz(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return malformed(http.StatusNotFound, "authz not found")
	}
	if err != nil {
		s.log.Error("reading authorization", "id", id, "err", err)
		return serverInternal()
	}
	ch, err := s.store.GetChallengeByAuthz(ctx, id)
	if err != nil {
		s.log.Error("reading challenge", "authz", id, "err", err)
		return serverInternal()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identifier": store.Identifier{Type: authz.IdentifierType, Value: authz.IdentifierValue},
		"status":     authz.Status,
		"challenges": []challengeResponse{{
			Type:   ch.Type,
			URL:    ch.URL,
			Status: ch.Status,
			Token:  ch.Token,
		}},
	})
	return nil
}

func (s *Server) postChallenge(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	body, p := readBody(r)
	if p != nil {
		return p
	}
	v, p := s.verifyJWS(ctx, body, false)
	if p != nil {
		return p
	}
	if v.account == nil {
		return unauthorized("kid required")
	}

	id, p := urlID(r)
	if p != nil {
		return p
	}
	authz, err := s.store.GetAuthz(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return malformed(http.StatusNotFound, "authz not found")
	}
	if err != nil {
		s.log.Error("reading authorization", "id", id, "err", err)
		return serverInternal()
	}
	ch, err := s.store.GetChallengeByAuthz(ctx, id)
	if err != nil {
		s.log.Error("reading challenge", "authz", id, "err", err)
		return serverInternal()
	}

	keyAuth, err := s.keyAuthorization(v.account, ch.Token)
	if err != nil {
		s.log.Error("computing key authorization", "err", err)
		return serverInternal()
	}

	ok := s.validateHTTP01(ctx, authz.IdentifierValue, ch.Token, keyAuth)
	if ok {
		validationsTotal.WithLabelValues("valid").Inc()
	} else {
		validationsTotal.WithLabelValues("invalid").Inc()
	}

	if _, err := s.store.RecordChallengeResult(ctx, ch, authz, ok); err != nil {
		s.log.Error("recording challenge result", "challenge", ch.ID, "err", err)
		return serverInternal()
	}

	// A failed attempt leaves the authorization pending; the client is
	// expected to retry, so the reported status says pending, not
	// invalid.
	status := store.StatusPending
	if ok {
		status = store.StatusValid
	}
	writeJSON(w, http.StatusOK, challengeResponse{
		Type:   ch.Type,
		URL:    ch.URL,
		Status: status,
		Token:  ch.Token,
	})
	return nil
}

// keyAuthorization computes token "." thumbprint(accountKey).
func (s *Server) keyAuthorization(account *store.Account, token string) (string, error) {
	key, err := parseJWK(account.JWKJSON)
	if err != nil {
		return "", err
	}
	tp, err := thumbprint(key)
	if err != nil {
		return "", err
	}
	return token + "." + tp, nil
}

// validateHTTP01 fetches the well-known challenge path on the identifier
// and compares the trimmed body against the expected key authorization.
// Every failure mode — network error, timeout, non-200, mismatch — is a
// negative validation outcome, never an error surfaced to the client.
func (s *Server) validateHTTP01(ctx context.Context, identifier, token, keyAuth string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/.well-known/acme-challenge/%s", identifier, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(body)) == keyAuth
}

// ---------------------------------------------------------------------------
// Finalization and certificate download
// ---------------------------------------------------------------------------

func (s *Server) finalize(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	body, p := readBody(r)
	if p != nil {
		return p
	}
	v, p := s.verifyJWS(ctx, body, false)
	if p != nil {
		return p
	}
	if v.account == nil {
		return unauthorized("kid required")
	}

	id, p := urlID(r)
	if p != nil {
		return p
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return malformed(http.StatusNotFound, "order not found")
	}
	if err != nil {
		s.log.Error("reading order", "id", id, "err", err)
		return serverInternal()
	}
	if order.Status != store.StatusReady && order.Status != store.StatusPending {
		return orderNotReady("order not ready")
	}

	var payload struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(v.payload, &payload); err != nil || payload.CSR == "" {
		return malformed(400, "csr missing")
	}
	csrDER, err := base64.RawURLEncoding.DecodeString(payload.CSR)
	if err != nil {
		return malformed(400, "csr is not valid base64url")
	}
	csrPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER}))

	certPEM, err := s.engine.SignCSR(ctx, pki.SignRequest{CSRPEM: csrPEM})
	switch {
	case errors.Is(err, pki.ErrInvalidCSR), errors.Is(err, pki.ErrInvalidPEM):
		return malformed(400, "csr rejected")
	case errors.Is(err, pki.ErrNotInitialized):
		s.log.Error("finalize before CA init", "order", id)
		return serverInternal()
	case err != nil:
		s.log.Error("signing order CSR", "order", id, "err", err)
		return serverInternal()
	}

	if err := s.store.FinalizeOrder(ctx, order.ID, payload.CSR, certPEM); err != nil {
		s.log.Error("finalizing order", "order", id, "err", err)
		return serverInternal()
	}
	ordersFinalized.Inc()

	writeJSON(w, http.StatusOK, map[string]string{
		"status":      store.StatusValid,
		"certificate": order.CertURL,
	})
	return nil
}

func (s *Server) getCert(w http.ResponseWriter, r *http.Request) *Problem {
	ctx := r.Context()
	id, p := urlID(r)
	if p != nil {
		return p
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && order.CertPEM == "") {
		return malformed(http.StatusNotFound, "certificate not ready")
	}
	if err != nil {
		s.log.Error("reading order", "id", id, "err", err)
		return serverInternal()
	}

	// Chain: leaf followed by the intermediate. A missing intermediate
	// (destroyed CA) degrades to the leaf alone.
	chain := strings.TrimSpace(order.CertPEM)
	if intPEM, err := s.engine.FetchIntermediatePEM(ctx); err == nil {
		chain += "\n" + strings.TrimSpace(intPEM)
	}
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, chain+"\n")
	return nil
}
