package acme

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/jmcleod/certforge/store"
)

// verified is the outcome of JWS verification: the protected header, the
// decoded payload, and either the embedded JWK (newAccount) or the
// account resolved from the kid.
type verified struct {
	header  jose.Header
	payload []byte
	jwk     *jose.JSONWebKey
	account *store.Account
}

// verifyJWS applies the uniform verification procedure to a flattened
// JWS body: consume the protected nonce, resolve the verification key
// from the embedded JWK (allowed only when allowJWK is set) or the kid's
// account, then check the signature. Every failure maps to a typed
// problem; nothing here is an internal error except datastore faults.
func (s *Server) verifyJWS(ctx context.Context, body []byte, allowJWK bool) (*verified, *Problem) {
	jws, err := jose.ParseSigned(string(body))
	if err != nil || len(jws.Signatures) != 1 {
		return nil, malformed(400, "body must be a flattened JWS")
	}
	header := jws.Signatures[0].Protected

	if header.Nonce == "" {
		return nil, badNonce("missing nonce")
	}
	if p := s.nonces.Consume(header.Nonce); p != nil {
		return nil, p
	}

	v := &verified{header: header}
	var key *jose.JSONWebKey
	switch {
	case header.JSONWebKey != nil:
		if !allowJWK {
			return nil, malformed(400, "embedded jwk not allowed on this endpoint")
		}
		key = header.JSONWebKey
		v.jwk = key
	case header.KeyID != "":
		account, err := s.store.GetAccountByKid(ctx, header.KeyID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, unauthorized("unknown account (kid)")
		}
		if err != nil {
			s.log.Error("resolving account", "kid", header.KeyID, "err", err)
			return nil, serverInternal()
		}
		key = new(jose.JSONWebKey)
		if err := json.Unmarshal([]byte(account.JWKJSON), key); err != nil {
			s.log.Error("decoding stored account key", "kid", header.KeyID, "err", err)
			return nil, serverInternal()
		}
		v.account = account
	default:
		return nil, malformed(400, "protected header must include jwk or kid")
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return nil, unauthorized("JWS signature invalid")
	}
	v.payload = payload
	return v, nil
}

// parseJWK decodes a stored JWK JSON document.
func parseJWK(jwkJSON string) (*jose.JSONWebKey, error) {
	key := new(jose.JSONWebKey)
	if err := json.Unmarshal([]byte(jwkJSON), key); err != nil {
		return nil, err
	}
	return key, nil
}

// thumbprint returns the unpadded base64url SHA-256 thumbprint of a JWK.
func thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}
