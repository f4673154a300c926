// Package pki is the certforge Certificate Authority engine. It owns the
// two-tier key hierarchy (self-signed root, root-signed intermediate),
// signs CSRs into leaf certificates, renews and revokes leaves, and
// produces CRLs. All private-key material is read from and written to the
// encrypted keystore; leaves and CRLs are only ever signed with the
// intermediate key, never the root.
package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"database/sql"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmcleod/certforge/store"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	// ErrNotInitialized is returned when an operation requires CA key
	// material that has not been created yet.
	ErrNotInitialized = errors.New("CA is not initialized")

	// ErrAlreadyInitialized is returned when Init is called while root
	// and intermediate material already exist.
	ErrAlreadyInitialized = errors.New("CA is already initialized")

	// ErrInvalidPEM is returned when PEM input cannot be decoded.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidCSR is returned when a CSR's self-signature does not
	// verify.
	ErrInvalidCSR = errors.New("invalid CSR signature")

	// ErrKeyMismatch is returned when the key-ownership proof fails:
	// the supplied private key does not match the certificate.
	ErrKeyMismatch = errors.New("private key does not match certificate")

	// ErrCertRevoked is returned when renewing a certificate that has a
	// revocation record.
	ErrCertRevoked = errors.New("certificate is revoked")
)

// Keystore names for the CA hierarchy.
const (
	keyRootKey  = "root_key"
	keyRootCert = "root_cert"
	keyIntKey   = "intermediate_key"
	keyIntCert  = "intermediate_cert"
)

// Fixed serials for the hierarchy itself; leaves come from the counter.
var (
	rootSerial = big.NewInt(1)
	intSerial  = big.NewInt(2)
)

// Challenge strings for key-ownership proofs.
const (
	proveRenewChallenge  = "prove-key"
	proveRevokeChallenge = "prove-revoke"
)

const backdate = 60 * time.Second

// Config holds validity windows, key sizes and the optional public CRL
// distribution point URL.
type Config struct {
	RootDays    int
	IntDays     int
	LeafDays    int
	RootKeyBits int
	IntKeyBits  int
	CRLURL      string
}

func (c Config) withDefaults() Config {
	if c.RootDays <= 0 {
		c.RootDays = 3650
	}
	if c.IntDays <= 0 {
		c.IntDays = 1825
	}
	if c.LeafDays <= 0 {
		c.LeafDays = 90
	}
	if c.RootKeyBits <= 0 {
		c.RootKeyBits = 4096
	}
	if c.IntKeyBits <= 0 {
		c.IntKeyBits = 3072
	}
	return c
}

// Engine performs CA operations against a Store.
type Engine struct {
	store *store.Store
	cfg   Config
}

// New creates an Engine.
func New(st *store.Store, cfg Config) *Engine {
	return &Engine{store: st, cfg: cfg.withDefaults()}
}

// SignRequest holds the parameters for signing an external CSR.
type SignRequest struct {
	CSRPEM string
	// Subject is the fallback common name when the CSR carries no
	// subject of its own.
	Subject string
	// SANs are additional names merged with those embedded in the CSR,
	// classified as IP, email or DNS by shape.
	SANs []string
	// NotAfterDays defaults to the configured leaf validity.
	NotAfterDays int
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// IsInitialized reports whether all four hierarchy artifacts exist.
func (e *Engine) IsInitialized(ctx context.Context) (bool, error) {
	for _, name := range []string{keyRootKey, keyRootCert, keyIntKey, keyIntCert} {
		if _, err := e.store.GetPEM(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
	}
	return true, nil
}

// Init creates the root and intermediate keypairs and certificates and
// persists all four artifacts atomically. It fails with
// ErrAlreadyInitialized when CA material already exists.
func (e *Engine) Init(ctx context.Context, name string) error {
	ok, err := e.IsInitialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}

	if name == "" {
		name = "Local Root CA"
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, e.cfg.RootKeyBits)
	if err != nil {
		return fmt.Errorf("generating root key: %w", err)
	}
	now := time.Now().UTC()
	rootTmpl := &x509.Certificate{
		SerialNumber:          rootSerial,
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(time.Duration(e.cfg.RootDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	rootTmpl.SubjectKeyId, err = subjectKeyID(rootKey.Public())
	if err != nil {
		return fmt.Errorf("computing root SKI: %w", err)
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, rootKey.Public(), rootKey)
	if err != nil {
		return fmt.Errorf("creating root certificate: %w", err)
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		return fmt.Errorf("parsing root certificate: %w", err)
	}

	intKey, err := rsa.GenerateKey(rand.Reader, e.cfg.IntKeyBits)
	if err != nil {
		return fmt.Errorf("generating intermediate key: %w", err)
	}
	intTmpl := &x509.Certificate{
		SerialNumber:          intSerial,
		Subject:               pkix.Name{CommonName: name + " Intermediate CA"},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(time.Duration(e.cfg.IntDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	intTmpl.SubjectKeyId, err = subjectKeyID(intKey.Public())
	if err != nil {
		return fmt.Errorf("computing intermediate SKI: %w", err)
	}
	if e.cfg.CRLURL != "" {
		intTmpl.CRLDistributionPoints = []string{e.cfg.CRLURL}
	}
	intDER, err := x509.CreateCertificate(rand.Reader, intTmpl, rootCert, intKey.Public(), rootKey)
	if err != nil {
		return fmt.Errorf("creating intermediate certificate: %w", err)
	}

	return e.persistHierarchy(ctx,
		encodeKeyPEM(rootKey), encodeCertPEM(rootDER),
		encodeKeyPEM(intKey), encodeCertPEM(intDER))
}

func (e *Engine) persistHierarchy(ctx context.Context, rootKeyPEM, rootCertPEM, intKeyPEM, intCertPEM string) error {
	err := e.store.Tx(ctx, func(tx *sql.Tx) error {
		if err := e.store.SetPEMTx(ctx, tx, keyRootKey, rootKeyPEM); err != nil {
			return err
		}
		if err := e.store.SetPEMTx(ctx, tx, keyRootCert, rootCertPEM); err != nil {
			return err
		}
		if err := e.store.SetPEMTx(ctx, tx, keyIntKey, intKeyPEM); err != nil {
			return err
		}
		if err := e.store.SetPEMTx(ctx, tx, keyIntCert, intCertPEM); err != nil {
			return err
		}
		// Seed the serial counter in the same transaction so the
		// hierarchy and the counter land together or not at all.
		return e.store.EnsureMetaTx(ctx, tx, "next_serial", "1000")
	})
	if err != nil {
		return fmt.Errorf("persisting CA hierarchy: %w", err)
	}
	return nil
}

// Destroy irreversibly wipes all key material and CA state.
func (e *Engine) Destroy(ctx context.Context) error {
	return e.store.Wipe(ctx)
}

// FetchRootPEM returns the root certificate PEM.
func (e *Engine) FetchRootPEM(ctx context.Context) (string, error) {
	pem, err := e.store.GetPEM(ctx, keyRootCert)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotInitialized
	}
	return pem, err
}

// FetchIntermediatePEM returns the intermediate certificate PEM.
func (e *Engine) FetchIntermediatePEM(ctx context.Context) (string, error) {
	pem, err := e.store.GetPEM(ctx, keyIntCert)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrNotInitialized
	}
	return pem, err
}

// loadIntermediate returns the intermediate certificate and signing key.
func (e *Engine) loadIntermediate(ctx context.Context) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := e.store.GetPEM(ctx, keyIntCert)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotInitialized
	}
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := e.store.GetPEM(ctx, keyIntKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotInitialized
	}
	if err != nil {
		return nil, nil, err
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate certificate: %w", err)
	}
	key, err := parseKeyPEM(keyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("intermediate key: %w", err)
	}
	return cert, key, nil
}

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

// SignCSR signs an external CSR into a leaf certificate. The CSR's
// self-signature must verify (proof of key possession). SANs are the
// union of names embedded in the CSR and any additionally supplied names.
func (e *Engine) SignCSR(ctx context.Context, req SignRequest) (string, error) {
	ok, err := e.IsInitialized(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	caCert, caKey, err := e.loadIntermediate(ctx)
	if err != nil {
		return "", err
	}

	block, _ := pem.Decode([]byte(req.CSRPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return "", fmt.Errorf("%w: expected CERTIFICATE REQUEST block", ErrInvalidPEM)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}

	sans := sansFromCSR(csr)
	for _, s := range req.SANs {
		if s == "" {
			continue
		}
		sans = appendSAN(sans, ClassifySAN(s))
	}

	subject := csr.Subject
	if subject.CommonName == "" && req.Subject != "" {
		subject.CommonName = req.Subject
	}

	days := req.NotAfterDays
	if days <= 0 {
		days = e.cfg.LeafDays
	}

	certPEM, _, err := e.issueLeaf(ctx, leafParams{
		subject:     subject,
		publicKey:   csr.PublicKey,
		sans:        sans,
		days:        days,
		caCert:      caCert,
		caKey:       caKey,
		renewedFrom: "",
	})
	return certPEM, err
}

// Renew re-issues a leaf with the same public key, subject and SANs as
// the old certificate. The caller proves ownership of the old private
// key; renewal of a revoked certificate is refused.
func (e *Engine) Renew(ctx context.Context, oldCertPEM, oldKeyPEM string) (string, error) {
	ok, err := e.IsInitialized(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNotInitialized
	}
	caCert, caKey, err := e.loadIntermediate(ctx)
	if err != nil {
		return "", err
	}

	oldCert, err := parseCertPEM(oldCertPEM)
	if err != nil {
		return "", err
	}
	if err := proveKeyOwnership(oldKeyPEM, oldCert.PublicKey, proveRenewChallenge); err != nil {
		return "", err
	}

	oldSerial := serialHex(oldCert.SerialNumber)
	revoked, err := e.store.IsRevoked(ctx, oldSerial)
	if err != nil {
		return "", err
	}
	if revoked {
		return "", ErrCertRevoked
	}

	certPEM, _, err := e.issueLeaf(ctx, leafParams{
		subject:     oldCert.Subject,
		publicKey:   oldCert.PublicKey,
		sans:        sansFromCert(oldCert),
		days:        e.cfg.LeafDays,
		caCert:      caCert,
		caKey:       caKey,
		renewedFrom: oldSerial,
	})
	return certPEM, err
}

type leafParams struct {
	subject     pkix.Name
	publicKey   any
	sans        []store.SAN
	days        int
	caCert      *x509.Certificate
	caKey       crypto.Signer
	renewedFrom string
}

func (e *Engine) issueLeaf(ctx context.Context, p leafParams) (string, string, error) {
	hex, err := e.store.AllocateSerialHex(ctx)
	if err != nil {
		return "", "", err
	}
	serial, ok := new(big.Int).SetString(hex, 16)
	if !ok {
		return "", "", fmt.Errorf("corrupt serial %q", hex)
	}

	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               p.subject,
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(time.Duration(p.days) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageKeyAgreement | x509.KeyUsageContentCommitment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection},
		BasicConstraintsValid: true,
		IsCA:                  false,
	}
	applySANs(tmpl, p.sans)
	if tmpl.SubjectKeyId, err = subjectKeyID(p.publicKey); err != nil {
		return "", "", fmt.Errorf("computing leaf SKI: %w", err)
	}
	if e.cfg.CRLURL != "" {
		tmpl.CRLDistributionPoints = []string{e.cfg.CRLURL}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.caCert, p.publicKey, p.caKey)
	if err != nil {
		return "", "", fmt.Errorf("signing leaf certificate: %w", err)
	}

	err = e.store.Tx(ctx, func(tx *sql.Tx) error {
		return e.store.InsertCertTx(ctx, tx, store.CertRecord{
			SerialHex:   hex,
			SubjectCN:   p.subject.CommonName,
			Subject:     subjectString(p.subject),
			SANs:        p.sans,
			NotBefore:   tmpl.NotBefore,
			NotAfter:    tmpl.NotAfter,
			RenewedFrom: p.renewedFrom,
		})
	})
	if err != nil {
		return "", "", err
	}
	return encodeCertPEM(der), hex, nil
}

// ---------------------------------------------------------------------------
// Revocation
// ---------------------------------------------------------------------------

// Revoke records a revocation after verifying that the caller holds the
// certificate's private key.
func (e *Engine) Revoke(ctx context.Context, certPEM, keyPEM, reason string) error {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return err
	}
	if err := proveKeyOwnership(keyPEM, cert.PublicKey, proveRevokeChallenge); err != nil {
		return err
	}
	return e.store.UpsertRevocation(ctx, serialHex(cert.SerialNumber), reason, time.Now().UTC())
}

// RevokeBySerial records a revocation on the caller's authority alone;
// the surrounding auth layer is responsible for gating it.
func (e *Engine) RevokeBySerial(ctx context.Context, serial, reason string) error {
	serial = strings.TrimSpace(strings.ToLower(serial))
	if serial == "" {
		return fmt.Errorf("%w: missing serial", ErrInvalidPEM)
	}
	return e.store.UpsertRevocation(ctx, serial, reason, time.Now().UTC())
}

// GenerateCRL builds a CRL over every revocation record, signed by the
// intermediate, valid for seven days.
func (e *Engine) GenerateCRL(ctx context.Context) ([]byte, error) {
	ok, err := e.IsInitialized(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	caCert, caKey, err := e.loadIntermediate(ctx)
	if err != nil {
		return nil, err
	}

	revocs, err := e.store.ListRevocations(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]x509.RevocationListEntry, 0, len(revocs))
	for _, r := range revocs {
		serial, ok := new(big.Int).SetString(r.SerialHex, 16)
		if !ok {
			continue
		}
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: r.RevokedAt,
			ReasonCode:     ReasonCode(r.Reason),
		})
	}

	number, err := e.store.NextCRLNumber(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                now,
		NextUpdate:                now.Add(7 * 24 * time.Hour),
		RevokedCertificateEntries: entries,
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("creating CRL: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der}), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ReasonCode maps a free-text revocation reason to an RFC 5280 CRL
// reason code. The text stays a description; unrecognized text encodes
// as 0 (unspecified).
func ReasonCode(reason string) int {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case "keycompromise", "key compromise":
		return 1
	case "cacompromise", "ca compromise":
		return 2
	case "affiliationchanged", "affiliation changed":
		return 3
	case "superseded":
		return 4
	case "cessationofoperation", "cessation of operation":
		return 5
	case "certificatehold", "certificate hold":
		return 6
	default:
		return 0
	}
}

// serialHex renders a serial as the unsigned lower-case hex string used
// as the primary key of cert and revocation records.
func serialHex(n *big.Int) string {
	return n.Text(16)
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func encodeKeyPEM(key *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func parseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// parseKeyPEM decodes an RSA (PKCS#1 or PKCS#8) or EC private key.
func parseKeyPEM(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, ErrInvalidPEM
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: unsupported private key", ErrInvalidPEM)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: key type cannot sign", ErrInvalidPEM)
	}
	return signer, nil
}

// proveKeyOwnership signs a fixed challenge with the supplied key and
// verifies the signature against the certificate's public key. Any
// mismatch, including a key-type mismatch, is ErrKeyMismatch rather than
// an internal error.
func proveKeyOwnership(keyPEM string, certPub crypto.PublicKey, challenge string) error {
	signer, err := parseKeyPEM(keyPEM)
	if err != nil {
		return err
	}
	digest := sha256.Sum256([]byte(challenge))

	switch pub := certPub.(type) {
	case *rsa.PublicKey:
		priv, ok := signer.(*rsa.PrivateKey)
		if !ok {
			return ErrKeyMismatch
		}
		sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
		if err != nil {
			return ErrKeyMismatch
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
			return ErrKeyMismatch
		}
	case *ecdsa.PublicKey:
		priv, ok := signer.(*ecdsa.PrivateKey)
		if !ok {
			return ErrKeyMismatch
		}
		sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
		if err != nil {
			return ErrKeyMismatch
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrKeyMismatch
		}
	default:
		return ErrKeyMismatch
	}
	return nil
}

// subjectKeyID computes the SKI as the SHA-1 of the SPKI
// subjectPublicKey bit string (RFC 5280 method 1).
func subjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(spki, &decoded); err != nil {
		return nil, err
	}
	sum := sha1.Sum(decoded.PublicKey.RightAlign())
	return sum[:], nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, p := range name.Province {
		parts = append(parts, "ST="+p)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}
