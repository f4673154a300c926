package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/jmcleod/certforge/pki"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writePEM(w http.ResponseWriter, pem string) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, pem)
}

// ---------------------------------------------------------------------------
// CA lifecycle
// ---------------------------------------------------------------------------

// InitCA creates the root and intermediate hierarchy.
func (a *API) InitCA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.engine.Init(r.Context(), req.Name); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCAInitialized, r, slog.String("name", req.Name))
	writeJSON(w, http.StatusOK, map[string]string{"status": "initialized"})
}

// DestroyCA irreversibly wipes all CA state.
func (a *API) DestroyCA(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.Destroy(r.Context()); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCADestroyed, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}

// RotateKeystore re-encrypts every keystore row under the current secret.
func (a *API) RotateKeystore(w http.ResponseWriter, r *http.Request) {
	res, err := a.store.RotateKeystore(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditKeystoreRotated, r,
		slog.Int("rotated", res.Rotated), slog.Int("total", res.Total))
	writeJSON(w, http.StatusOK, res)
}

// ---------------------------------------------------------------------------
// Public downloads
// ---------------------------------------------------------------------------

// GetRoots serves the root certificate bundle.
func (a *API) GetRoots(w http.ResponseWriter, r *http.Request) {
	pem, err := a.engine.FetchRootPEM(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, pem)
}

// GetIntermediates serves the intermediate certificate bundle.
func (a *API) GetIntermediates(w http.ResponseWriter, r *http.Request) {
	pem, err := a.engine.FetchIntermediatePEM(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	writePEM(w, pem)
}

// GetCRL builds and serves a freshly signed CRL.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	crl, err := a.engine.GenerateCRL(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCRLGenerated, r)
	crlsGenerated.Inc()
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	w.Write(crl)
}

// ---------------------------------------------------------------------------
// Certificates
// ---------------------------------------------------------------------------

type certResponse struct {
	CertificatePEM string `json:"certificate_pem"`
}

// SignCert signs an externally generated CSR into a leaf certificate.
func (a *API) SignCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CSRPEM       string   `json:"csr_pem"`
		Subject      string   `json:"subject"`
		SANs         []string `json:"sans"`
		NotAfterDays int      `json:"not_after_days"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CSRPEM == "" {
		writeError(w, http.StatusBadRequest, "csr_pem is required")
		return
	}
	certPEM, err := a.engine.SignCSR(r.Context(), pki.SignRequest{
		CSRPEM:       req.CSRPEM,
		Subject:      req.Subject,
		SANs:         req.SANs,
		NotAfterDays: req.NotAfterDays,
	})
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCSRSigned, r, slog.String("subject", req.Subject))
	certsIssued.WithLabelValues("sign").Inc()
	writeJSON(w, http.StatusOK, certResponse{CertificatePEM: certPEM})
}

// RenewCert re-issues a leaf for the holder of its private key.
func (a *API) RenewCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertPEM string `json:"cert_pem"`
		KeyPEM  string `json:"key_pem"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.CertPEM == "" || req.KeyPEM == "" {
		writeError(w, http.StatusBadRequest, "cert_pem and key_pem are required")
		return
	}
	certPEM, err := a.engine.Renew(r.Context(), req.CertPEM, req.KeyPEM)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertRenewed, r)
	certsIssued.WithLabelValues("renew").Inc()
	writeJSON(w, http.StatusOK, certResponse{CertificatePEM: certPEM})
}

// RevokeCert records a revocation, either proven by the certificate's
// private key or by serial on admin authority.
func (a *API) RevokeCert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CertPEM string `json:"cert_pem"`
		KeyPEM  string `json:"key_pem"`
		Serial  string `json:"serial"`
		Reason  string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch {
	case req.CertPEM != "" && req.KeyPEM != "":
		err = a.engine.Revoke(r.Context(), req.CertPEM, req.KeyPEM, req.Reason)
	case req.Serial != "":
		err = a.engine.RevokeBySerial(r.Context(), req.Serial, req.Reason)
	default:
		writeError(w, http.StatusBadRequest, "cert_pem+key_pem or serial is required")
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCertRevoked, r,
		slog.String("serial", req.Serial), slog.String("reason", req.Reason))
	certsRevoked.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}
