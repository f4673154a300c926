package api_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/certforge/api"
	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

func newTestAPI(t *testing.T, opts ...api.Option) *httptest.Server {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	engine := pki.New(st, pki.Config{RootKeyBits: 2048, IntKeyBits: 2048})

	r := chi.NewRouter()
	r.Mount("/api/v1", api.New(st, engine, opts...).Router())
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string, headers ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func newCSR(t *testing.T, cn string) (csrPEM, keyPEM string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: cn},
		DNSNames: []string{cn},
	}, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	csrPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return csrPEM, keyPEM
}

func TestLifecycleDisabled(t *testing.T) {
	ts := newTestAPI(t)

	resp := postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAdminToken(t *testing.T) {
	ts := newTestAPI(t, api.WithLifecycle(true), api.WithAdminToken("sekrit-token"))

	resp := postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`,
		"Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`,
		"Authorization", "Bearer sekrit-token")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// PEM downloads stay public.
	get, err := http.Get(ts.URL + "/api/v1/ca/roots.pem")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestCALifecycle(t *testing.T) {
	ts := newTestAPI(t, api.WithLifecycle(true))

	// Nothing to download before init.
	resp, err := http.Get(ts.URL + "/api/v1/ca/roots.pem")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Second init conflicts.
	resp = postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	for _, path := range []string{"/api/v1/ca/roots.pem", "/api/v1/ca/intermediates.pem", "/api/v1/ca/crl.pem"} {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"), path)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), "-----BEGIN", path)
		resp.Body.Close()
	}

	resp = postJSON(t, ts.URL+"/api/v1/ca/destroy", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/api/v1/ca/roots.pem")
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestSignRenewRevoke(t *testing.T) {
	ts := newTestAPI(t, api.WithLifecycle(true))
	resp := postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	csrPEM, keyPEM := newCSR(t, "web.example.test")
	body, err := json.Marshal(map[string]any{
		"csr_pem": csrPEM,
		"sans":    []string{"alt.example.test"},
	})
	require.NoError(t, err)

	resp = postJSON(t, ts.URL+"/api/v1/certs/sign", string(body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var signed struct {
		CertificatePEM string `json:"certificate_pem"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&signed))
	resp.Body.Close()
	require.Contains(t, signed.CertificatePEM, "BEGIN CERTIFICATE")

	// Renewal with the matching key.
	body, err = json.Marshal(map[string]string{"cert_pem": signed.CertificatePEM, "key_pem": keyPEM})
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/api/v1/certs/renew", string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Renewal with somebody else's key is refused.
	_, otherKey := newCSR(t, "other.example.test")
	body, err = json.Marshal(map[string]string{"cert_pem": signed.CertificatePEM, "key_pem": otherKey})
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/api/v1/certs/renew", string(body))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Revoke, then renewal conflicts.
	body, err = json.Marshal(map[string]string{
		"cert_pem": signed.CertificatePEM, "key_pem": keyPEM, "reason": "keyCompromise",
	})
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/api/v1/certs/revoke", string(body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	body, err = json.Marshal(map[string]string{"cert_pem": signed.CertificatePEM, "key_pem": keyPEM})
	require.NoError(t, err)
	resp = postJSON(t, ts.URL+"/api/v1/certs/renew", string(body))
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// The CRL now carries the revoked serial.
	crlResp, err := http.Get(ts.URL + "/api/v1/ca/crl.pem")
	require.NoError(t, err)
	crlPEM, err := io.ReadAll(crlResp.Body)
	require.NoError(t, err)
	crlResp.Body.Close()
	block, _ := pem.Decode(crlPEM)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
}

func TestRevokeBySerial(t *testing.T) {
	ts := newTestAPI(t, api.WithLifecycle(true))
	resp := postJSON(t, ts.URL+"/api/v1/ca/init", `{"name":"Test CA"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/api/v1/certs/revoke", `{"serial":"3e8","reason":"superseded"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Neither a proof nor a serial is a bad request.
	resp = postJSON(t, ts.URL+"/api/v1/certs/revoke", `{"reason":"superseded"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestSignRequiresCSR(t *testing.T) {
	ts := newTestAPI(t, api.WithLifecycle(true))
	resp := postJSON(t, ts.URL+"/api/v1/certs/sign", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOpenAPIServed(t *testing.T) {
	ts := newTestAPI(t)
	resp, err := http.Get(ts.URL + "/api/v1/openapi.yaml")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "certforge Admin API")
}
