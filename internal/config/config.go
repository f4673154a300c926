// Package config loads certforge settings from the environment. Every
// field has a working default so a bare `certforge server` starts a
// functional (unencrypted, ACME-disabled) CA on a local SQLite file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings.
type Config struct {
	// DataDir is where the SQLite database lives.
	DataDir string

	// KeystoreSecret encrypts keystore rows when at least 8 characters
	// long. KeystoreSecretOld is accepted for decryption during a
	// rotation window.
	KeystoreSecret    string
	KeystoreSecretOld string

	// CA validity windows and key sizes.
	RootDays    int
	IntDays     int
	LeafDays    int
	RootKeyBits int
	IntKeyBits  int

	// CRLPublicURL, when set, is advertised as a CRL distribution point
	// on the intermediate and on every issued leaf.
	CRLPublicURL string

	// ACMEEnable gates the /acme endpoints.
	ACMEEnable bool

	// ACMEHTTPTimeout bounds the outbound http-01 validation fetch.
	ACMEHTTPTimeout time.Duration

	// LifecycleEnable gates init/destroy/rotate operations.
	LifecycleEnable bool

	// AdminToken, when set, is required as a bearer token on admin
	// endpoints. Empty means the auth gate is bypassed.
	AdminToken string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		DataDir:           envStr("CERTFORGE_DATA_DIR", ".local-ca"),
		KeystoreSecret:    os.Getenv("KEYSTORE_SECRET"),
		KeystoreSecretOld: os.Getenv("KEYSTORE_SECRET_OLD"),
		RootDays:          envInt("CA_ROOT_DAYS", 3650),
		IntDays:           envInt("CA_INT_DAYS", 1825),
		LeafDays:          envInt("CA_LEAF_DAYS", 90),
		RootKeyBits:       envInt("CA_ROOT_KEY_BITS", 4096),
		IntKeyBits:        envInt("CA_INT_KEY_BITS", 3072),
		CRLPublicURL:      strings.TrimSpace(os.Getenv("CRL_PUBLIC_URL")),
		ACMEEnable:        envBool("ACME_ENABLE"),
		ACMEHTTPTimeout:   time.Duration(envInt("ACME_HTTP_VERIFY_TIMEOUT_MS", 5000)) * time.Millisecond,
		LifecycleEnable:   envBool("ENABLE_CA_LIFECYCLE"),
		AdminToken:        os.Getenv("CERTFORGE_ADMIN_TOKEN"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "true")
}
