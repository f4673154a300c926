package util

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"
)

// keystoreKDFInfo domain-separates keystore keys from any other HKDF use.
var keystoreKDFInfo = []byte("certforge/keystore/v1")

// Normalize applies NFKD so that visually identical secrets typed on
// different platforms derive the same key.
func Normalize(s string) string {
	return norm.NFKD.String(s)
}

// DeriveKeystoreKey hashes a normalized secret into a 256-bit AES key.
func DeriveKeystoreKey(secret string) ([]byte, error) {
	h := hkdf.New(sha256.New, []byte(Normalize(secret)), nil, keystoreKDFInfo)
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// WipeBytes zeroes b in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
