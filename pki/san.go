package pki

import (
	"crypto/x509"
	"net"
	"strings"

	"github.com/jmcleod/certforge/store"
)

// ClassifySAN types a free-text name by shape, with deterministic
// precedence: parseable IP first, then anything containing "@" as email,
// everything else as DNS. No other type hint is available from free-text
// input, so the classifier is authoritative.
func ClassifySAN(s string) store.SAN {
	s = strings.TrimSpace(s)
	if net.ParseIP(s) != nil {
		return store.SAN{Type: "ip", Value: s}
	}
	if strings.Contains(s, "@") {
		return store.SAN{Type: "email", Value: s}
	}
	return store.SAN{Type: "dns", Value: s}
}

// appendSAN adds a SAN unless an identical one is already present.
func appendSAN(sans []store.SAN, san store.SAN) []store.SAN {
	for _, existing := range sans {
		if existing == san {
			return sans
		}
	}
	return append(sans, san)
}

// sansFromCSR collects the typed names embedded in a CSR's
// extension-request.
func sansFromCSR(csr *x509.CertificateRequest) []store.SAN {
	var sans []store.SAN
	for _, d := range csr.DNSNames {
		sans = appendSAN(sans, store.SAN{Type: "dns", Value: d})
	}
	for _, e := range csr.EmailAddresses {
		sans = appendSAN(sans, store.SAN{Type: "email", Value: e})
	}
	for _, ip := range csr.IPAddresses {
		sans = appendSAN(sans, store.SAN{Type: "ip", Value: ip.String()})
	}
	return sans
}

// sansFromCert collects the typed names of an issued certificate, used
// to carry SANs over unchanged on renewal.
func sansFromCert(cert *x509.Certificate) []store.SAN {
	var sans []store.SAN
	for _, d := range cert.DNSNames {
		sans = appendSAN(sans, store.SAN{Type: "dns", Value: d})
	}
	for _, e := range cert.EmailAddresses {
		sans = appendSAN(sans, store.SAN{Type: "email", Value: e})
	}
	for _, ip := range cert.IPAddresses {
		sans = appendSAN(sans, store.SAN{Type: "ip", Value: ip.String()})
	}
	return sans
}

// applySANs fans typed SANs out into the x509 template fields.
func applySANs(tmpl *x509.Certificate, sans []store.SAN) {
	for _, san := range sans {
		switch san.Type {
		case "ip":
			if ip := net.ParseIP(san.Value); ip != nil {
				tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			}
		case "email":
			tmpl.EmailAddresses = append(tmpl.EmailAddresses, san.Value)
		default:
			tmpl.DNSNames = append(tmpl.DNSNames, san.Value)
		}
	}
}
