package acme

import (
	"encoding/json"
	"net/http"
)

// acmeErrorNS is the RFC 8555 error type namespace.
const acmeErrorNS = "urn:ietf:params:acme:error:"

// Problem is an RFC 7807 problem document carrying a typed ACME error.
// Problems are always safe to expose to clients.
type Problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status"`
}

func (p *Problem) Error() string {
	if p.Detail != "" {
		return p.Type + ": " + p.Detail
	}
	return p.Type
}

func problem(typ string, status int, detail string) *Problem {
	return &Problem{Type: acmeErrorNS + typ, Detail: detail, Status: status}
}

func badNonce(detail string) *Problem {
	return problem("badNonce", http.StatusBadRequest, detail)
}

func unauthorized(detail string) *Problem {
	return problem("unauthorized", http.StatusUnauthorized, detail)
}

func malformed(status int, detail string) *Problem {
	return problem("malformed", status, detail)
}

func unsupportedIdentifier(detail string) *Problem {
	return problem("unsupportedIdentifier", http.StatusBadRequest, detail)
}

func orderNotReady(detail string) *Problem {
	return problem("orderNotReady", http.StatusForbidden, detail)
}

func serverInternal() *Problem {
	return problem("serverInternal", http.StatusInternalServerError, "internal error")
}

func writeProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}
