package auth

import (
	"net/http"
	"strings"
)

const (
	// HandshakeAuthHeader carries the explicit handshake credential for socket clients.
	HandshakeAuthHeader = "X-Auth-Token"
	// QueryTokenParam is the query parameter consulted when no cookie or handshake field is set.
	QueryTokenParam = "token"

	bearerPrefix = "Bearer "
)

// CredentialSource names where a credential was found.
type CredentialSource string

const (
	CredentialSourceNone      CredentialSource = ""
	CredentialSourceCookie    CredentialSource = "cookie"
	CredentialSourceHandshake CredentialSource = "handshake"
	CredentialSourceQuery     CredentialSource = "query"
	CredentialSourceBearer    CredentialSource = "bearer"
)

// ExtractCredential returns the first credential present on the request, in
// priority order cookie, handshake field, query parameter, bearer header.
func ExtractCredential(r *http.Request, cookieName string) (string, CredentialSource) {
	if r == nil {
		return "", CredentialSourceNone
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie != nil {
			if value := strings.TrimSpace(cookie.Value); value != "" {
				return value, CredentialSourceCookie
			}
		}
	}
	if value := strings.TrimSpace(r.Header.Get(HandshakeAuthHeader)); value != "" {
		return value, CredentialSourceHandshake
	}
	if value := strings.TrimSpace(r.URL.Query().Get(QueryTokenParam)); value != "" {
		return value, CredentialSourceQuery
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, bearerPrefix) {
		if value := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)); value != "" {
			return value, CredentialSourceBearer
		}
	}
	return "", CredentialSourceNone
}
