// Package authmw guards the triage API with static API tokens.
package authmw

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/linnemanlabs/go-core/xerrors"
)

// HeaderAPIToken is accepted as an alternative to an Authorization bearer token.
const HeaderAPIToken = "X-Underwrite-Token"

// Tokens returns middleware that admits requests carrying any of the given
// tokens, either as "Authorization: Bearer <token>" or in HeaderAPIToken.
// Tokens are compared as SHA-256 digests in constant time.
func Tokens(tokens ...string) func(http.Handler) http.Handler {
	digests := make([][sha256.Size]byte, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			digests = append(digests, sha256.Sum256([]byte(t)))
		}
	}
	if len(digests) == 0 {
		panic(xerrors.New("authmw: at least one non-empty token is required"))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := presented(r)
			if !ok {
				unauthorized(w, "missing or malformed credentials")
				return
			}

			sum := sha256.Sum256([]byte(got))
			match := 0
			for i := range digests {
				match |= subtle.ConstantTimeCompare(sum[:], digests[i][:])
			}
			if match != 1 {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func presented(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderAPIToken); v != "" {
		return v, true
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok && rest != "" {
		return rest, true
	}
	return "", false
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="underwrite"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
