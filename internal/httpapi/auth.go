package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/kiwix/zimfarm-go/cmn"
)

type ctxKey int

const ctxKeyUsername ctxKey = iota

// Authenticator validates the bearer token on every request and injects
// the authenticated username into the request context.
type Authenticator interface {
	Middleware(next http.HandlerFunc) http.HandlerFunc
}

// JWTAuthenticator validates RS256-signed bearer tokens minted by an
// externally-owned token issuer.
type JWTAuthenticator struct {
	PublicKey interface{}
}

func NewJWTAuthenticator(publicKey interface{}) *JWTAuthenticator {
	return &JWTAuthenticator{PublicKey: publicKey}
}

func (a *JWTAuthenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, cmn.NewUnauthorizedError("missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			return a.PublicKey, nil
		})
		if err != nil {
			writeError(w, cmn.NewUnauthorizedError("invalid bearer token"))
			return
		}
		username, _ := claims["username"].(string)
		if username == "" {
			writeError(w, cmn.NewUnauthorizedError("token carries no username claim"))
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUsername, username)
		next(w, r.WithContext(ctx))
	}
}

func usernameFrom(r *http.Request) string {
	u, _ := r.Context().Value(ctxKeyUsername).(string)
	return u
}
