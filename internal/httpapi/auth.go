package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/config"
	"github.com/Kocoro-lab/Shannon/go/research/internal/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carried by API tokens.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// Authenticator validates HS256 bearer tokens and attaches the subject as
// the admission principal.
type Authenticator struct {
	signingKey []byte
	issuer     string
}

// NewAuthenticator returns nil when auth is disabled.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	if !cfg.Enabled {
		return nil
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = "shannon-research"
	}
	return &Authenticator{signingKey: []byte(cfg.JWTSecret), issuer: issuer}
}

// Issue mints a token for subject; used by the CLI and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration, scopes ...string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
}

// Validate parses and checks a token.
func (a *Authenticator) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.signingKey, nil
	}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// Middleware rejects requests without a valid token. Stream endpoints also
// accept ?access_token= because EventSource cannot send headers.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		} else if strings.HasSuffix(r.URL.Path, "/events") || strings.HasSuffix(r.URL.Path, "/ws") {
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.Validate(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(policy.WithPrincipal(r.Context(), claims.Subject)))
	})
}
