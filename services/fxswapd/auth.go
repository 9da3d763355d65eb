package fxswapd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyOperator contextKey = "operator"

// AuthConfig describes operator authentication options.
type AuthConfig struct {
	BearerToken string
	JWT         JWTConfig
	// Leeway tolerates clock skew on JWT expiry. Defaults to 30s.
	Leeway time.Duration
	Now    func() time.Time
}

// Authenticator validates incoming operator requests with a static bearer
// token, an HS256 JWT, or either.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte
	issuer      string
	audience    []string
	leeway      time.Duration
	now         func() time.Time
}

// NewAuthenticator constructs an Authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	a := &Authenticator{
		bearerToken: strings.TrimSpace(cfg.BearerToken),
		leeway:      cfg.Leeway,
		now:         cfg.Now,
	}
	if cfg.JWT.Enabled {
		secret := strings.TrimSpace(cfg.JWT.Secret)
		issuer := strings.TrimSpace(cfg.JWT.Issuer)
		if secret == "" || issuer == "" {
			return nil, errors.New("jwt authentication needs an issuer and a secret")
		}
		a.jwtSecret = []byte(secret)
		a.issuer = issuer
		for _, aud := range cfg.JWT.Audience {
			if trimmed := strings.TrimSpace(aud); trimmed != "" {
				a.audience = append(a.audience, trimmed)
			}
		}
	}
	if a.bearerToken == "" && a.jwtSecret == nil {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	if a.leeway <= 0 {
		a.leeway = 30 * time.Second
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Middleware enforces authentication and records the operator identity on the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		operator, ok := a.authenticate(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyOperator, operator)))
	})
}

// OperatorFromContext returns the authenticated operator, "token" for static bearer access.
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(contextKeyOperator).(string)
	return operator
}

func (a *Authenticator) authenticate(r *http.Request) (string, bool) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return "", false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1 {
		return "token", true
	}
	if a.jwtSecret != nil {
		subject, err := a.verifyJWT(token)
		if err == nil {
			return subject, true
		}
	}
	return "", false
}

func (a *Authenticator) verifyJWT(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if len(a.audience) > 0 {
		opts = append(opts, jwt.WithAudience(a.audience[0]))
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

func parseBearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
