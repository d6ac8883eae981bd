package collector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"attribution/delivery"
	"attribution/metrics"

	"github.com/golang-jwt/jwt/v5"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type contextKey string

const (
	projectKey contextKey = "project"
	adminKey   contextKey = "admin"

	tokenIssuer = "attribution-collector"
)

// ProjectFrom returns the project authenticated by RequireProject.
func ProjectFrom(ctx context.Context) (*Project, bool) {
	p, ok := ctx.Value(projectKey).(*Project)
	return p, ok
}

// AdminFrom returns the subject of the admin bearer token.
func AdminFrom(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(adminKey).(string)
	return sub, ok
}

// RequireProject authenticates the SDK token headers against the registry.
func RequireProject(reg *Registry, m *metrics.Collector, log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := reg.Authenticate(r.Header.Get(delivery.HeaderTokenID), r.Header.Get(delivery.HeaderTokenSecret))
		if err != nil {
			log.Info("collector: rejected token",
				zap.String("path", r.URL.Path),
				zap.String("token_id", r.Header.Get(delivery.HeaderTokenID)),
				zap.String("client_ip", extractClientIP(r)),
			)
			m.Rejected("unauthorized")
			writeError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), projectKey, p)))
	})
}

// AdminAuth verifies HS256 bearer tokens for the admin API. Verified tokens
// are cached until they expire.
type AdminAuth struct {
	secret []byte
	tokens *cache.Cache
	log    *zap.Logger
	now    func() time.Time
}

func NewAdminAuth(secret string, log *zap.Logger) *AdminAuth {
	if log == nil {
		log = zap.NewNop()
	}
	return &AdminAuth{
		secret: []byte(secret),
		tokens: cache.New(time.Hour, 10*time.Minute),
		log:    log,
		now:    time.Now,
	}
}

// Issue signs a token for subject valid for ttl.
func (a *AdminAuth) Issue(subject string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", errors.New("admin secret is not configured")
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign admin token: %w", err)
	}
	return signed, nil
}

func (a *AdminAuth) verify(tokenStr string) (*jwt.RegisteredClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Middleware rejects requests without a valid admin bearer token: 401 when
// the header is missing, 403 when the token does not verify.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if !strings.HasPrefix(header, "Bearer ") || tokenStr == "" {
			writeError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}

		if cached, found := a.tokens.Get(tokenStr); found {
			if sub, ok := cached.(string); ok {
				next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, sub)))
				return
			}
		}

		if len(a.secret) == 0 {
			writeError(w, http.StatusForbidden, "admin API is disabled")
			return
		}
		claims, err := a.verify(tokenStr)
		if err != nil {
			a.log.Info("collector: admin token rejected", zap.Error(err))
			writeError(w, http.StatusForbidden, "unauthorized: "+err.Error())
			return
		}
		if ttl := claims.ExpiresAt.Sub(a.now()); ttl > 0 {
			a.tokens.Set(tokenStr, claims.Subject, ttl)
		}
		a.log.Debug("collector: admin authenticated", zap.String("subject", claims.Subject))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminKey, claims.Subject)))
	})
}
