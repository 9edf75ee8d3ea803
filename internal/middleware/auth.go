package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/secure-relay/internal/config"
	"github.com/secure-relay/internal/identity"
	"github.com/secure-relay/internal/models"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	IdentityKey contextKey = "identity"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the subset of the access token the relay relies on
type Claims struct {
	UserID string
	Email  string
}

// ParseToken validates an HS256 access token and extracts its subject and
// email claims. The email is normalized.
func ParseToken(cfg *config.JWTConfig, tokenString string) (Claims, error) {
	if tokenString == "" {
		return Claims{}, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return []byte(cfg.AccessTokenSecret), nil
	}, opts...)
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, _ := mc["sub"].(string)
	email, _ := mc["email"].(string)
	if sub == "" && email == "" {
		return Claims{}, ErrInvalidToken
	}
	return Claims{UserID: sub, Email: identity.Normalize(email)}, nil
}

// AuthMiddleware requires a Bearer access token on every request
func AuthMiddleware(cfg *config.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				sendError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			scheme, tokenString, ok := strings.Cut(header, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") {
				sendError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			claims, err := ParseToken(cfg, tokenString)
			if err != nil {
				sendError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, claims.UserID)
			ctx = context.WithValue(ctx, IdentityKey, claims.Email)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the authenticated user id, or "" if none
func GetUserID(ctx context.Context) string {
	userID, _ := ctx.Value(UserIDKey).(string)
	return userID
}

// GetIdentity returns the authenticated, normalized email, or "" if none
func GetIdentity(ctx context.Context) string {
	email, _ := ctx.Value(IdentityKey).(string)
	return email
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}
