package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// AuthConfig holds authentication settings for the control plane.
type AuthConfig struct {
	APIKeys     []string      `yaml:"api_keys"`
	JWTSecret   string        `yaml:"jwt_secret"`
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	RequireAuth bool          `yaml:"require_auth"`
}

// AuthInfo carries the identity attached to an authenticated request.
type AuthInfo struct {
	UserID   string            `json:"user_id"`
	AuthType string            `json:"auth_type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JWTClaims are the claims carried by tokens this service issues.
type JWTClaims struct {
	UserID   string            `json:"user_id"`
	Metadata map[string]string `json:"metadata,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const (
	authInfoKey contextKey = "auth_info"
	clientIPKey contextKey = "client_ip"
)

// Authenticator validates API keys and JWTs for incoming requests.
// API keys are compared in constant time.
type Authenticator struct {
	config *AuthConfig
	logger *logrus.Logger
}

// NewAuthenticator creates an authenticator. A zero JWT expiry defaults
// to 24 hours.
func NewAuthenticator(config *AuthConfig, logger *logrus.Logger) *Authenticator {
	if config.JWTExpiry == 0 {
		config.JWTExpiry = 24 * time.Hour
	}
	return &Authenticator{config: config, logger: logger}
}

// Authenticate accepts either a configured API key or a valid JWT.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*AuthInfo, error) {
	if info, err := a.ValidateAPIKey(ctx, token); err == nil {
		return info, nil
	}
	if claims, err := a.ValidateJWT(token); err == nil {
		return &AuthInfo{
			UserID:   claims.UserID,
			AuthType: "jwt",
			Metadata: claims.Metadata,
		}, nil
	}
	return nil, errors.New("invalid authentication token")
}

// ValidateAPIKey checks a key against the configured set in constant
// time per key.
func (a *Authenticator) ValidateAPIKey(ctx context.Context, apiKey string) (*AuthInfo, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	for _, validKey := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(validKey)) == 1 {
			return &AuthInfo{
				UserID:   keyUserID(apiKey),
				AuthType: "api_key",
			}, nil
		}
	}

	a.logger.WithFields(logrus.Fields{
		"api_key_prefix": maskAPIKey(apiKey),
		"remote_ip":      clientIPFromContext(ctx),
	}).Warn("Invalid API key attempted")

	return nil, errors.New("invalid API key")
}

// GenerateJWT issues an HS256 token for a user.
func (a *Authenticator) GenerateJWT(userID string, metadata map[string]string) (string, error) {
	if a.config.JWTSecret == "" {
		return "", errors.New("JWT secret is not configured")
	}

	now := time.Now()
	claims := &JWTClaims{
		UserID:   userID,
		Metadata: metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lodestar",
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.config.JWTExpiry)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.config.JWTSecret))
}

// ValidateJWT parses and verifies a token, rejecting any signing method
// other than HMAC.
func (a *Authenticator) ValidateJWT(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.config.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid JWT token")
}

// Middleware enforces authentication on every route except health
// probes. With RequireAuth disabled it only annotates the context.
func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/v1/health") || !a.config.RequireAuth {
				next.ServeHTTP(w, r)
				return
			}

			token := extractToken(r)
			if token == "" {
				a.writeUnauthorized(w, "Missing authentication token")
				return
			}

			ctx := context.WithValue(r.Context(), clientIPKey, clientIP(r))
			info, err := a.Authenticate(ctx, token)
			if err != nil {
				a.logger.WithFields(logrus.Fields{
					"path":      r.URL.Path,
					"method":    r.Method,
					"remote_ip": clientIP(r),
				}).WithError(err).Warn("Authentication failed")

				a.writeUnauthorized(w, "Invalid authentication token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, authInfoKey, info)))
		})
	}
}

// GetAuthInfo extracts the authenticated identity from a request
// context, if the auth middleware attached one.
func GetAuthInfo(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey).(*AuthInfo)
	return info, ok
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func keyUserID(apiKey string) string {
	if len(apiKey) >= 8 {
		return "key_" + apiKey[:8]
	}
	return "key_" + apiKey
}

func maskAPIKey(apiKey string) string {
	if len(apiKey) <= 8 {
		return "****"
	}
	return apiKey[:4] + "****" + apiKey[len(apiKey)-4:]
}

func clientIPFromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(clientIPKey).(string); ok {
		return ip
	}
	return "unknown"
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i != -1 {
		ip = ip[:i]
	}
	return ip
}

func (a *Authenticator) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"authentication_error","code":401}}`, message)
}
