// Package auth guards the dashboard control surface. The platform has a
// single operator identity configured at deploy time; there is no user
// store, registration or role model, just a bcrypt-checked login that
// issues short-lived HS256 tokens.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"mt5-trading-server/config"
)

const (
	issuer = "mt5-trading-server"

	// ContextKeyOperator holds the authenticated operator name in gin
	ContextKeyOperator = "operator"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Claims is the token body for an operator session.
type Claims struct {
	Operator string `json:"operator"`
	jwt.RegisteredClaims
}

// Manager issues and validates operator tokens.
type Manager struct {
	secret        []byte
	tokenDuration time.Duration
	operatorUser  string
	passwordHash  string
}

// NewManager creates an auth manager from the operator config.
func NewManager(cfg config.AuthConfig) *Manager {
	duration := cfg.TokenDuration
	if duration <= 0 {
		duration = 12 * time.Hour
	}
	return &Manager{
		secret:        []byte(cfg.JWTSecret),
		tokenDuration: duration,
		operatorUser:  cfg.OperatorUser,
		passwordHash:  cfg.OperatorPasswordHash,
	}
}

// CheckCredentials verifies the operator login against the configured
// bcrypt hash. An empty configured hash disables login entirely.
func (m *Manager) CheckCredentials(user, password string) error {
	if m.passwordHash == "" {
		return ErrInvalidCredentials
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(m.operatorUser)) == 1
	passErr := bcrypt.CompareHashAndPassword([]byte(m.passwordHash), []byte(password))
	if !userOK || passErr != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// GenerateToken issues a signed session token for the operator.
func (m *Manager) GenerateToken() (token string, expiresIn int64, err error) {
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Operator: m.operatorUser,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   m.operatorUser,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			Issuer:    issuer,
		},
	})
	signed, err := t.SignedString(m.secret)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, int64(m.tokenDuration.Seconds()), nil
}

// ValidateToken checks a session token and returns the operator name.
func (m *Manager) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.Operator, nil
}

// Middleware rejects requests without a valid Bearer token.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		operator, err := m.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyOperator, operator)
		c.Next()
	}
}

// HashPassword produces a bcrypt hash for seeding the operator config.
// Exposed for the CLI helper; the server itself only verifies.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(bytes), nil
}
