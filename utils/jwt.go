package utils

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tnqbao/gau-deploy-orchestrator/config"
)

const userIDKey = "user_id"

var ErrInvalidUserClaim = errors.New("token carries no valid user_id")

// BearerToken reads the access token from the Authorization header, falling
// back to the access_token cookie set by the web console
func BearerToken(c *gin.Context) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(c.GetHeader("Authorization")), " ")
	if ok && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(token)
	}
	if token, err := c.Cookie("access_token"); err == nil {
		return token
	}
	return ""
}

// signingMethod resolves JWT_ALGORITHM; only HMAC methods are accepted
func signingMethod(cfg *config.EnvConfig) (jwt.SigningMethod, error) {
	switch strings.ToUpper(cfg.JWT.Algorithm) {
	case "", "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	}
	return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.JWT.Algorithm)
}

// ParseAccessToken verifies the token and returns the user it was issued to.
// Tokens signed with any other algorithm, or without an expiry, are rejected.
func ParseAccessToken(tokenString string, cfg *config.EnvConfig) (uuid.UUID, error) {
	method, err := signingMethod(cfg)
	if err != nil {
		return uuid.Nil, err
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cfg.JWT.SecretKey), nil
	}, jwt.WithValidMethods([]string{method.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, err
	}

	raw, ok := claims[userIDKey].(string)
	if !ok {
		return uuid.Nil, ErrInvalidUserClaim
	}
	userID, err := uuid.Parse(raw)
	if err != nil || userID == uuid.Nil {
		return uuid.Nil, ErrInvalidUserClaim
	}
	return userID, nil
}

// GenerateToken signs an access token for userID. A zero expiresAt uses the
// configured JWT_EXPIRE lifetime. Used by tooling and tests; tokens are
// normally issued by the identity service.
func GenerateToken(userID uuid.UUID, cfg *config.EnvConfig, expiresAt int64) (string, error) {
	method, err := signingMethod(cfg)
	if err != nil {
		return "", err
	}
	if expiresAt == 0 {
		expiresAt = time.Now().Add(time.Duration(cfg.JWT.Expire) * time.Second).Unix()
	}
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		userIDKey: userID.String(),
		"exp":     expiresAt,
	})
	return token.SignedString([]byte(cfg.JWT.SecretKey))
}

func SetUserID(c *gin.Context, userID uuid.UUID) {
	c.Set(userIDKey, userID)
}

// GetUserIDFromContext returns the user the auth middleware attached
func GetUserIDFromContext(c *gin.Context) (uuid.UUID, error) {
	v, exists := c.Get(userIDKey)
	if !exists {
		return uuid.Nil, errors.New("user_id is missing from context")
	}
	userID, ok := v.(uuid.UUID)
	if !ok || userID == uuid.Nil {
		return uuid.Nil, errors.New("invalid user_id in context")
	}
	return userID, nil
}
