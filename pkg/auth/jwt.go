package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/gdbrns/go-whatsapp-session-manager/pkg/env"
	"github.com/gdbrns/go-whatsapp-session-manager/pkg/router"
)

// JWTSecretKey signs profile tokens. Startup refuses to serve without it;
// token operations return an explicit error when it is missing.
var JWTSecretKey = env.GetEnvStringOrDefault("JWT_SECRET_KEY", "")

// ProfileTokenClaims represents the claims in a profile JWT
type ProfileTokenClaims struct {
	ProfileID string `json:"profile_id"`
	jwt.RegisteredClaims
}

// GenerateProfileToken creates a long-lived JWT bound to a profile id.
func GenerateProfileToken(profileID string) (string, error) {
	if JWTSecretKey == "" {
		return "", errors.New("JWT_SECRET_KEY not configured")
	}

	claims := ProfileTokenClaims{
		ProfileID: profileID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   profileID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(JWTSecretKey))
}

// ValidateProfileToken validates a profile JWT and returns the claims
func ValidateProfileToken(tokenString string) (*ProfileTokenClaims, error) {
	if JWTSecretKey == "" {
		return nil, errors.New("JWT_SECRET_KEY not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &ProfileTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(JWTSecretKey), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*ProfileTokenClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// ProfileAuth validates the Bearer token and stores the profile id in the
// request context for handlers.
func ProfileAuth() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if header == "" {
			return router.ResponseUnauthorized(c, "Authorization header is required")
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return router.ResponseUnauthorized(c, "Authorization header must be a Bearer token")
		}

		claims, err := ValidateProfileToken(strings.TrimSpace(parts[1]))
		if err != nil {
			return router.ResponseUnauthorized(c, "Invalid or expired token")
		}
		if claims.ProfileID == "" {
			return router.ResponseUnauthorized(c, "Token carries no profile id")
		}

		c.Locals("profile_id", claims.ProfileID)
		return c.Next()
	}
}
