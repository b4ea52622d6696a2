package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-autograder/internal/utils"
)

// Locals keys populated by JWTProtected.
const (
	LocalUserID   = "user_id"
	LocalUserRole = "user_role"
)

var errNoSubject = errors.New("token carries no usable subject")

// JWTProtected validates HS256 bearer tokens and stores the caller's id and
// role in the request locals.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{
		jwt.SigningMethodHS256.Alg(),
		jwt.SigningMethodHS384.Alg(),
		jwt.SigningMethodHS512.Alg(),
	}))
	key := []byte(secret)

	return func(c *fiber.Ctx) error {
		raw, err := bearerToken(c)
		if err != nil {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "unauthenticated", err.Error())
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil || !token.Valid {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "unauthenticated", "invalid token")
		}

		userID, err := subjectFromClaims(claims)
		if err != nil {
			return utils.SendErrorCode(c, fiber.StatusUnauthorized, "unauthenticated", "invalid token claims")
		}
		c.Locals(LocalUserID, userID)
		if role := roleFromClaims(claims); role != "" {
			c.Locals(LocalUserRole, role)
		}

		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" {
		// Browsers cannot set headers on websocket upgrades.
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			return token, nil
		}
		return "", errors.New("authorization header missing")
	}

	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", errors.New("invalid authorization header")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func subjectFromClaims(claims jwt.MapClaims) (uint, error) {
	for _, key := range []string{"sub", "user_id", "id"} {
		value, ok := claims[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case float64:
			if v >= 1 {
				return uint(v), nil
			}
		case string:
			if parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64); err == nil && parsed > 0 {
				return uint(parsed), nil
			}
		}
	}
	return 0, errNoSubject
}

func roleFromClaims(claims jwt.MapClaims) string {
	for _, key := range []string{"role", "roles"} {
		switch v := claims[key].(type) {
		case string:
			if role := normalizeRole(v); role != "" {
				return role
			}
		case []interface{}:
			for _, item := range v {
				if role := normalizeRole(fmt.Sprint(item)); role != "" {
					return role
				}
			}
		}
	}
	return ""
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if normalized := normalizeRole(role); normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}

	return func(c *fiber.Ctx) error {
		role, _ := c.Locals(LocalUserRole).(string)
		if _, ok := allowed[normalizeRole(role)]; !ok {
			return utils.SendErrorCode(c, fiber.StatusForbidden, "forbidden", "insufficient permissions")
		}
		return c.Next()
	}
}
