package router

import (
	"errors"
	"net/http"
	"strings"

	"github.com/cuongbtq/restora/internal/api/dto"
	"github.com/cuongbtq/restora/internal/api/handler"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SessionCookie is the cookie carrying the access token for browser clients
const SessionCookie = "sb-access-token"

// AuthConfig describes how access tokens are verified
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

var errNoToken = errors.New("no access token")

// AuthMiddleware verifies the HS256 access token and stores its subject as
// the account id. Requests without a valid token are rejected with 401.
func AuthMiddleware(cfg AuthConfig) gin.HandlerFunc {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(cfg.Secret)

	return func(c *gin.Context) {
		subject, err := authenticate(c, parser, secret)
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, dto.ErrorResponse{
				Error:   "unauthenticated",
				Message: "authentication required",
			})
			return
		}
		c.Set(handler.ContextAccountID, subject)
		c.Next()
	}
}

func authenticate(c *gin.Context, parser *jwt.Parser, secret []byte) (string, error) {
	raw := bearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		if cookie, err := c.Cookie(SessionCookie); err == nil {
			raw = cookie
		}
	}
	if raw == "" {
		return "", errNoToken
	}

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}); err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
