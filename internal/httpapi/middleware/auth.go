package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/timottowitz/hmlr/internal/httpapi/response"
	"github.com/timottowitz/hmlr/internal/platform/ctxutil"
	"github.com/timottowitz/hmlr/internal/platform/logger"
)

// Claims is the bearer-JWT payload the core expects: a subject claim
// carrying the caller's user ID. HMLR does not issue these tokens itself;
// the Non-goals exclude multi-tenant identity, so verification here only
// checks the signature and expiry of an externally-minted token.
type Claims struct {
	jwt.RegisteredClaims
}

type Auth struct {
	log       *logger.Logger
	secretKey []byte
}

func NewAuth(log *logger.Logger, secretKey string) *Auth {
	return &Auth{log: log.With("component", "AuthMiddleware"), secretKey: []byte(secretKey)}
}

// RequireAuth validates a bearer JWT and attaches the caller's identity to
// the request context as ctxutil.RequestData.
func (a *Auth) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearerToken(c)
		if tokenString == "" {
			response.RespondError(c, 401, "unauthorized", fmt.Errorf("missing bearer token"))
			c.Abort()
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return a.secretKey, nil
		})
		if err != nil || !token.Valid {
			response.RespondError(c, 401, "unauthorized", fmt.Errorf("invalid or expired token"))
			c.Abort()
			return
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil || userID == uuid.Nil {
			response.RespondError(c, 403, "forbidden", fmt.Errorf("invalid subject claim"))
			c.Abort()
			return
		}

		ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{
			TokenString: tokenString,
			UserID:      userID,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
