package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/quotaguard/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	headerCorrelationID = "X-Correlation-ID"
	headerRequestID     = "X-Request-ID"
	headerFingerprint   = "X-Client-Fingerprint"
	correlationPrefix   = "api-"
	maxCorrelationIDLen = 128
)

var errUnexpectedSigningMethod = errors.New("unexpected signing method")

// correlationMiddleware propagates the caller's correlation id, or mints one, onto the request
// context and the response.
func correlationMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		correlationID := strings.TrimSpace(ctx.GetHeader(headerCorrelationID))
		if correlationID == "" {
			correlationID = strings.TrimSpace(ctx.GetHeader(headerRequestID))
		}
		if correlationID == "" || len(correlationID) > maxCorrelationIDLen {
			correlationID = correlationPrefix + uuid.NewString()
		}
		ctx.Request = ctx.Request.WithContext(logging.WithCorrelationID(ctx.Request.Context(), correlationID))
		ctx.Header(headerCorrelationID, correlationID)
		ctx.Next()
	}
}

func observeMiddleware(observer Observer) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if observer == nil {
			ctx.Next()
			return
		}
		started := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		observer.HTTPObserved(route, ctx.Request.Method, ctx.Writer.Status(), time.Since(started))
	}
}

// authMiddleware resolves an optional HS256 bearer token to an account id. Requests without a
// token continue as anonymous; a presented token that fails verification is rejected.
func authMiddleware(signingKey string, issuer string) gin.HandlerFunc {
	key := []byte(signingKey)
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	return func(ctx *gin.Context) {
		token := bearerToken(ctx.GetHeader("Authorization"))
		if token == "" {
			ctx.Next()
			return
		}
		if len(key) == 0 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "bearer authentication is disabled"))
			return
		}
		claims := jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(token, &claims, func(parsed *jwt.Token) (any, error) {
			if _, ok := parsed.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errUnexpectedSigningMethod
			}
			return key, nil
		})
		if err != nil || strings.TrimSpace(claims.Subject) == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid bearer token"))
			return
		}
		ctx.Set(claimsContextKey, strings.TrimSpace(claims.Subject))
		ctx.Next()
	}
}

func authenticatedSubject(ctx *gin.Context) (string, bool) {
	value, ok := ctx.Get(claimsContextKey)
	if !ok {
		return "", false
	}
	subject, ok := value.(string)
	return subject, ok && subject != ""
}
