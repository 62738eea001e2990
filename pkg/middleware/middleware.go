package middleware

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-guard/pkg/response"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)   // 10 requests per minute
	signalLimit  = rate.Limit(300.0 / 60.0)  // 300 requests per minute
	tradingLimit = rate.Limit(100.0 / 60.0)  // 100 requests per minute
	readLimit    = rate.Limit(1000.0 / 60.0) // 1000 requests per minute
)

// Cleanup old visitors periodically
func init() {
	go cleanupVisitors()
}

// limitFor returns the rate for a route. Emergency routes are never limited.
func limitFor(method, path string) rate.Limit {
	switch {
	case strings.HasPrefix(path, "/api/v1/emergency"):
		return rate.Inf
	case strings.HasPrefix(path, "/api/v1/auth"):
		return authLimit
	case strings.HasPrefix(path, "/api/v1/signals"):
		return signalLimit
	case method == "GET":
		return readLimit
	case strings.HasPrefix(path, "/api/v1/orders"), strings.HasPrefix(path, "/api/v1/positions"):
		return tradingLimit
	default:
		return rate.Inf
	}
}

func getLimiter(method, path, caller string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := caller + ":" + method + ":" + path
	v, exists := visitors[key]
	if !exists {
		v = &visitor{
			limiter: rate.NewLimiter(limitFor(method, path), 5),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit limits each caller per route, keyed by user when authenticated
// and by client IP otherwise.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("userID")
		if caller == "" {
			caller = c.ClientIP()
		}

		limiter := getLimiter(c.Request.Method, c.FullPath(), caller)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token signed with secret and stores the
// user id and permissions in the gin context.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || !strings.EqualFold(bearerToken[0], "bearer") {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		token, err := jwt.Parse(bearerToken[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			response.Unauthorized(c, "Invalid token claims")
			c.Abort()
			return
		}

		// Ensure required claims exist
		for _, claim := range []string{"user_id", "exp"} {
			if _, exists := claims[claim]; !exists {
				response.Unauthorized(c, fmt.Sprintf("Missing required claim: %s", claim))
				c.Abort()
				return
			}
		}

		userID, ok := claims["user_id"].(string)
		if !ok || userID == "" {
			response.Unauthorized(c, "Invalid user ID in token")
			c.Abort()
			return
		}

		c.Set("claims", claims)
		c.Set("userID", userID)
		c.Set("permissions", permissionsFrom(claims))

		c.Next()
	}
}

// RequirePermission rejects callers whose token lacks permission. It must
// run after JWTAuth.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		perms, _ := c.Get("permissions")
		granted, _ := perms.([]string)
		for _, p := range granted {
			if p == permission || p == "admin" {
				c.Next()
				return
			}
		}
		response.Forbidden(c, fmt.Sprintf("Missing permission: %s", permission))
		c.Abort()
	}
}

func permissionsFrom(claims jwt.MapClaims) []string {
	raw, ok := claims["permissions"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if s, ok := p.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
