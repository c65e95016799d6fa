package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const customerIDKey = "customer_id"

// Auth verifies an HS256 bearer token issued by the storefront and stores its
// subject as the customer id.
func Auth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Fields(c.GetHeader("Authorization"))
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_or_invalid_authorization"})
			return
		}

		var claims jwt.RegisteredClaims
		token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid || claims.Subject == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		c.Set(customerIDKey, claims.Subject)
		c.Next()
	}
}

// CustomerID returns the authenticated customer, or "" outside Auth.
func CustomerID(c *gin.Context) string {
	return c.GetString(customerIDKey)
}

type keyLimiter struct {
	limiter *rate.Limiter
	last    time.Time
}

// Limiter hands out one token bucket per key. Idle buckets are swept lazily.
type Limiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyLimiter
	rps       rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	nowFunc   func() time.Time
}

// NewLimiter allows rps requests per second per key with the given burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: map[string]*keyLimiter{},
		rps:      rate.Limit(rps),
		burst:    burst,
		idle:     30 * time.Minute,
		nowFunc:  time.Now,
	}
}

// Allow reports whether key may make a request now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	if now.Sub(l.lastSweep) > 5*time.Minute {
		for k, kl := range l.limiters {
			if now.Sub(kl.last) > l.idle {
				delete(l.limiters, k)
			}
		}
		l.lastSweep = now
	}

	kl, ok := l.limiters[key]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[key] = kl
	}
	kl.last = now
	return kl.limiter.AllowN(now, 1)
}

// RateLimit rejects callers that exceed their bucket with 429. It keys on the
// authenticated customer and falls back to the client IP.
func RateLimit(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := CustomerID(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded"})
			return
		}
		c.Next()
	}
}
