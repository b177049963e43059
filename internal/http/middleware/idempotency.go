// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for command intake. It validates
// the Idempotency-Key request header, looks up whether the tenant already
// submitted a command under that key, and annotates the request context so
// downstream handlers can:
//   - read the validated key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay is served (via an internal flag)
//
// The handler still calls the command service on a replay; the service returns
// the stored command without writing anything.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderIdempotencyKey is the request header carrying the client's
	// idempotency key for a command submission.
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderTenantID identifies the tenant issuing a command.
	HeaderTenantID = "X-Tenant-ID"
)

// Context keys used internally to stash idempotency state.
const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: true when a stored command exists
	ctxKeyRateBypass = "rate.bypass" // bool: true to skip rate limiting
	ctxKeyTenantID   = "tenantID"
)

// TenantID returns the tenant of the request: the value stored in the Gin
// context by upstream auth middleware, or else the X-Tenant-ID header.
func TenantID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyTenantID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c.Request == nil {
		return ""
	}
	return strings.TrimSpace(c.GetHeader(HeaderTenantID))
}

// GetIdempotencyKey returns the validated idempotency key stored in the Gin
// context by IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the tenant already submitted a command under this
// request's idempotency key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures header validation for IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. If nil, ^[A-Za-z0-9._~\-:]+$ is used.
	Pattern *regexp.Regexp
}

// IdempotencyLookup reports whether tenantID already has a command stored
// under key. Errors are treated as "not found" so a lookup failure never
// blocks intake; the service enforces uniqueness on write.
type IdempotencyLookup func(ctx context.Context, tenantID, key string) (exists bool, err error)

// IdempotencyValidator validates the Idempotency-Key header (if present),
// stashes it in the request context, and marks replays via lookup.
//
// Behavior:
//   - Header absent: no-op.
//   - Header invalid: 400 with a compact error body.
//   - Replay detected: sets the replay and rate-bypass flags.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}

		c.Set(ctxKeyIdemKey, key)

		if tenant := TenantID(c); lookup != nil && tenant != "" {
			if exists, err := lookup(c.Request.Context(), tenant, key); err == nil && exists {
				c.Set(ctxKeyIdemReplay, true)
				c.Set(ctxKeyRateBypass, true)
			}
		}

		c.Next()
	}
}
