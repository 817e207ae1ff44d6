package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultMaxBodyBytes int64 = 1 << 20

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes = defaultMaxBodyBytes

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
		return
	}
	maxBodyBytes = n
}

// requestTimeout bounds how long a chat completion may run before it is
// aborted. Zero means no additional timeout beyond server/connection timeouts.
var requestTimeout time.Duration

// SetRequestTimeout sets the chat completion timeout (0 disables).
func SetRequestTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	requestTimeout = d
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}

// admission limiter for chat completions; nil means unlimited.
var (
	limiterMu sync.RWMutex
	limiter   *rate.Limiter
)

// SetRateLimit limits admitted chat completions to rps per second with the
// given burst. rps <= 0 disables limiting.
func SetRateLimit(rps float64, burst int) {
	limiterMu.Lock()
	defer limiterMu.Unlock()
	if rps <= 0 {
		limiter = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	limiter = rate.NewLimiter(rate.Limit(rps), burst)
}

func allowRequest() bool {
	limiterMu.RLock()
	l := limiter
	limiterMu.RUnlock()
	return l == nil || l.Allow()
}

// authSecret enables HS256 bearer authentication on /v1 and /admin routes
// when non-empty.
var authSecret []byte

// SetAuthSecret sets the HMAC secret used to verify bearer tokens.
func SetAuthSecret(secret string) {
	if secret == "" {
		authSecret = nil
		return
	}
	authSecret = []byte(secret)
}
