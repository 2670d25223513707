package sites

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// AuthError is a structured authentication failure.
type AuthError struct {
	Code    string `json:"code"`
	SiteURL string `json:"siteUrl"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string { return e.Message }

// Authentication failure kinds. These are surfaced to the caller and never
// retried automatically.
const (
	CodeUnknownSite  = "AUTH_UNKNOWN_SITE"
	CodeInactiveSite = "AUTH_INACTIVE_SITE"
	CodeKeyMismatch  = "AUTH_KEY_MISMATCH"
	CodeRateLimited  = "AUTH_RATE_LIMITED"
)

// Authenticator validates cross-site callers against the site registry.
// Every attempt, successful or not, draws from the caller's token bucket, so
// the submission rate knob meters the site's whole request rate.
type Authenticator struct {
	store   *SiteStore
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator. limiter may be nil to disable
// throttling (tests); logger defaults to slog.Default().
func NewAuthenticator(store *SiteStore, limiter *RateLimiter, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{store: store, limiter: limiter, logger: logger}
}

// Authenticate resolves the caller's site and compares the presented key's
// digest in constant time. Failure kinds: unknown site, inactive site, key
// mismatch, rate limited.
func (a *Authenticator) Authenticate(siteURL, presentedKey string) (*SiteRecord, error) {
	if a.limiter != nil && !a.limiter.Take(siteURL) {
		return nil, &AuthError{
			Code:    CodeRateLimited,
			SiteURL: siteURL,
			Message: "site exceeded its request rate",
		}
	}

	record, err := a.store.GetByURL(siteURL)
	if err != nil {
		return nil, fmt.Errorf("authenticate %s: %w", siteURL, err)
	}
	if record == nil {
		a.fail(siteURL, CodeUnknownSite)
		return nil, &AuthError{Code: CodeUnknownSite, SiteURL: siteURL, Message: "site is not registered"}
	}
	if !record.IsActive {
		a.fail(siteURL, CodeInactiveSite)
		return nil, &AuthError{Code: CodeInactiveSite, SiteURL: siteURL, Message: "site is deactivated"}
	}

	presented := []byte(HashKey(presentedKey))
	stored := []byte(record.APIKeyHash)
	if subtle.ConstantTimeCompare(presented, stored) != 1 {
		a.fail(siteURL, CodeKeyMismatch)
		return nil, &AuthError{Code: CodeKeyMismatch, SiteURL: siteURL, Message: "api key does not match"}
	}

	return record, nil
}

func (a *Authenticator) fail(siteURL, code string) {
	a.logger.Warn("authentication failed", "site", siteURL, "code", code)
}

// RateLimiter meters requests per caller with a token bucket. Each key
// starts with a full bucket; every request drains one token and tokens
// refill at a fixed rate.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	capacity float64
	refill   float64 // tokens per second
}

type tokenBucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing a burst of capacity requests per
// key, refilling at perMinute tokens per minute.
func NewRateLimiter(capacity int, perMinute float64) *RateLimiter {
	if capacity <= 0 {
		capacity = 10
	}
	if perMinute <= 0 {
		perMinute = 6
	}
	return &RateLimiter{
		buckets:  make(map[string]*tokenBucket),
		capacity: float64(capacity),
		refill:   perMinute / 60,
	}
}

// Take consumes one token for the key, reporting false when the bucket is
// empty.
func (l *RateLimiter) Take(key string) bool {
	return l.takeAt(key, time.Now())
}

// takeAt is the testable core of Take.
func (l *RateLimiter) takeAt(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(key, now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// bucket fetches the key's bucket, refilling it for elapsed time. Caller
// holds the mutex.
func (l *RateLimiter) bucket(key string, now time.Time) *tokenBucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.capacity, lastSeen: now}
		l.buckets[key] = b
		return b
	}
	elapsed := now.Sub(b.lastSeen).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * l.refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.lastSeen = now
	}
	return b
}
