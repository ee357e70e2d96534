package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	BranchPerMinute int
	BranchBurst     int
}

// BranchResolver returns the branch an existing queue entry belongs to.
type BranchResolver func(ctx context.Context, entryID string) (string, error)

// RateLimiter throttles each client IP and each clinic branch separately.
// Writes that only name a queue entry are charged to that entry's branch.
type RateLimiter struct {
	perIP     *keyedLimiter
	perBranch *keyedLimiter
	resolve   BranchResolver
}

func NewRateLimiter(cfg RateLimitConfig, resolve BranchResolver) *RateLimiter {
	return &RateLimiter{
		perIP:     newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		perBranch: newKeyedLimiter(cfg.BranchPerMinute, cfg.BranchBurst),
		resolve:   resolve,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r); ip != "" && !l.perIP.allow(ip) {
			writeError(w, requestIDFrom(r, ""), http.StatusTooManyRequests, "rate_limited", "too many requests from this client")
			return
		}

		target := l.target(r)
		if target.branchID != "" && !l.perBranch.allow(target.branchID) {
			writeError(w, requestIDFrom(r, target.requestID), http.StatusTooManyRequests, "rate_limited", "too many requests for this branch")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// limitKeys are the body fields the limiter looks at. Unknown fields are
// left for the handler to reject.
type limitKeys struct {
	BranchID  string   `json:"branch_id"`
	RequestID string   `json:"request_id"`
	QueueIDs  []string `json:"queue_ids"`
}

type limitTarget struct {
	branchID  string
	requestID string
}

// target picks the branch to charge: an explicit header or query value,
// then the branch of the entry being written, then the body's branch_id.
func (l *RateLimiter) target(r *http.Request) limitTarget {
	target := limitTarget{branchID: branchFromRequest(r)}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return target
	}

	var keys limitKeys
	if r.Body != nil && strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		if body, err := readBody(r); err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &keys)
		}
	}
	target.requestID = strings.TrimSpace(keys.RequestID)
	if target.branchID != "" {
		return target
	}

	if entryID := writtenEntryID(r.URL.Path, keys); entryID != "" && l.resolve != nil {
		branchID, err := l.resolve(r.Context(), entryID)
		if err == nil {
			target.branchID = strings.TrimSpace(branchID)
			return target
		}
		log.Debug().Err(err).Str("entry_id", entryID).Msg("rate limit: branch lookup failed")
	}
	target.branchID = strings.TrimSpace(keys.BranchID)
	return target
}

// writtenEntryID names the entry a write targets: the {id} of
// /api/queue/{id}[/transitions] or the first id of a reorder.
func writtenEntryID(path string, keys limitKeys) string {
	if path == "/api/queue/reorder" {
		for _, id := range keys.QueueIDs {
			if id = strings.TrimSpace(id); isValidUUID(id) {
				return id
			}
		}
		return ""
	}
	rest, ok := strings.CutPrefix(path, "/api/queue/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(strings.Trim(rest, "/"), "/")
	if !isValidUUID(id) {
		return ""
	}
	return id
}

// keyedLimiter holds one token bucket per key and forgets keys that have
// been idle for longer than idleAfter once the map grows past maxKeys.
type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*keyedBucket
	maxKeys   int
	idleAfter time.Duration
	now       func() time.Time
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:     rate.Limit(float64(perMinute) / 60.0),
		burst:     burst,
		buckets:   make(map[string]*keyedBucket),
		maxKeys:   4096,
		idleAfter: 10 * time.Minute,
		now:       time.Now,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.now()
	b, ok := k.buckets[key]
	if !ok {
		if len(k.buckets) >= k.maxKeys {
			k.forgetIdle(now)
		}
		b = &keyedBucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (k *keyedLimiter) forgetIdle(now time.Time) {
	for key, b := range k.buckets {
		if now.Sub(b.lastSeen) > k.idleAfter {
			delete(k.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// readBody buffers up to 1MB of the body and puts it back for the handler.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
