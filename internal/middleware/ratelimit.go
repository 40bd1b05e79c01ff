package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/vikasavnish/agentbridge/internal/config"
	"github.com/vikasavnish/agentbridge/internal/services"
)

// WebhookLimiter keeps per-credential request counters and per-IP failed
// credential counters in Redis so every instance shares them. With a nil
// client every call is allowed.
type WebhookLimiter struct {
	client *redis.Client
	cfg    config.WebhookConfig
	logger *zap.Logger
}

// NewWebhookLimiter creates a limiter. client may be nil.
func NewWebhookLimiter(client *redis.Client, cfg config.WebhookConfig, logger *zap.Logger) *WebhookLimiter {
	return &WebhookLimiter{client: client, cfg: cfg, logger: logger.Named("ratelimit")}
}

// Guard rejects requests from addresses that exhausted their failed
// credential budget.
func (l *WebhookLimiter) Guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Blocked(r.Context(), ClientIP(r)) {
			writeJSONError(w, http.StatusTooManyRequests, "too_many_failures", "too many failed attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AllowCredential counts one request for credential and reports whether it
// is within the window budget.
func (l *WebhookLimiter) AllowCredential(ctx context.Context, credential string) bool {
	if l.client == nil || l.cfg.RateLimit <= 0 {
		return true
	}
	n, err := l.incr(ctx, "agentbridge:rl:cred:"+services.HashSecret(credential), l.cfg.RateWindow)
	if err != nil {
		return true
	}
	return n <= int64(l.cfg.RateLimit)
}

// RecordAuthFailure counts a failed credential lookup for ip.
func (l *WebhookLimiter) RecordAuthFailure(ctx context.Context, ip string) {
	if l.client == nil || l.cfg.FailedAuthLimit <= 0 {
		return
	}
	n, err := l.incr(ctx, failKey(ip), l.cfg.FailedAuthWindow)
	if err == nil && n == int64(l.cfg.FailedAuthLimit) {
		l.logger.Warn("Blocking address after failed credential attempts", zap.String("ip", ip), zap.Int64("failures", n))
	}
}

// Blocked reports whether ip reached the failed credential limit.
func (l *WebhookLimiter) Blocked(ctx context.Context, ip string) bool {
	if l.client == nil || l.cfg.FailedAuthLimit <= 0 {
		return false
	}
	n, err := l.client.Get(ctx, failKey(ip)).Int64()
	if err != nil {
		if err != redis.Nil {
			l.logger.Warn("Rate limit lookup failed", zap.Error(err))
		}
		return false
	}
	return n >= int64(l.cfg.FailedAuthLimit)
}

// incr bumps key and starts its window on first use.
func (l *WebhookLimiter) incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := l.client.Incr(ctx, key).Result()
	if err == nil && n == 1 {
		err = l.client.Expire(ctx, key, window).Err()
	}
	if err != nil {
		l.logger.Warn("Rate limit counter failed", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return n, nil
}

func failKey(ip string) string {
	return "agentbridge:rl:fail:" + ip
}

// ClientIP returns the first X-Forwarded-For address, or the peer host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
