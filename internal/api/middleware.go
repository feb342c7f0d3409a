package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// 最後のアクセスからこの時間が経過したIPの状態は破棄する
const limiterIdleTTL = 10 * time.Minute

type clientState struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter はクライアントIPごとにリクエスト数を制限します。
type RateLimiter struct {
	limit rate.Limit
	burst int

	lock      sync.Mutex
	clients   map[string]*clientState
	lastSweep time.Time
	now       func() time.Time
}

// NewRateLimiter は1分あたり perMinute 件を上限とする RateLimiter を作成します。
// perMinute が0以下なら nil を返し、Middleware は何も制限しません。
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		clients: make(map[string]*clientState),
		now:     time.Now,
	}
}

// Middleware は上限を超えたリクエストを 429 で拒否します。
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		if wait := l.reserve(c.ClientIP()); wait > 0 {
			// Retry-After は秒数で返す
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RATE_LIMITED",
				"message": "リクエストが多すぎます。一定時間後に再度お試しください。",
			})
			return
		}
		c.Next()
	}
}

// reserve は1件分の枠を確保し、確保できなければ次に空くまでの時間を返します。
func (l *RateLimiter) reserve(ip string) time.Duration {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	l.sweepLocked(now)

	state, ok := l.clients[ip]
	if !ok {
		state = &clientState{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = state
	}
	state.lastSeen = now

	r := state.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
		return delay
	}
	return 0
}

func (l *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < limiterIdleTTL {
		return
	}
	l.lastSweep = now
	for ip, state := range l.clients {
		if now.Sub(state.lastSeen) > limiterIdleTTL {
			delete(l.clients, ip)
		}
	}
}

// RequestLogger はアクセスログを zerolog で出力します。
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request handled")
	}
}
