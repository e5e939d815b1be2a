package mw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Throttle 按调用方维度持有令牌桶，过期桶由后台 GC 回收。
type Throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
}

func NewThrottle(r rate.Limit, burst int, ttl time.Duration) *Throttle {
	return &Throttle{buckets: make(map[string]*bucket), r: r, burst: burst, ttl: ttl, stop: make(chan struct{})}
}

func (t *Throttle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.buckets[key]
	if ok {
		b.seen = time.Now()
		return b.lim
	}
	lim := rate.NewLimiter(t.r, t.burst)
	t.buckets[key] = &bucket{lim: lim, seen: time.Now()}
	return lim
}

func (t *Throttle) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for k, b := range t.buckets {
				if now.Sub(b.seen) > t.ttl {
					delete(t.buckets, k)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (t *Throttle) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// callerKey 优先用认证后的用户标识限速，匿名请求退化到来源 IP。
func callerKey(c *gin.Context) string {
	if uid, ok := c.Get("userID"); ok {
		if id, ok := uid.(uint); ok {
			return "u:" + strconv.FormatUint(uint64(id), 10)
		}
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return "ip:" + c.Request.RemoteAddr
	}
	return "ip:" + host
}

// RateLimit 返回基于调用方+路由的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	t := NewThrottle(r, burst, 2*time.Minute)
	go t.gc()
	return func(c *gin.Context) {
		key := callerKey(c) + "|" + c.FullPath()
		if !t.limiter(key).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
