package security

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"exam_session_engine/internal/config"
	"exam_session_engine/internal/util"
	"exam_session_engine/pkg/monitoring"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

var allowedHeaders = strings.Join([]string{
	"Content-Type", "Content-Length", "Accept", "Authorization", "Origin",
	"Cache-Control", "X-Requested-With",
	util.HeaderClientID, util.HeaderUserID,
}, ", ")

// CORS 仅允许白名单中的 Origin；考试前端需要带上客户端标识头
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	originSet := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		originSet[o] = true
	}
	maxAge := ""
	if cfg.MaxAge > 0 {
		maxAge = strconv.Itoa(int(cfg.MaxAge.Seconds()))
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		h := c.Writer.Header()
		if origin != "" && originSet[origin] {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Headers", allowedHeaders)
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")

		if c.Request.Method == http.MethodOptions {
			if maxAge != "" {
				h.Set("Access-Control-Max-Age", maxAge)
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Secure 中间件
func Secure() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		if c.Request.TLS != nil {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter 按答题客户端限流：优先 X-Client-ID，其次用户，最后 IP。
// 同一用户开多个标签页时各自计数，单客户端锁会拒绝多余的标签页。
type RateLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	stop     chan struct{}
	once     sync.Once
}

// NewRateLimiter MaxRequests<=0 时返回 nil，Middleware 对 nil 放行
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.MaxRequests
	}
	ttl := cfg.Window * 3
	if ttl < time.Minute {
		ttl = time.Minute
	}
	l := &RateLimiter{
		limit:    rate.Every(cfg.Window / time.Duration(cfg.MaxRequests)),
		burst:    burst,
		ttl:      ttl,
		now:      time.Now,
		visitors: make(map[string]*visitor),
		stop:     make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func clientKey(c *gin.Context) string {
	if id := c.GetHeader(util.HeaderClientID); id != "" {
		return "client:" + id
	}
	if user := util.GetUserFromContext(c); user != nil && user.UserID != "" {
		return "user:" + user.UserID
	}
	if id := c.GetHeader(util.HeaderUserID); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = l.now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		if !l.allow(clientKey(c)) {
			monitoring.RateLimitedCounter.WithLabelValues(c.FullPath()).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, util.Response{
				Code:    http.StatusTooManyRequests,
				Message: "too many requests",
			})
			return
		}
		c.Next()
	}
}

// evict 清理长时间未活动的客户端
func (l *RateLimiter) evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, v := range l.visitors {
		if l.now().Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
			n++
		}
	}
	return n
}

func (l *RateLimiter) cleanupLoop() {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			l.evict()
		}
	}
}

func (l *RateLimiter) Close() {
	if l == nil {
		return
	}
	l.once.Do(func() { close(l.stop) })
}
