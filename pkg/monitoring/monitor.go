package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// 评分提交结果：scored / rollback / coalesced
	SubmissionCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_submissions_total",
			Help: "Scorer submissions by modality and outcome",
		},
		[]string{"modality", "outcome"},
	)

	RollbackCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_submission_rollbacks_total",
			Help: "Question rollbacks to ready by reason",
		},
		[]string{"reason"},
	)

	ScorerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "exam_scorer_duration_seconds",
			Help:    "Latency of external scorer calls",
			Buckets: []float64{0.25, 1, 5, 15, 30, 60, 120},
		},
		[]string{"modality"},
	)

	StoreWriteCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_session_store_writes_total",
			Help: "Session store writes by backend and result",
		},
		[]string{"backend", "result"},
	)

	TimerTimeoutCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "exam_question_timeouts_total",
			Help: "Countdown timeouts by skill",
		},
		[]string{"skill"},
	)

	RateLimitedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		},
		[]string{"endpoint"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "exam_active_sessions",
			Help: "Exam sessions currently held in memory",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RequestCounter)
		prometheus.MustRegister(RequestDuration)
		prometheus.MustRegister(SubmissionCounter)
		prometheus.MustRegister(RollbackCounter)
		prometheus.MustRegister(ScorerDuration)
		prometheus.MustRegister(StoreWriteCounter)
		prometheus.MustRegister(TimerTimeoutCounter)
		prometheus.MustRegister(RateLimitedCounter)
		prometheus.MustRegister(ActiveSessions)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
