package authkit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// loginRateLimiter throttles credential attempts per client IP.
type loginRateLimiter struct {
	mutex     sync.Mutex
	limiters  map[string]*rate.Limiter
	limit     rate.Limit
	burst     int
	clock     Clock
	logger    *zap.Logger
	metrics   MetricsRecorder
	maxClient int
}

const maxTrackedLoginClients = 10000

func newLoginRateLimiter(perMinute int, clock Clock, logger *zap.Logger, metrics MetricsRecorder) *loginRateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &loginRateLimiter{
		limiters:  make(map[string]*rate.Limiter),
		limit:     rate.Every(time.Minute / time.Duration(perMinute)),
		burst:     perMinute,
		clock:     clockOrSystem(clock),
		logger:    logger,
		metrics:   metricsOrNoop(metrics),
		maxClient: maxTrackedLoginClients,
	}
}

func (limiter *loginRateLimiter) allow(clientIP string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	clientLimiter, ok := limiter.limiters[clientIP]
	if !ok {
		if len(limiter.limiters) >= limiter.maxClient {
			limiter.limiters = make(map[string]*rate.Limiter)
		}
		clientLimiter = rate.NewLimiter(limiter.limit, limiter.burst)
		limiter.limiters[clientIP] = clientLimiter
	}
	return clientLimiter.AllowN(limiter.clock.Now(), 1)
}

// middleware is a no-op when the limiter is disabled.
func (limiter *loginRateLimiter) middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if limiter == nil {
			contextGin.Next()
			return
		}
		if !limiter.allow(contextGin.ClientIP()) {
			limiter.metrics.Increment(metricLoginThrottled)
			limiter.logger.Warn("login throttled",
				zap.String("code", "auth.login.throttled"),
				zap.String("client_ip", contextGin.ClientIP()))
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}
