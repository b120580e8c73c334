package rpc

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Metrics collects request metrics of the command server.
type Metrics struct {
	logger          *zap.Logger
	requestCounter  *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics registers the request collectors on reg.
func NewMetrics(reg prometheus.Registerer, logger *zap.Logger) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		logger: logger,
		requestCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrls",
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total number of command server requests",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rrls",
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "Command server request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "path"}),
	}
}

// Middleware returns the gin middleware.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		duration := time.Since(start)

		m.requestCounter.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

		m.logger.Debug("request metrics collected",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("duration", duration))
	}
}
