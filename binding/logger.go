package binding

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/busbind/metrics"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once

	collector   *metrics.Collector
	collectorMu sync.RWMutex
)

// Logger returns the binding package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger configures the binding package's logger.
// This must be called before any objects are bound.
func SetLogger(l *zap.Logger) {
	logger = l
}

// SetMetrics installs the collector that records dispatch, call and signal
// activity. nil disables recording.
func SetMetrics(c *metrics.Collector) {
	collectorMu.Lock()
	collector = c
	collectorMu.Unlock()
}

func stats() *metrics.Collector {
	collectorMu.RLock()
	defer collectorMu.RUnlock()
	return collector
}
