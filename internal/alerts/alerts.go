package alerts

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind distinguishes the alert classes the engine produces
type Kind string

const (
	// KindAnomalousOrphan flags a hypervisor container with no matching record
	KindAnomalousOrphan Kind = "anomalous_orphan"
	// KindDegradation flags a provisioning degradation (fallback network)
	KindDegradation Kind = "provisioning_degradation"
)

// Alert is one event on the alerting channel
type Alert struct {
	Kind      Kind
	Detail    string
	Timestamp time.Time
}

// HandlerFunc receives alerts as they are raised
type HandlerFunc func(alert Alert)

// Channel fans alerts out to registered handlers and always logs them. The
// default, with no handlers, is a log-only sink.
type Channel struct {
	mu       sync.RWMutex
	handlers []HandlerFunc
	recent   []Alert
	logger   *logrus.Logger
}

// maxRecent bounds the in-memory alert history served to the API
const maxRecent = 100

// NewChannel creates an alerting channel
func NewChannel(logger *logrus.Logger) *Channel {
	return &Channel{logger: logger}
}

// Subscribe registers a handler for future alerts
func (c *Channel) Subscribe(fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, fn)
}

// Anomaly raises an anomalous-orphan alert
func (c *Channel) Anomaly(detail string) {
	c.raise(Alert{Kind: KindAnomalousOrphan, Detail: detail, Timestamp: time.Now().UTC()})
}

// Degraded raises a provisioning-degradation alert
func (c *Channel) Degraded(detail string) {
	c.raise(Alert{Kind: KindDegradation, Detail: detail, Timestamp: time.Now().UTC()})
}

// Recent returns the newest alerts, most recent first
func (c *Channel) Recent() []Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Alert, len(c.recent))
	for i, a := range c.recent {
		out[len(c.recent)-1-i] = a
	}
	return out
}

func (c *Channel) raise(alert Alert) {
	c.logger.WithField("kind", string(alert.Kind)).Error(alert.Detail)

	c.mu.Lock()
	c.recent = append(c.recent, alert)
	if len(c.recent) > maxRecent {
		c.recent = c.recent[len(c.recent)-maxRecent:]
	}
	handlers := make([]HandlerFunc, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(alert)
	}
}
