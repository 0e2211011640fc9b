package log

import (
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
)

// LogHelper extends the Kratos log.Helper with domain-tagged convenience
// methods. Each method stamps a "type" field so log pipelines can route
// control-plane events by category.
type LogHelper struct {
	*log.Helper
}

// NewLogHelper creates the extended log helper.
func NewLogHelper(logger log.Logger) *LogHelper {
	return &LogHelper{
		Helper: log.NewHelper(logger),
	}
}

// Request records one HTTP request with method, path, status and duration.
func (h *LogHelper) Request(method, url string, status int, durationMs int64, kvs ...interface{}) {
	msg := fmt.Sprintf("%s %s - %d (%dms)", method, url, status, durationMs)
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs,
		"type", "request",
		"method", method,
		"url", url,
		"status", status,
		"duration_ms", durationMs,
	)
	h.Infow(allKvs...)
}

// Circuit records circuit breaker transitions and rejections.
func (h *LogHelper) Circuit(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "circuit")
	h.Infow(allKvs...)
}

// Backpressure records mitigation engagement and recovery.
func (h *LogHelper) Backpressure(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "backpressure")
	h.Warnw(allKvs...)
}

// Budget records spend accumulation and escalation.
func (h *LogHelper) Budget(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "budget")
	h.Infow(allKvs...)
}

// Incident records operator-visible incident emission.
func (h *LogHelper) Incident(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "incident")
	h.Warnw(allKvs...)
}

// Auth records authentication decisions on the admin surface.
func (h *LogHelper) Auth(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "auth")
	h.Infow(allKvs...)
}

// Scheduler records cron plane activity.
func (h *LogHelper) Scheduler(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "scheduler")
	h.Infow(allKvs...)
}

// Startup records service startup milestones.
func (h *LogHelper) Startup(msg string, kvs ...interface{}) {
	allKvs := append([]interface{}{"msg", msg}, kvs...)
	allKvs = append(allKvs, "type", "startup")
	h.Infow(allKvs...)
}
