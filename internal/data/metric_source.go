package data

import (
	"context"
	"fmt"
	"strconv"

	"Wardline/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// RedisMetricSource implements biz.MetricSource. The serving pipeline
// publishes its latest gauges to metrics:{name} keys; the sampler reads the
// configured metric names in one MGET. Missing keys are skipped so a metric
// the pipeline has not published yet never looks like a zero reading.
type RedisMetricSource struct {
	rdb     *redis.Client
	metrics []string
	logger  *log.Helper
}

// NewRedisMetricSource creates a metric source over the configured
// backpressure metric names.
func NewRedisMetricSource(cfg *conf.Governance, rdb *redis.Client, logger log.Logger) *RedisMetricSource {
	var metrics []string
	if cfg != nil && cfg.Backpressure != nil {
		for name := range cfg.Backpressure.Thresholds {
			metrics = append(metrics, name)
		}
	}

	return &RedisMetricSource{
		rdb:     rdb,
		metrics: metrics,
		logger:  log.NewHelper(logger),
	}
}

// Sample reads the latest published value for every configured metric.
func (s *RedisMetricSource) Sample(ctx context.Context) (map[string]float64, error) {
	if s.rdb == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if len(s.metrics) == 0 {
		return map[string]float64{}, nil
	}

	keys := make([]string, 0, len(s.metrics))
	for _, name := range s.metrics {
		keys = append(keys, getMetricKey(name))
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to sample metrics: %w", err)
	}

	samples := make(map[string]float64, len(s.metrics))
	for i, raw := range values {
		if raw == nil {
			// Metric not published yet
			continue
		}

		str, ok := raw.(string)
		if !ok {
			s.logger.Warnw("unexpected metric value type", "metric", s.metrics[i])
			continue
		}

		value, err := strconv.ParseFloat(str, 64)
		if err != nil {
			s.logger.Warnw("failed to parse metric value",
				"metric", s.metrics[i],
				"value", str,
				"error", err)
			continue
		}

		samples[s.metrics[i]] = value
	}

	return samples, nil
}

// getMetricKey generates the Redis key one metric gauge is published under.
// Format: metrics:{name}
// Example: metrics:latency_p95
func getMetricKey(name string) string {
	return fmt.Sprintf("metrics:%s", name)
}
