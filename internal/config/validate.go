package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	QueueBackendRedis  = "redis"
	QueueBackendMemory = "memory"

	QueueModeQueued = "queued"
	QueueModeDirect = "direct"
)

// Validate 汇总全部配置问题后一次返回
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Database.Driver {
	case DriverPostgres, DriverMemory:
	default:
		fail("database.driver %q is not one of postgres, memory", c.Database.Driver)
	}

	b := c.Billing
	if b.UnitScale <= 0 {
		fail("billing.unit_scale must be positive")
	}
	if b.SafetyFactor < 1 {
		fail("billing.safety_factor must be >= 1")
	}
	if b.PenaltyFraction < 0 || b.PenaltyFraction > 1 {
		fail("billing.penalty_fraction must be within [0, 1]")
	}
	if _, ok := b.Models[strings.ToLower(b.DefaultModel)]; !ok {
		fail("billing.default_model %q has no rate in billing.models", b.DefaultModel)
	}
	for name, rate := range b.Models {
		if rate.InputWeight < 0 || rate.OutputWeight < 0 || rate.BaseFee < 0 || rate.RateMultiplier < 0 {
			fail("billing.models.%s: rate fields must be non-negative", name)
		}
	}

	q := c.Queue
	switch q.Backend {
	case QueueBackendRedis:
		if !c.Cache.Redis.Enabled {
			fail("queue.backend redis requires cache.redis.enabled")
		}
	case QueueBackendMemory:
	default:
		fail("queue.backend %q is not one of redis, memory", q.Backend)
	}
	if q.Mode != QueueModeQueued && q.Mode != QueueModeDirect {
		fail("queue.mode %q is not one of queued, direct", q.Mode)
	}
	if q.Partitions <= 0 {
		fail("queue.partitions must be positive")
	}
	if q.MaxRetries < 0 {
		fail("queue.max_retries must be non-negative")
	}

	if c.App.IsProduction() && c.Security.JWT.Secret == "" {
		fail("security.jwt.secret is required in production")
	}
	return errors.Join(errs...)
}
