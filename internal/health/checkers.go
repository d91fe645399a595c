package health

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

// slowThreshold marks a responsive dependency as degraded.
const slowThreshold = 100 * time.Millisecond

// SQLChecker pings the workflow store database.
type SQLChecker struct {
	db *sqlx.DB
}

func NewSQLChecker(db *sqlx.DB) *SQLChecker { return &SQLChecker{db: db} }

func (c *SQLChecker) Name() string           { return "database" }
func (c *SQLChecker) IsCritical() bool       { return true }
func (c *SQLChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *SQLChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.db.PingContext(ctx)
	return pingResult(c.Name(), start, err, map[string]any{"driver": c.db.DriverName()})
}

// RedisChecker pings the Redis instance backing the store or event mirror.
type RedisChecker struct {
	client   redis.UniversalClient
	critical bool
}

// NewRedisChecker creates a checker; critical is true when runs are stored
// in Redis rather than only mirrored there.
func NewRedisChecker(client redis.UniversalClient, critical bool) *RedisChecker {
	return &RedisChecker{client: client, critical: critical}
}

func (c *RedisChecker) Name() string           { return "redis" }
func (c *RedisChecker) IsCritical() bool       { return c.critical }
func (c *RedisChecker) Timeout() time.Duration { return 5 * time.Second }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.client.Ping(ctx).Err()
	return pingResult(c.Name(), start, err, nil)
}

func pingResult(component string, start time.Time, err error, details map[string]any) CheckResult {
	r := CheckResult{Component: component, Timestamp: start, Duration: time.Since(start), Details: details}
	if r.Details == nil {
		r.Details = map[string]any{}
	}
	r.Details["latency_ms"] = r.Duration.Milliseconds()
	switch {
	case err != nil:
		r.Status = StatusUnhealthy
		r.Error = err.Error()
		r.Message = component + " ping failed"
	case r.Duration > slowThreshold:
		r.Status = StatusDegraded
		r.Message = component + " responding with high latency"
	default:
		r.Status = StatusHealthy
		r.Message = component + " healthy"
	}
	return r
}

// CircuitSource reports providers whose breaker is open.
type CircuitSource interface {
	OpenCircuits() []string
	IDs() []string
}

// ProviderChecker degrades the service while any provider circuit is open.
type ProviderChecker struct {
	source CircuitSource
}

func NewProviderChecker(source CircuitSource) *ProviderChecker { return &ProviderChecker{source: source} }

func (c *ProviderChecker) Name() string           { return "providers" }
func (c *ProviderChecker) IsCritical() bool       { return false }
func (c *ProviderChecker) Timeout() time.Duration { return time.Second }

func (c *ProviderChecker) Check(context.Context) CheckResult {
	open := c.source.OpenCircuits()
	r := CheckResult{
		Component: c.Name(),
		Status:    StatusHealthy,
		Message:   "all provider circuits closed",
		Details:   map[string]any{"registered": c.source.IDs(), "open": open},
	}
	if len(c.source.IDs()) == 0 {
		r.Status = StatusDegraded
		r.Message = "no providers registered"
	}
	if len(open) > 0 {
		r.Status = StatusDegraded
		r.Message = "open circuits: " + strings.Join(open, ", ")
	}
	return r
}
