package db

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// TableCheck probes that a table exists and is readable.
func TableCheck(pool *pgxpool.Pool, schema, table string) Check {
	return Check{
		Name: table,
		Run: func(ctx context.Context) error {
			var one int
			err := pool.QueryRow(ctx, "SELECT 1 FROM "+Qualified(schema, table)+" LIMIT 1").Scan(&one)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			return nil
		},
	}
}

// HealthReport is the body of the health endpoint.
type HealthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Pool   *PoolStats        `json:"pool,omitempty"`
}

func runChecks(ctx context.Context, checks []Check) HealthReport {
	report := HealthReport{Status: "healthy", Checks: make(map[string]string, len(checks))}
	for _, c := range checks {
		if err := c.Run(ctx); err != nil {
			report.Status = "unhealthy"
			report.Checks[c.Name] = err.Error()
			continue
		}
		report.Checks[c.Name] = "ok"
	}
	return report
}

// HealthHandler pings the pool and runs the extra checks. Any failure
// answers 503.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	all := append([]Check{{Name: "database", Run: pool.Ping}}, checks...)
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		report := runChecks(ctx, all)
		report.Pool = GetPoolStats(pool)
		if report.Status != "healthy" {
			return c.JSON(http.StatusServiceUnavailable, report)
		}
		return c.JSON(http.StatusOK, report)
	}
}
