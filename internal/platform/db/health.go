package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const checkTimeout = 3 * time.Second

// Check is one dependency probed by the readiness endpoint.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
	// Details is optional and only reported when the probe succeeds.
	Details func() any
}

// PoolStats is the connection pool snapshot reported with the postgres check.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

// PoolCheck probes the database and reports pool usage.
func PoolCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name: "postgres",
		Ping: pool.Ping,
		Details: func() any {
			s := pool.Stat()
			return PoolStats{
				TotalConns:    s.TotalConns(),
				IdleConns:     s.IdleConns(),
				AcquiredConns: s.AcquiredConns(),
				MaxConns:      s.MaxConns(),
			}
		},
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

// HealthHandler runs every check and answers 503 if any of them fails.
func HealthHandler(checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		results := make(map[string]checkResult, len(checks))
		code := http.StatusOK

		for _, chk := range checks {
			ctx, cancel := context.WithTimeout(c.Request().Context(), checkTimeout)
			err := chk.Ping(ctx)
			cancel()

			if err != nil {
				code = http.StatusServiceUnavailable
				results[chk.Name] = checkResult{Status: "unhealthy", Error: err.Error()}
				continue
			}
			r := checkResult{Status: "healthy"}
			if chk.Details != nil {
				r.Details = chk.Details()
			}
			results[chk.Name] = r
		}

		status := "healthy"
		if code != http.StatusOK {
			status = "unhealthy"
		}
		return c.JSON(code, map[string]any{"status": status, "checks": results})
	}
}
