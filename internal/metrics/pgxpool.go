package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterPgxPoolMetrics exposes connection pool statistics as gauges.
func RegisterPgxPoolMetrics(pool *pgxpool.Pool) {
	gauges := []struct {
		name string
		help string
		stat func(*pgxpool.Stat) float64
	}{
		{"pgxpool_acquired_conns", "Connections currently checked out of the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }},
		{"pgxpool_idle_conns", "Idle connections held by the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }},
		{"pgxpool_total_conns", "Total connections owned by the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }},
		{"pgxpool_max_conns", "Configured pool connection ceiling",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }},
	}
	for _, g := range gauges {
		stat := g.stat
		prometheus.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return stat(pool.Stat()) },
		))
	}
}
