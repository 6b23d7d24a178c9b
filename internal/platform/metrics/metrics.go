// Package metrics holds the domain-level Prometheus collectors shared by the
// compliance jobs. HTTP metrics live in the middleware package.
package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RetentionActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_retention_actions_total",
			Help: "Retention schedule actions taken, by action",
		},
		[]string{"action"},
	)

	IncidentsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_incidents_detected_total",
			Help: "Security incidents opened by the automatic detector, by rule",
		},
		[]string{"rule"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_notifications_total",
			Help: "Outbound notifications, by template and result",
		},
		[]string{"template", "result"},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "compliance_outbox_publish_total",
			Help: "Outbox events relayed to the broker, by result",
		},
		[]string{"result"},
	)

	DataRequestsOverdue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "compliance_data_requests_overdue",
			Help: "Open LGPD data subject requests past their due date at the last check",
		},
	)
)

// Result label values.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Result maps an error to a result label.
func Result(err error) string {
	if err != nil {
		return ResultFailed
	}
	return ResultOK
}

// RegisterPoolCollector exposes connection pool occupancy as gauges.
func RegisterPoolCollector(reg prometheus.Registerer, pool *pgxpool.Pool) error {
	gauges := map[string]func() float64{
		"compliance_db_pool_acquired_conns": func() float64 { return float64(pool.Stat().AcquiredConns()) },
		"compliance_db_pool_idle_conns":     func() float64 { return float64(pool.Stat().IdleConns()) },
		"compliance_db_pool_total_conns":    func() float64 { return float64(pool.Stat().TotalConns()) },
	}
	for name, fn := range gauges {
		g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: "pgx pool " + name[len("compliance_db_pool_"):]}, fn)
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
