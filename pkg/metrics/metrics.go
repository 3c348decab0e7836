// Package metrics exposes the in-memory state of the merger as Prometheus
// gauges. The values are read from the stores at scrape time.
package metrics

import (
	"context"
	"math"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fleet_merger"

// Sizer reports the number of entries a store holds.
type Sizer interface {
	Len() int
}

// Counter reports the number of rows a durable store holds. It is queried
// at scrape time and must bound its own latency.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// StateSources are the stores observed by the state gauges. Nil entries are
// skipped.
type StateSources struct {
	Drivers   Sizer
	Trucks    Sizer
	Times     Sizer
	Positions Sizer
	// Ledger is the in-memory emitted-session ledger.
	Ledger Sizer
	// DurableLedger is the database-backed emitted-session ledger.
	DurableLedger Counter
}

const ledgerHelp = "Number of emitted sessions remembered by the session ledger."

// RegisterStateGauges registers one gauge per store on reg: a
// fleet_merger_store_entries gauge labeled by store, plus
// fleet_merger_ledger_entries labeled by ledger kind when a ledger is given.
func RegisterStateGauges(reg prometheus.Registerer, src StateSources) error {
	stores := []struct {
		name  string
		sizer Sizer
	}{
		{"drivers", src.Drivers},
		{"trucks", src.Trucks},
		{"time_aggregates", src.Times},
		{"position_aggregates", src.Positions},
	}

	for _, s := range stores {
		if s.sizer == nil {
			continue
		}
		sizer := s.sizer
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "store_entries",
			Help:        "Number of entries held by an entity store.",
			ConstLabels: prometheus.Labels{"store": s.name},
		}, func() float64 { return float64(sizer.Len()) })
		if err := reg.Register(gauge); err != nil {
			return err
		}
	}

	if src.Ledger != nil {
		ledger := src.Ledger
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ledger_entries",
			Help:        ledgerHelp,
			ConstLabels: prometheus.Labels{"kind": "memory"},
		}, func() float64 { return float64(ledger.Len()) })
		if err := reg.Register(gauge); err != nil {
			return err
		}
	}

	if src.DurableLedger != nil {
		ledger := src.DurableLedger
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "ledger_entries",
			Help:        ledgerHelp,
			ConstLabels: prometheus.Labels{"kind": "postgres"},
		}, func() float64 {
			n, err := ledger.Count(context.Background())
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		})
		if err := reg.Register(gauge); err != nil {
			return err
		}
	}

	return nil
}
