package metrics

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedSize int

func (f fixedSize) Len() int { return int(f) }

type stubCounter struct {
	n   int64
	err error
}

func (s stubCounter) Count(context.Context) (int64, error) { return s.n, s.err }

func gaugeValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			for _, l := range m.GetLabel() {
				name += "/" + l.GetValue()
			}
			values[name] = m.GetGauge().GetValue()
		}
	}
	return values
}

func TestRegisterStateGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStateGauges(reg, StateSources{
		Drivers:   fixedSize(3),
		Trucks:    fixedSize(2),
		Times:     fixedSize(1),
		Positions: fixedSize(0),
		Ledger:    fixedSize(7),
	}))

	values := gaugeValues(t, reg)
	assert.Equal(t, map[string]float64{
		"fleet_merger_store_entries/drivers":             3,
		"fleet_merger_store_entries/trucks":              2,
		"fleet_merger_store_entries/time_aggregates":     1,
		"fleet_merger_store_entries/position_aggregates": 0,
		"fleet_merger_ledger_entries/memory":             7,
	}, values)
}

func TestRegisterStateGauges_SkipsNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStateGauges(reg, StateSources{Drivers: fixedSize(1)}))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Len(t, families[0].GetMetric(), 1)
}

func TestRegisterStateGauges_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStateGauges(reg, StateSources{Ledger: fixedSize(1)}))
	assert.Error(t, RegisterStateGauges(reg, StateSources{Ledger: fixedSize(1)}))
}

func TestRegisterStateGauges_DurableLedger(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStateGauges(reg, StateSources{DurableLedger: stubCounter{n: 42}}))
	assert.Equal(t, map[string]float64{"fleet_merger_ledger_entries/postgres": 42}, gaugeValues(t, reg))
}

func TestRegisterStateGauges_DurableLedgerError(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterStateGauges(reg, StateSources{DurableLedger: stubCounter{err: errors.New("db down")}}))
	assert.True(t, math.IsNaN(gaugeValues(t, reg)["fleet_merger_ledger_entries/postgres"]))
}
