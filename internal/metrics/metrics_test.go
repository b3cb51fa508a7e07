package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ExecTotal.WithLabelValues("greet", "ok").Inc()
	m.AuditDropped.Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExecTotal.WithLabelValues("greet", "ok")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["helix_skill_exec_total"])
	assert.True(t, names["helix_audit_dropped_total"])
}

func TestOrNopIsIndependent(t *testing.T) {
	a := OrNop(nil)
	b := OrNop(nil)
	a.Promotions.WithLabelValues("x").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Promotions.WithLabelValues("x")))
}
