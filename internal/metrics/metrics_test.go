package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspectionsAreIndependent(t *testing.T) {
	a := NewInspection()
	b := NewInspection()

	a.NodeDropsTotal.WithLabelValues("tcp-stack").Inc()
	a.TCPFlows.WithLabelValues(VNI(1314)).Set(3)

	assert.Equal(t, 1.0, Value(a.NodeDropsTotal.WithLabelValues("tcp-stack")))
	assert.Equal(t, 0.0, Value(b.NodeDropsTotal.WithLabelValues("tcp-stack")))
	assert.Equal(t, 3.0, Value(a.TCPFlows.WithLabelValues("1314")))
}

func TestServerHandler(t *testing.T) {
	insp := NewInspection()
	insp.HopLimitDropsTotal.Inc()

	srv := NewServer(":0", "", insp)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "vswitch_hop_limit_drops_total 1")
}
