package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusObserver_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	o.SessionOpened("10.0.0.1")
	o.SessionClosed("10.0.0.1", 2*time.Second)
	o.MessageAccepted(1024)
	o.MessageRejected(550)
	o.MessageRejected(451)
	o.SpamScored(42.5)

	require.Equal(t, float64(1), testutil.ToFloat64(o.sessionsOpened))
	require.Equal(t, float64(1), testutil.ToFloat64(o.sessionsClosed))
	require.Equal(t, float64(1), testutil.ToFloat64(o.messagesAccepted))
	require.Equal(t, float64(1024), testutil.ToFloat64(o.messageBytes))
	require.Equal(t, float64(1), testutil.ToFloat64(o.messagesRejected.WithLabelValues("5xx")))
	require.Equal(t, float64(1), testutil.ToFloat64(o.messagesRejected.WithLabelValues("4xx")))
}

func TestNewPrometheusObserver_DuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	_, err = NewPrometheusObserver(reg)
	require.Error(t, err)
}

func TestSetClusterState(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := NewPrometheusObserver(reg)
	require.NoError(t, err)

	o.SetClusterState("leader", true, 7)
	require.Equal(t, float64(1), testutil.ToFloat64(o.clusterNodeState.WithLabelValues("leader")))
	require.Equal(t, float64(1), testutil.ToFloat64(o.clusterIsLeader))
	require.Equal(t, float64(7), testutil.ToFloat64(o.clusterTerm))

	o.SetClusterState("follower", false, 8)
	require.Equal(t, float64(0), testutil.ToFloat64(o.clusterNodeState.WithLabelValues("leader")))
	require.Equal(t, float64(1), testutil.ToFloat64(o.clusterNodeState.WithLabelValues("follower")))
	require.Equal(t, float64(0), testutil.ToFloat64(o.clusterIsLeader))
}

func TestCodeLabel(t *testing.T) {
	require.Equal(t, "5xx", codeLabel(550))
	require.Equal(t, "4xx", codeLabel(451))
	require.Equal(t, "other", codeLabel(250))
}
