// Package metrics implements the Observer contract using
// github.com/prometheus/client_golang, grounded on the teacher's
// ProcessExplorerMetrics/ActivityMonitorMetrics GaugeVec-registration
// pattern in daemon/maintenance/perfmetrics.go, generalized from
// process-activity gauges to session/message/spam/cluster gauges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Label names shared across postguard's registered metrics.
const (
	labelRemoteIP = "remote_ip"
)

// PrometheusObserver implements session.Observer by publishing
// counters/gauges/histograms to a prometheus registry; SetClusterState
// additionally publishes the local node's cluster state.
type PrometheusObserver struct {
	sessionsOpened   prometheus.Counter
	sessionsClosed   prometheus.Counter
	sessionDuration  prometheus.Histogram
	messagesAccepted prometheus.Counter
	messagesRejected *prometheus.CounterVec
	spamScore        prometheus.Histogram
	messageBytes     prometheus.Counter

	clusterNodeState *prometheus.GaugeVec
	clusterIsLeader  prometheus.Gauge
	clusterTerm      prometheus.Gauge
}

// NewPrometheusObserver constructs and registers all postguard metrics with
// reg. Pass prometheus.DefaultRegisterer to publish on the default handler.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	o := &PrometheusObserver{
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postguard_sessions_opened_total", Help: "Total number of accepted TCP connections.",
		}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postguard_sessions_closed_total", Help: "Total number of closed SMTP sessions.",
		}),
		sessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "postguard_session_duration_seconds", Help: "Duration of SMTP sessions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		messagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postguard_messages_accepted_total", Help: "Total number of messages accepted for delivery.",
		}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postguard_messages_rejected_total", Help: "Total number of rejected messages, by SMTP reply code.",
		}, []string{"code"}),
		spamScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "postguard_spam_score", Help: "Weighted anti-spam score distribution.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		messageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postguard_message_bytes_total", Help: "Total bytes of accepted message bodies.",
		}),
		clusterNodeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "postguard_cluster_node_state", Help: "1 if the local node is currently in the given state.",
		}, []string{"state"}),
		clusterIsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postguard_cluster_is_leader", Help: "1 if the local node currently believes it is the cluster leader.",
		}),
		clusterTerm: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postguard_cluster_term", Help: "The local node's current leader-election term.",
		}),
	}
	for _, c := range []prometheus.Collector{
		o.sessionsOpened, o.sessionsClosed, o.sessionDuration, o.messagesAccepted,
		o.messagesRejected, o.spamScore, o.messageBytes,
		o.clusterNodeState, o.clusterIsLeader, o.clusterTerm,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// SessionOpened implements session.Observer.
func (o *PrometheusObserver) SessionOpened(string) { o.sessionsOpened.Inc() }

// SessionClosed implements session.Observer.
func (o *PrometheusObserver) SessionClosed(_ string, dur time.Duration) {
	o.sessionsClosed.Inc()
	o.sessionDuration.Observe(dur.Seconds())
}

// MessageAccepted implements session.Observer.
func (o *PrometheusObserver) MessageAccepted(size int64) {
	o.messagesAccepted.Inc()
	o.messageBytes.Add(float64(size))
}

// MessageRejected implements session.Observer.
func (o *PrometheusObserver) MessageRejected(code int) {
	o.messagesRejected.WithLabelValues(codeLabel(code)).Inc()
}

// SpamScored implements session.Observer.
func (o *PrometheusObserver) SpamScored(score float64) { o.spamScore.Observe(score) }

// SetClusterState publishes the local node's cluster state as a one-hot
// GaugeVec and its current term/leadership flag.
func (o *PrometheusObserver) SetClusterState(state string, isLeader bool, term uint64) {
	o.clusterNodeState.Reset()
	o.clusterNodeState.WithLabelValues(state).Set(1)
	if isLeader {
		o.clusterIsLeader.Set(1)
	} else {
		o.clusterIsLeader.Set(0)
	}
	o.clusterTerm.Set(float64(term))
}

func codeLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "other"
	}
}
