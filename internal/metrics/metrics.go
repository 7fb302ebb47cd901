// Package metrics exposes the server's ambient prometheus collectors.
// None of these affect command semantics; they are strictly observability.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server registers. A nil *Metrics is
// valid: every method below is a no-op on nil.
type Metrics struct {
	ReplicationLogBytes   prometheus.Gauge
	ConnectedReplicas     prometheus.Gauge
	CommandsTotal         *prometheus.CounterVec
	ReplicaLastAckOffset  *prometheus.GaugeVec
}

// New creates and registers every collector against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReplicationLogBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goredis_replication_log_bytes",
			Help: "Bytes appended to the master's in-memory replication log.",
		}),
		ConnectedReplicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "goredis_connected_replicas",
			Help: "Number of replicas currently attached to this master.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "goredis_commands_total",
			Help: "Commands processed, labeled by command name.",
		}, []string{"command"}),
		ReplicaLastAckOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "goredis_replica_last_ack_offset",
			Help: "Last replication offset acknowledged by each replica.",
		}, []string{"replica"}),
	}

	reg.MustRegister(m.ReplicationLogBytes, m.ConnectedReplicas, m.CommandsTotal, m.ReplicaLastAckOffset)
	return m
}

// SetReplicationLogBytes records the master's current log_bytes counter.
func (m *Metrics) SetReplicationLogBytes(n int64) {
	if m == nil {
		return
	}
	m.ReplicationLogBytes.Set(float64(n))
}

// SetConnectedReplicas records how many replicas are currently attached.
func (m *Metrics) SetConnectedReplicas(n int) {
	if m == nil {
		return
	}
	m.ConnectedReplicas.Set(float64(n))
}

// ObserveCommand increments the per-command counter.
func (m *Metrics) ObserveCommand(name string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(name).Inc()
}

// SetReplicaAckOffset records the latest ack a given replica has reported.
func (m *Metrics) SetReplicaAckOffset(replicaID string, offset int64) {
	if m == nil {
		return
	}
	m.ReplicaLastAckOffset.WithLabelValues(replicaID).Set(float64(offset))
}
