package consensus

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LeafHeight      prometheus.Gauge
	CommittedHeight prometheus.Gauge
	Epoch           prometheus.Gauge
	BlocksCommitted prometheus.Counter
	Proposals       prometheus.Counter
	VotesSent       prometheus.Counter
	QCsFormed       *prometheus.CounterVec
	Timeouts        prometheus.Counter
	PledgeConflicts prometheus.Counter
	Dropped         *prometheus.CounterVec
	Blacklisted     prometheus.Counter
	SyncedBlocks    prometheus.Counter
	ParkedBlocks    prometheus.Gauge
}

// NewMetrics registers the engine's collectors on reg. A nil reg yields
// working but unregistered collectors.
func NewMetrics(reg prometheus.Registerer, group string) *Metrics {
	labels := prometheus.Labels{"shard_group": group}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "hypershard", Subsystem: "consensus", Name: name, Help: help, ConstLabels: labels})
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: "hypershard", Subsystem: "consensus", Name: name, Help: help, ConstLabels: labels})
	}
	m := &Metrics{
		LeafHeight:      gauge("leaf_height", "Height of the highest processed block."),
		CommittedHeight: gauge("committed_height", "Height of the last committed block."),
		Epoch:           gauge("epoch", "Current epoch."),
		BlocksCommitted: counter("blocks_committed_total", "Blocks committed."),
		Proposals:       counter("proposals_total", "Blocks proposed by this node."),
		VotesSent:       counter("votes_sent_total", "Votes sent by this node."),
		QCsFormed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypershard", Subsystem: "consensus", Name: "qcs_formed_total", Help: "Quorum certificates formed.", ConstLabels: labels,
		}, []string{"decision"}),
		Timeouts:        counter("view_timeouts_total", "Pacemaker timeouts."),
		PledgeConflicts: counter("pledge_conflicts_total", "Transactions deferred by a pledge conflict."),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypershard", Subsystem: "consensus", Name: "dropped_messages_total", Help: "Messages dropped, by error class.", ConstLabels: labels,
		}, []string{"class"}),
		Blacklisted:  counter("blacklisted_peers_total", "Peers blacklisted for repeated faults."),
		SyncedBlocks: counter("synced_blocks_total", "Blocks applied from sync streams."),
		ParkedBlocks: gauge("parked_blocks", "Proposals waiting on missing data."),
	}
	if reg != nil {
		reg.MustRegister(m.LeafHeight, m.CommittedHeight, m.Epoch, m.BlocksCommitted, m.Proposals, m.VotesSent,
			m.QCsFormed, m.Timeouts, m.PledgeConflicts, m.Dropped, m.Blacklisted, m.SyncedBlocks, m.ParkedBlocks)
	}
	return m
}
