// Package metrics wraps the Prometheus collectors the consensus engine
// exposes: elections, votes, replication traffic, and the term/commit-index
// gauges an operator watches during a leadership change.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics implements consensus.Recorder.
type Metrics struct {
	electionsStarted      prometheus.Counter
	votesGranted          prometheus.Counter
	leaderChanges         prometheus.Counter
	appendEntriesSent     prometheus.Counter
	appendEntriesReceived prometheus.Counter
	term                  prometheus.Gauge
	commitIndex           prometheus.Gauge
}

// New constructs and registers every collector against reg.
func New(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node": nodeID}
	m := &Metrics{
		electionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "elections_started_total",
			Help: "Number of elections this node has started.", ConstLabels: labels,
		}),
		votesGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "votes_granted_total",
			Help: "Number of votes this node has granted.", ConstLabels: labels,
		}),
		leaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "leader_changes_total",
			Help: "Number of times this node has become leader.", ConstLabels: labels,
		}),
		appendEntriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "append_entries_sent_total",
			Help: "Number of AppendEntries messages sent.", ConstLabels: labels,
		}),
		appendEntriesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "append_entries_received_total",
			Help: "Number of AppendEntries messages received.", ConstLabels: labels,
		}),
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "current_term",
			Help: "This node's current term.", ConstLabels: labels,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "concordkv", Subsystem: "consensus", Name: "commit_index",
			Help: "This node's commit index.", ConstLabels: labels,
		}),
	}

	for _, c := range []prometheus.Collector{
		m.electionsStarted, m.votesGranted, m.leaderChanges,
		m.appendEntriesSent, m.appendEntriesReceived, m.term, m.commitIndex,
	} {
		_ = reg.Register(c)
	}
	return m
}

func (m *Metrics) ElectionStarted()        { m.electionsStarted.Inc() }
func (m *Metrics) VoteGranted()            { m.votesGranted.Inc() }
func (m *Metrics) LeaderChanged()          { m.leaderChanges.Inc() }
func (m *Metrics) AppendEntriesSent()      { m.appendEntriesSent.Inc() }
func (m *Metrics) AppendEntriesReceived()  { m.appendEntriesReceived.Inc() }
func (m *Metrics) SetTerm(v uint64)        { m.term.Set(float64(v)) }
func (m *Metrics) SetCommitIndex(v uint64) { m.commitIndex.Set(float64(v)) }
