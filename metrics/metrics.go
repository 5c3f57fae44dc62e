// Package metrics defines collectors instrumenting the persistence layer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys are exported primarily for documentation reasons.
const (
	ChangesPersistedTotalKey      = "inkwell_changes_persisted_total"
	CompactionsTotalKey           = "inkwell_compactions_total"
	FlushedBytesTotalKey          = "inkwell_flushed_bytes_total"
	FlushFailuresTotalKey         = "inkwell_flush_failures_total"
	SyncMessagesTotalKey          = "inkwell_sync_messages_total"
	ReclaimedChangesBytesTotalKey = "inkwell_reclaimed_changes_bytes_total"

	Generate = "generate"
	Receive  = "receive"
)

// Collectors for persistence metrics.
var (
	ChangesPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ChangesPersistedTotalKey,
		Help: "Cumulative number of change records inserted into a persister.",
	})
	CompactionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: CompactionsTotalKey,
		Help: "Cumulative number of document compactions.",
	})
	FlushedBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: FlushedBytesTotalKey,
		Help: "Cumulative number of bytes physically written by flushes.",
	})
	FlushFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: FlushFailuresTotalKey,
		Help: "Cumulative number of failed flushes.",
	})
	SyncMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SyncMessagesTotalKey,
		Help: "Cumulative number of sync messages generated and received.",
	}, []string{"direction"})
	ReclaimedChangesBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReclaimedChangesBytesTotalKey,
		Help: "Cumulative number of change-log bytes reclaimed by compaction.",
	})
)

// DocumentCollectors lists collectors used by the document layer.
func DocumentCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		ChangesPersistedTotal,
		CompactionsTotal,
		FlushedBytesTotal,
		FlushFailuresTotal,
		SyncMessagesTotal,
		ReclaimedChangesBytesTotal,
	}
}
