package kvengine

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "kvengine"
	labelPath = "path"
	labelKind = "kind"
)

var (
	// ChangeSetApplied counts successfully applied change-sets by kind.
	ChangeSetApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_sets_applied",
	}, []string{labelPath, labelKind})
	// ChangeSetSkipped counts duplicated change-sets dropped by the
	// sequence check.
	ChangeSetSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "change_sets_skipped",
	}, []string{labelPath})
	// CompactionConflicted counts compactions discarded because they
	// raced with a structural change.
	CompactionConflicted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "compactions_conflicted",
	}, []string{labelPath})
	// EstimatedSize has the summed estimated size of all shards.
	EstimatedSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "estimated_size",
	}, []string{labelPath})
)

type MetricsSet struct {
	path                 string
	AppliedFlush         prometheus.Counter
	AppliedCompaction    prometheus.Counter
	AppliedSplitFiles    prometheus.Counter
	Skipped              prometheus.Counter
	CompactionConflicted prometheus.Counter
	EstimatedSize        prometheus.Gauge
}

func NewMetricsSet(path string) *MetricsSet {
	return &MetricsSet{
		path:                 path,
		AppliedFlush:         ChangeSetApplied.WithLabelValues(path, "flush"),
		AppliedCompaction:    ChangeSetApplied.WithLabelValues(path, "compaction"),
		AppliedSplitFiles:    ChangeSetApplied.WithLabelValues(path, "split_files"),
		Skipped:              ChangeSetSkipped.WithLabelValues(path),
		CompactionConflicted: CompactionConflicted.WithLabelValues(path),
		EstimatedSize:        EstimatedSize.WithLabelValues(path),
	}
}

// These variables are global and have cumulative values for all engines.
func init() {
	prometheus.MustRegister(ChangeSetApplied)
	prometheus.MustRegister(ChangeSetSkipped)
	prometheus.MustRegister(CompactionConflicted)
	prometheus.MustRegister(EstimatedSize)
}
