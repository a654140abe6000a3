package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitledger_sync_attempts_total",
		Help: "Submission attempts against the authoritative store.",
	})
	syncSynced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitledger_sync_synced_total",
		Help: "Entries durably applied, including idempotent duplicates.",
	})
	syncFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitledger_sync_failures_total",
		Help: "Retryable submission failures.",
	})
	syncConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitledger_sync_conflicts_total",
		Help: "Entries parked after a definitive rejection.",
	})
)
