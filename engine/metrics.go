package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mergeRecomputations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_merge_recomputations_total",
		Help: "Merged thread recomputations across all open sessions.",
	})

	mergeFeedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_feed_errors_total",
		Help: "Non-fatal conversation feed failures, by direction.",
	}, []string{"direction"})

	reconcileBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconcile_batches_total",
		Help: "Mark-read batch writes, by outcome.",
	}, []string{"status"})

	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Send attempts, by outcome.",
	}, []string{"status"})

	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_open_sessions",
		Help: "Currently open conversation sessions.",
	})

	unreadWatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_unread_watches",
		Help: "Currently open unread aggregate watches.",
	})
)
