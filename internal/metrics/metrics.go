package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BroadcastsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "broadcasts_accepted_total",
		Help:      "Broadcasts admitted by the verification pipeline.",
	})

	BroadcastsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "broadcasts_rejected_total",
		Help:      "Broadcasts rejected, by reason.",
	}, []string{"reason"})

	BroadcastsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "broadcasts_created_total",
		Help:      "Broadcasts minted and signed by this node.",
	})

	BroadcastsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "broadcasts_relayed_total",
		Help:      "Broadcasts re-flooded to peers.",
	})

	SpamReports = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "spam_reports_total",
		Help:      "Spam reports filed on this node.",
	})

	SendersBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "senders_blocked_total",
		Help:      "Senders blocked after crossing the spam threshold.",
	})

	GossipDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mesh_beacon",
		Name:      "gossip_dropped_total",
		Help:      "Gossip messages dropped before processing, by cause.",
	}, []string{"cause"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
