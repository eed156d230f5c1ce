package xprt

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	Sends             *prometheus.CounterVec
	Retransmits       *prometheus.CounterVec
	BadXIDs           *prometheus.CounterVec
	MinorTimeouts     *prometheus.CounterVec
	MajorTimeouts     *prometheus.CounterVec
	Connects          *prometheus.CounterVec
	ConnectFailures   *prometheus.CounterVec
	ForcedDisconnects *prometheus.CounterVec
	RoundTripSeconds  *prometheus.HistogramVec
	CongestionWindow  *prometheus.GaugeVec
}

func init() {
	prom.Sends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "sends",
		Help:      "Number of completely sent requests, including retransmissions",
	}, []string{"transport"})
	prom.Retransmits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "retransmits",
		Help:      "Number of retransmitted requests",
	}, []string{"transport"})
	prom.BadXIDs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "bad_xids",
		Help:      "Number of replies that matched no pending request",
	}, []string{"transport"})
	prom.MinorTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "minor_timeouts",
		Help:      "Number of expired retransmit timers",
	}, []string{"transport"})
	prom.MajorTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "major_timeouts",
		Help:      "Number of requests that timed out",
	}, []string{"transport"})
	prom.Connects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "connects",
		Help:      "Number of successful connection attempts",
	}, []string{"transport"})
	prom.ConnectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "connect_failures",
		Help:      "Number of failed connection attempts",
	}, []string{"transport"})
	prom.ForcedDisconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "forced_disconnects",
		Help:      "Number of connections torn down because of an error or an explicit request",
	}, []string{"transport"})
	prom.RoundTripSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "round_trip_seconds",
		Help:      "Seconds from the last transmission of a request until its reply arrived",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"transport"})
	prom.CongestionWindow = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "xprt",
		Subsystem: "transport",
		Name:      "congestion_window",
		Help:      "Current congestion window in requests",
	}, []string{"transport"})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	if err := registry.Register(prom.Sends); err != nil {
		return err
	}
	if err := registry.Register(prom.Retransmits); err != nil {
		return err
	}
	if err := registry.Register(prom.BadXIDs); err != nil {
		return err
	}
	if err := registry.Register(prom.MinorTimeouts); err != nil {
		return err
	}
	if err := registry.Register(prom.MajorTimeouts); err != nil {
		return err
	}
	if err := registry.Register(prom.Connects); err != nil {
		return err
	}
	if err := registry.Register(prom.ConnectFailures); err != nil {
		return err
	}
	if err := registry.Register(prom.ForcedDisconnects); err != nil {
		return err
	}
	if err := registry.Register(prom.RoundTripSeconds); err != nil {
		return err
	}
	if err := registry.Register(prom.CongestionWindow); err != nil {
		return err
	}
	return nil
}

// metrics are the per-transport children of prom.
type metrics struct {
	sends, retransmits, badXIDs             prometheus.Counter
	minorTimeouts, majorTimeouts            prometheus.Counter
	connects, connectFailures, forcedDiscon prometheus.Counter
	roundTrip                               prometheus.Observer
	cwnd                                    prometheus.Gauge
}

func newMetrics(name string) metrics {
	return metrics{
		sends:           prom.Sends.WithLabelValues(name),
		retransmits:     prom.Retransmits.WithLabelValues(name),
		badXIDs:         prom.BadXIDs.WithLabelValues(name),
		minorTimeouts:   prom.MinorTimeouts.WithLabelValues(name),
		majorTimeouts:   prom.MajorTimeouts.WithLabelValues(name),
		connects:        prom.Connects.WithLabelValues(name),
		connectFailures: prom.ConnectFailures.WithLabelValues(name),
		forcedDiscon:    prom.ForcedDisconnects.WithLabelValues(name),
		roundTrip:       prom.RoundTripSeconds.WithLabelValues(name),
		cwnd:            prom.CongestionWindow.WithLabelValues(name),
	}
}
