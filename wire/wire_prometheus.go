package wire

import "github.com/prometheus/client_golang/prometheus"

var prom struct {
	FramesReceived  *prometheus.CounterVec
	FramesUnmatched *prometheus.CounterVec
	BytesReceived   *prometheus.CounterVec
	BytesSent       *prometheus.CounterVec
	SendTimeouts    *prometheus.CounterVec
	DialErrors      *prometheus.CounterVec
	ServerRequests  prometheus.Counter
	ServerReplies   prometheus.Counter
	ServerDropped   prometheus.Counter
}

func init() {
	prom.FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "frames_received",
		Help:      "Number of reply frames received",
	}, []string{"wire"})
	prom.FramesUnmatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "frames_unmatched",
		Help:      "Number of reply frames for which no request was waiting",
	}, []string{"wire"})
	prom.BytesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "bytes_received",
		Help:      "Number of bytes received, including frame headers",
	}, []string{"wire"})
	prom.BytesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "bytes_sent",
		Help:      "Number of bytes sent, including frame headers",
	}, []string{"wire"})
	prom.SendTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "send_timeouts",
		Help:      "Number of sends that hit the write deadline",
	}, []string{"wire"})
	prom.DialErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire",
		Name:      "dial_errors",
		Help:      "Number of failed connection attempts",
	}, []string{"wire"})
	prom.ServerRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire_server",
		Name:      "requests",
		Help:      "Number of request frames received by the frame server",
	})
	prom.ServerReplies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire_server",
		Name:      "replies",
		Help:      "Number of reply frames written by the frame server",
	})
	prom.ServerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xprt",
		Subsystem: "wire_server",
		Name:      "dropped",
		Help:      "Number of requests the frame server did not answer",
	})
}

func PrometheusRegister(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prom.FramesReceived,
		prom.FramesUnmatched,
		prom.BytesReceived,
		prom.BytesSent,
		prom.SendTimeouts,
		prom.DialErrors,
		prom.ServerRequests,
		prom.ServerReplies,
		prom.ServerDropped,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

type metrics struct {
	framesReceived  prometheus.Counter
	framesUnmatched prometheus.Counter
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	sendTimeouts    prometheus.Counter
	dialErrors      prometheus.Counter
}

func newMetrics(name string) metrics {
	return metrics{
		framesReceived:  prom.FramesReceived.WithLabelValues(name),
		framesUnmatched: prom.FramesUnmatched.WithLabelValues(name),
		bytesReceived:   prom.BytesReceived.WithLabelValues(name),
		bytesSent:       prom.BytesSent.WithLabelValues(name),
		sendTimeouts:    prom.SendTimeouts.WithLabelValues(name),
		dialErrors:      prom.DialErrors.WithLabelValues(name),
	}
}
