package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	xprtVersion string // set by build infrastructure
)

type XprtVersionInformation struct {
	Version         string
	RuntimeGo       string
	RuntimeGOOS     string
	RuntimeGOARCH   string
	RUNTIMECompiler string
}

func NewXprtVersionInformation() *XprtVersionInformation {
	v := xprtVersion
	if v == "" {
		v = "dev"
	}
	return &XprtVersionInformation{
		Version:         v,
		RuntimeGo:       runtime.Version(),
		RuntimeGOOS:     runtime.GOOS,
		RuntimeGOARCH:   runtime.GOARCH,
		RUNTIMECompiler: runtime.Compiler,
	}
}

func (i *XprtVersionInformation) String() string {
	return fmt.Sprintf("xprt version=%s go=%s GOOS=%s GOARCH=%s Compiler=%s",
		i.Version, i.RuntimeGo, i.RuntimeGOOS, i.RuntimeGOARCH, i.RUNTIMECompiler)
}

var prometheusMetric = prometheus.NewUntypedFunc(
	prometheus.UntypedOpts{
		Namespace: "xprt",
		Subsystem: "version",
		Name:      "build",
		Help:      "xprt build version",
		ConstLabels: map[string]string{
			"raw":          xprtVersion,
			"version_info": NewXprtVersionInformation().String(),
		},
	},
	func() float64 { return 1 },
)

func PrometheusRegister(r prometheus.Registerer) {
	r.MustRegister(prometheusMetric)
}
