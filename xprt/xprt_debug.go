package xprt

import (
	"fmt"
	"os"

	"github.com/zrepl/xprt/util/envconst"
)

var debugEnabled = envconst.Bool("XPRT_DEBUG", false)

//nolint[:deadcode,unused]
func debug(format string, args ...interface{}) {
	if debugEnabled {
		fmt.Fprintf(os.Stderr, "xprt: %s\n", fmt.Sprintf(format, args...))
	}
}
