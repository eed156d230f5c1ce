package logger

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

type stderrLoggerOutlet struct{}

func (stderrLoggerOutlet) WriteEntry(entry Entry) error {
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	fmt.Fprintf(os.Stderr, "%s [%s] %s%s\n",
		entry.Time.Format("15:04:05.000000"), entry.Level.Short(), entry.Message, b.String())
	return nil
}

// NewStderrDebugLogger is intended for tests and ad-hoc tools.
func NewStderrDebugLogger() Logger {
	outlets := NewOutlets()
	outlets.Add(&stderrLoggerOutlet{}, Debug)
	return NewLogger(outlets, 0)
}
