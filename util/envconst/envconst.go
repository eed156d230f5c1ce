// Package envconst reads tuning constants from environment variables.
//
// Values are parsed once and cached for the lifetime of the process.
// A value that cannot be parsed is a configuration defect and panics.
package envconst

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

var cache sync.Map

func lookup[T any](varname string, def T, parse func(string) (T, error)) T {
	if v, ok := cache.Load(varname); ok {
		return v.(T)
	}
	e := os.Getenv(varname)
	if e == "" {
		return def
	}
	v, err := parse(e)
	if err != nil {
		panic(fmt.Sprintf("envconst: cannot parse %s=%q: %s", varname, e, err))
	}
	cache.Store(varname, v)
	return v
}

func Duration(varname string, def time.Duration) time.Duration {
	return lookup(varname, def, time.ParseDuration)
}

func Int(varname string, def int) int {
	return lookup(varname, def, strconv.Atoi)
}

func Bool(varname string, def bool) bool {
	return lookup(varname, def, strconv.ParseBool)
}

func String(varname string, def string) string {
	return lookup(varname, def, func(s string) (string, error) { return s, nil })
}
