package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

// Duration is a non-negative duration written with a unit suffix
// (ms, s, m, h, d, w). "0" and "off" mean zero.
type Duration struct{ d time.Duration }

func (d Duration) Duration() time.Duration { return d.d }

var _ yaml.Unmarshaler = &Duration{}

func (d *Duration) UnmarshalYAML(unmarshal func(v interface{}, not_strict bool) error) error {
	var s string
	if err := unmarshal(&s, false); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return &yaml.TypeError{Errors: []string{fmt.Sprintf("cannot parse value %q: %s", s, err)}}
	}
	d.d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	if d.d == 0 {
		return "off", nil
	}
	for i := len(durationUnits) - 1; i >= 0; i-- {
		u := durationUnits[i]
		if d.d%u.unit == 0 {
			return strconv.FormatInt(int64(d.d/u.unit), 10) + u.suffix, nil
		}
	}
	return d.d.String(), nil
}

// ordered from smallest to largest
var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"ms", time.Millisecond},
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
}

var durationRegex = regexp.MustCompile(`^\s*(?:(off)|(\d+)\s*([a-z]*))\s*$`)

func parseDuration(s string) (time.Duration, error) {
	m := durationRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, errors.Errorf("must be 'off' or match %s", `<number><unit>`)
	}
	if m[1] == "off" {
		return 0, nil
	}
	n, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return 0, err
	}
	if m[3] == "" {
		if n != 0 {
			return 0, errors.New("missing time unit")
		}
		return 0, nil
	}
	for _, u := range durationUnits {
		if u.suffix == m[3] {
			return time.Duration(n) * u.unit, nil
		}
	}
	return 0, errors.Errorf("unknown time unit %q", m[3])
}
