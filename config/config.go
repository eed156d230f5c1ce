package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"github.com/zrepl/yaml-config"
)

type Config struct {
	Transport *TransportConfig `yaml:"transport"`
	Serve     *ServeEnum       `yaml:"serve,optional"`
	Global    *Global          `yaml:"global,optional,fromdefaults"`
}

type TransportConfig struct {
	Name        string           `yaml:"name,optional,default=xprt"`
	Connect     ConnectEnum      `yaml:"connect"`
	Slots       *SlotsConfig     `yaml:"slots,optional,fromdefaults"`
	Timeout     *TimeoutConfig   `yaml:"timeout,optional,fromdefaults"`
	IdleTimeout *Duration        `yaml:"idle_timeout,optional"`
	Reconnect   *ReconnectConfig `yaml:"reconnect,optional,fromdefaults"`
	// Upper bound for the payload of a single received frame.
	MaxFrameSize uint32        `yaml:"max_frame_size,optional,default=16777216"`
	SendTimeout  time.Duration `yaml:"send_timeout,optional,positive,default=10s"`
}

// DefaultIdleTimeout applies if idle_timeout is not set. A value of 0 in the
// config file disables idle disconnect.
const DefaultIdleTimeout = 5 * time.Minute

func (t *TransportConfig) IdleTimeoutOrDefault() time.Duration {
	if t.IdleTimeout == nil {
		return DefaultIdleTimeout
	}
	return t.IdleTimeout.Duration()
}

type SlotsConfig struct {
	Min int `yaml:"min,optional,default=2"`
	Max int `yaml:"max,optional,default=64"`
}

type TimeoutConfig struct {
	Initial     time.Duration `yaml:"initial,optional,positive,default=1s"`
	Max         time.Duration `yaml:"max,optional,positive,default=60s"`
	Increment   time.Duration `yaml:"increment,optional,default=1s"`
	Retries     int           `yaml:"retries,optional,default=5"`
	Exponential bool          `yaml:"exponential,optional,default=true"`
	RTT         bool          `yaml:"rtt,optional,default=true"`
	ResetRTT    bool          `yaml:"reset_rtt_on_major_timeout,optional,default=true"`
}

type ReconnectConfig struct {
	Min    time.Duration `yaml:"min,optional,positive,default=500ms"`
	Max    time.Duration `yaml:"max,optional,positive,default=30s"`
	Factor float64       `yaml:"factor,optional,default=2"`
	Jitter bool          `yaml:"jitter,optional,default=true"`
}

type LoggingOutletEnumList []LoggingOutletEnum

func (l *LoggingOutletEnumList) SetDefault() {
	def := `
type: "stdout"
time: true
level: "warn"
format: "human"
`
	s := &StdoutLoggingOutlet{}
	err := yaml.UnmarshalStrict([]byte(def), s)
	if err != nil {
		panic(err)
	}
	*l = []LoggingOutletEnum{{Ret: s}}
}

var _ yaml.Defaulter = &LoggingOutletEnumList{}

type Global struct {
	Logging    *LoggingOutletEnumList `yaml:"logging,optional,fromdefaults"`
	Monitoring []MonitoringEnum       `yaml:"monitoring,optional"`
}

func Default(i interface{}) {
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr {
		panic(v)
	}
	y := `{}`
	err := yaml.Unmarshal([]byte(y), v.Interface())
	if err != nil {
		panic(err)
	}
}

type ConnectEnum struct {
	Ret interface{}
}

type ConnectCommon struct {
	Type string `yaml:"type"`
}

type TCPConnect struct {
	ConnectCommon `yaml:",inline"`
	Address       string        `yaml:"address"`
	DialTimeout   time.Duration `yaml:"dial_timeout,optional,positive,default=10s"`
}

type LocalConnect struct {
	ConnectCommon `yaml:",inline"`
	ListenerName  string        `yaml:"listener_name"`
	DialTimeout   time.Duration `yaml:"dial_timeout,optional,positive,default=2s"`
}

type ServeEnum struct {
	Ret interface{}
}

type ServeCommon struct {
	Type string `yaml:"type"`
	// Upper bound for requests handled concurrently.
	MaxConcurrency int64 `yaml:"max_concurrency,optional,default=256"`
}

type TCPServe struct {
	ServeCommon    `yaml:",inline"`
	Listen         string `yaml:"listen"`
	ListenFreeBind bool   `yaml:"listen_freebind,optional,default=false"`
}

type LocalServe struct {
	ServeCommon  `yaml:",inline"`
	ListenerName string `yaml:"listener_name"`
}

type LoggingOutletEnum struct {
	Ret interface{}
}

type LoggingOutletCommon struct {
	Type   string `yaml:"type"`
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StdoutLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Time                bool `yaml:"time,default=true"`
	Color               bool `yaml:"color,default=true"`
}

type SyslogLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	RetryInterval       time.Duration `yaml:"retry_interval,positive,default=10s"`
}

type TCPLoggingOutlet struct {
	LoggingOutletCommon `yaml:",inline"`
	Address             string               `yaml:"address"`
	Net                 string               `yaml:"net,default=tcp"`
	RetryInterval       time.Duration        `yaml:"retry_interval,positive,default=10s"`
	TLS                 *TCPLoggingOutletTLS `yaml:"tls,optional"`
}

type TCPLoggingOutletTLS struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type MonitoringEnum struct {
	Ret interface{}
}

type PrometheusMonitoring struct {
	Type   string `yaml:"type"`
	Listen string `yaml:"listen"`
}

func enumUnmarshal(u func(interface{}, bool) error, types map[string]interface{}) (interface{}, error) {
	var in struct {
		Type string
	}
	if err := u(&in, true); err != nil {
		return nil, err
	}
	if in.Type == "" {
		return nil, &yaml.TypeError{Errors: []string{"must specify type"}}
	}

	v, ok := types[in.Type]
	if !ok {
		return nil, &yaml.TypeError{Errors: []string{fmt.Sprintf("invalid type name %q", in.Type)}}
	}
	if err := u(v, false); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *ConnectEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"tcp":   &TCPConnect{},
		"local": &LocalConnect{},
	})
	return
}

func (t *ServeEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"tcp":   &TCPServe{},
		"local": &LocalServe{},
	})
	return
}

func (t *LoggingOutletEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"stdout": &StdoutLoggingOutlet{},
		"syslog": &SyslogLoggingOutlet{},
		"tcp":    &TCPLoggingOutlet{},
	})
	return
}

func (t *MonitoringEnum) UnmarshalYAML(u func(interface{}, bool) error) (err error) {
	t.Ret, err = enumUnmarshal(u, map[string]interface{}{
		"prometheus": &PrometheusMonitoring{},
	})
	return
}

var ConfigFileDefaultLocations = []string{
	"/etc/xprt/xprt.yml",
	"/usr/local/etc/xprt/xprt.yml",
}

func ParseConfig(path string) (i *Config, err error) {

	if path == "" {
		// Try default locations
		for _, l := range ConfigFileDefaultLocations {
			stat, statErr := os.Stat(l)
			if statErr != nil {
				continue
			}
			if !stat.Mode().IsRegular() {
				err = errors.Errorf("file at default location is not a regular file: %s", l)
				return
			}
			path = l
			break
		}
	}
	if path == "" {
		return nil, errors.Errorf("no config file found in default locations %v", ConfigFileDefaultLocations)
	}

	var bytes []byte

	if bytes, err = os.ReadFile(path); err != nil {
		return
	}

	return ParseConfigBytes(bytes)
}

func ParseConfigBytes(bytes []byte) (*Config, error) {
	var c *Config
	if err := yaml.UnmarshalStrict(bytes, &c); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("config is empty or only consists of comments")
	}
	if c.Transport == nil {
		return nil, fmt.Errorf("config must contain a 'transport' section")
	}
	if c.Transport.Slots.Min < 1 || c.Transport.Slots.Max < c.Transport.Slots.Min {
		return nil, errors.Errorf("invalid slot bounds: min=%d max=%d", c.Transport.Slots.Min, c.Transport.Slots.Max)
	}
	if c.Transport.Timeout.Max < c.Transport.Timeout.Initial {
		return nil, errors.Errorf("timeout.max (%s) must not be less than timeout.initial (%s)",
			c.Transport.Timeout.Max, c.Transport.Timeout.Initial)
	}
	if c.Transport.Reconnect.Max < c.Transport.Reconnect.Min {
		return nil, errors.Errorf("reconnect.max (%s) must not be less than reconnect.min (%s)",
			c.Transport.Reconnect.Max, c.Transport.Reconnect.Min)
	}
	return c, nil
}
