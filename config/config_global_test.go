package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testValidGlobalSection(t *testing.T, s string) *Config {
	transportdef := `
transport:
  connect:
    type: tcp
    address: "10.0.0.1:8888"
`
	_, err := ParseConfigBytes([]byte(transportdef))
	require.NoError(t, err)
	return testValidConfig(t, s+transportdef)
}

func TestOutletTypes(t *testing.T) {
	conf := testValidGlobalSection(t, `
global:
  logging:
  - type: stdout
    level: debug
    format: human
  - type: syslog
    level: info
    retry_interval: 20s
    format: human
  - type: tcp
    level: debug
    format: json
    address: logserver.example.com:1234
  - type: tcp
    level: debug
    format: json
    address: encryptedlogserver.example.com:1234
    retry_interval: 20s
    tls:
      ca: /etc/xprt/log/ca.crt
      cert: /etc/xprt/log/cert.pem
      key: /etc/xprt/log/key.pem
`)
	assert.Equal(t, 4, len(*conf.Global.Logging))
	assert.NotNil(t, (*conf.Global.Logging)[3].Ret.(*TCPLoggingOutlet).TLS)
	assert.Nil(t, (*conf.Global.Logging)[2].Ret.(*TCPLoggingOutlet).TLS)
}

func TestDefaultLoggingOutlet(t *testing.T) {
	conf := testValidGlobalSection(t, "")
	assert.Equal(t, 1, len(*conf.Global.Logging))
	o := (*conf.Global.Logging)[0].Ret.(*StdoutLoggingOutlet)
	assert.Equal(t, "warn", o.Level)
	assert.Equal(t, "human", o.Format)
}

func TestPrometheusMonitoring(t *testing.T) {
	conf := testValidGlobalSection(t, `
global:
  monitoring:
    - type: prometheus
      listen: ':9091'
`)
	assert.Equal(t, ":9091", conf.Global.Monitoring[0].Ret.(*PrometheusMonitoring).Listen)
}

func TestLoggingOutletUnknownType(t *testing.T) {
	_, err := testConfig(t, `
transport:
  connect:
    type: tcp
    address: "10.0.0.1:8888"
global:
  logging:
  - type: carrier_pigeon
    level: debug
    format: human
`)
	assert.Error(t, err)
}
