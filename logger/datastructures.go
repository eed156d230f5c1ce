package logger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// AllLevels lists the levels from least to most severe.
var AllLevels = [...]Level{Debug, Info, Warn, Error}

var levelNames = [...]struct{ long, short string }{
	Debug: {"debug", "DEBG"},
	Info:  {"info", "INFO"},
	Warn:  {"warn", "WARN"},
	Error: {"error", "ERRO"},
}

func (l Level) valid() bool { return l >= Debug && l <= Error }

// Short is the fixed-width form used in human-readable output.
func (l Level) Short() string {
	if !l.valid() {
		return fmt.Sprintf("L%03d", int(l))
	}
	return levelNames[l].short
}

func (l Level) String() string {
	if !l.valid() {
		return fmt.Sprintf("unknown level %d", int(l))
	}
	return levelNames[l].long
}

func ParseLevel(s string) (Level, error) {
	for _, l := range AllLevels {
		if s == levelNames[l].long {
			return l, nil
		}
	}
	return -1, errors.Errorf("unknown level '%s'", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(input []byte) (err error) {
	var s string
	if err = json.Unmarshal(input, &s); err != nil {
		return err
	}
	*l, err = ParseLevel(s)
	return err
}

type Fields map[string]interface{}

type Entry struct {
	Level   Level
	Message string
	Time    time.Time
	Fields  Fields
}

// An Outlet writes log entries to some destination.
type Outlet interface {
	// WriteEntry must not block for long: the Logger waits for all
	// outlets before the log call returns.
	// Errors are reported on os.Stderr.
	WriteEntry(entry Entry) error
}

// Outlets maps each level to the outlets receiving entries of that level.
type Outlets struct {
	mtx     sync.RWMutex
	byLevel [len(AllLevels)][]Outlet
}

func NewOutlets() *Outlets {
	return &Outlets{}
}

// Add registers outlet for minLevel and every more severe level.
func (os *Outlets) Add(outlet Outlet, minLevel Level) {
	if !minLevel.valid() {
		panic(fmt.Sprintf("invalid log level %d", int(minLevel)))
	}
	os.mtx.Lock()
	defer os.mtx.Unlock()
	for l := minLevel; l <= Error; l++ {
		os.byLevel[l] = append(os.byLevel[l], outlet)
	}
}

func (os *Outlets) Get(level Level) []Outlet {
	if !level.valid() {
		return nil
	}
	os.mtx.RLock()
	defer os.mtx.RUnlock()
	return os.byLevel[level]
}

// Clone returns a copy that can be extended without affecting os.
func (os *Outlets) Clone() *Outlets {
	os.mtx.RLock()
	defer os.mtx.RUnlock()
	c := NewOutlets()
	for l := range os.byLevel {
		c.byLevel[l] = append([]Outlet(nil), os.byLevel[l]...)
	}
	return c
}
