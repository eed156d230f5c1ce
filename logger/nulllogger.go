package logger

// Discard drops everything logged to it.
var Discard Logger = discardLogger{}

type discardLogger struct{}

// NewNullLogger returns Discard.
func NewNullLogger() Logger { return Discard }

func (d discardLogger) WithOutlet(Outlet, Level) Logger         { return d }
func (d discardLogger) ReplaceField(string, interface{}) Logger { return d }
func (d discardLogger) WithField(string, interface{}) Logger    { return d }
func (d discardLogger) WithFields(Fields) Logger                { return d }
func (d discardLogger) WithError(error) Logger                  { return d }
func (discardLogger) Log(Level, string)                         {}
func (discardLogger) Debug(string)                              {}
func (discardLogger) Info(string)                               {}
func (discardLogger) Warn(string)                               {}
func (discardLogger) Error(string)                              {}
func (discardLogger) Printf(string, ...interface{})             {}
