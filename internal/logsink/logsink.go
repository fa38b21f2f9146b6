// Package logsink turns operator log lines into log entries on the bus
package logsink

import (
	"fmt"
	"time"

	"github.com/practable/envmon/internal/bus"
	"github.com/practable/envmon/internal/models"
	"github.com/sirupsen/logrus"
)

// DefaultLevels are the levels published unless others are given
var DefaultLevels = []logrus.Level{
	logrus.PanicLevel,
	logrus.FatalLevel,
	logrus.ErrorLevel,
	logrus.WarnLevel,
	logrus.InfoLevel,
}

// Hook publishes each fired entry as a LogEntry
type Hook struct {
	bus    *bus.Bus
	levels []logrus.Level
}

// New returns a Hook publishing to b at the given levels
func New(b *bus.Bus, levels ...logrus.Level) *Hook {

	if len(levels) == 0 {
		levels = DefaultLevels
	}

	return &Hook{
		bus:    b,
		levels: levels,
	}
}

// Levels implements logrus.Hook
func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

// Fire implements logrus.Hook
func (h *Hook) Fire(e *logrus.Entry) error {

	t := e.Time
	if t.IsZero() {
		t = time.Now()
	}

	bus.Publish(h.bus, models.LogEntries, models.LogEntry{
		Message:   Format(e),
		CreatedAt: t,
	})

	return nil
}

// Format renders e as a single line for operators, prefixed with its
// component and level
func Format(e *logrus.Entry) string {

	level := "INFO"

	switch {
	case e.Level <= logrus.ErrorLevel:
		level = "ERROR"
	case e.Level == logrus.WarnLevel:
		level = "WARN"
	case e.Level >= logrus.DebugLevel:
		level = "DEBUG"
	}

	if component, ok := e.Data["component"]; ok {
		return fmt.Sprintf("[%s] [%v] %s", level, component, e.Message)
	}

	return fmt.Sprintf("[%s] %s", level, e.Message)
}

// NewLogger returns a logger writing where parent writes, with the same
// level and formatter, that also publishes its entries to b. Handlers for
// log entries must not log through it.
func NewLogger(parent *logrus.Logger, b *bus.Bus, levels ...logrus.Level) *logrus.Logger {

	l := logrus.New()
	l.SetOutput(parent.Out)
	l.SetFormatter(parent.Formatter)
	l.SetLevel(parent.GetLevel())
	l.SetReportCaller(parent.ReportCaller)
	l.AddHook(New(b, levels...))

	return l
}
