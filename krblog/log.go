// Package krblog provides logging with areas and verbosity control for KDC
// components. Output goes through go-hclog with a named sub-logger per area.
package krblog

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Area identifies different logging areas for filtering.
type Area int

const (
	AreaGeneral Area = iota
	AreaCodec
	AreaCrypto
	AreaPreauth
	AreaKDC
	AreaNet
	AreaStore

	areaCount
)

var areaNames = [areaCount]string{
	AreaGeneral: "general",
	AreaCodec:   "codec",
	AreaCrypto:  "crypto",
	AreaPreauth: "preauth",
	AreaKDC:     "kdc",
	AreaNet:     "net",
	AreaStore:   "store",
}

func (a Area) String() string {
	if a < 0 || a >= areaCount {
		return fmt.Sprintf("area(%d)", int(a))
	}
	return areaNames[a]
}

// ParseArea returns the area with the given name.
func ParseArea(name string) (Area, error) {
	for i, n := range areaNames {
		if strings.EqualFold(n, name) {
			return Area(i), nil
		}
	}
	return 0, fmt.Errorf("krblog: unknown area %q", name)
}

// Verbosity levels.
const (
	LevelError = iota
	LevelInfo
	LevelDebug
	LevelTrace
)

// Logger provides logging with areas and verbosity control.
//
// A nil *Logger is valid and discards everything. Configure verbosity and
// areas before the logger is shared between goroutines.
type Logger struct {
	base      hclog.Logger
	named     [areaCount]hclog.Logger
	verbosity int
	areas     map[Area]bool // nil means all areas enabled
}

// New creates a new logger writing to output. If output is nil, logging is
// disabled.
func New(output io.Writer) *Logger {
	if output == nil {
		return nil
	}
	return NewHCLog(hclog.New(&hclog.LoggerOptions{
		Name:       "gokdc",
		Output:     output,
		Level:      hclog.Trace,
		TimeFormat: "2006/01/02 15:04:05",
	}))
}

// NewHCLog wraps an existing hclog logger. Verbosity filtering happens
// here; the level of l still applies on top.
func NewHCLog(l hclog.Logger) *Logger {
	if l == nil {
		return nil
	}
	lg := &Logger{
		base:      l,
		verbosity: LevelInfo,
	}
	for i := range lg.named {
		lg.named[i] = l.Named(areaNames[i])
	}
	return lg
}

// SetVerbosity sets the verbosity level (0-3).
func (l *Logger) SetVerbosity(level int) {
	if l == nil {
		return
	}
	l.verbosity = level
}

// Verbosity returns the current verbosity level.
func (l *Logger) Verbosity() int {
	if l == nil {
		return -1
	}
	return l.verbosity
}

// EnableArea enables logging for a specific area. Once any area is
// enabled, only enabled areas are logged.
func (l *Logger) EnableArea(area Area) {
	if l == nil {
		return
	}
	if l.areas == nil {
		l.areas = make(map[Area]bool)
	}
	l.areas[area] = true
}

// DisableArea disables logging for a specific area.
func (l *Logger) DisableArea(area Area) {
	if l == nil || l.areas == nil {
		return
	}
	delete(l.areas, area)
}

// Enabled reports whether a message for area at level would be written.
func (l *Logger) Enabled(area Area, level int) bool {
	if l == nil || l.base == nil {
		return false
	}
	if level > l.verbosity {
		return false
	}
	if l.areas != nil && !l.areas[area] {
		return false
	}
	return true
}

func (l *Logger) log(area Area, level int, format string, args ...any) {
	if !l.Enabled(area, level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	h := l.base
	if area >= 0 && area < areaCount {
		h = l.named[area]
	}
	switch level {
	case LevelError:
		h.Error(msg)
	case LevelInfo:
		h.Info(msg)
	case LevelDebug:
		h.Debug(msg)
	default:
		h.Trace(msg)
	}
}

// Errorf logs a message that is written at every verbosity.
func (l *Logger) Errorf(area Area, format string, args ...any) {
	l.log(area, LevelError, format, args...)
}

// Printf logs a general message at info level.
func (l *Logger) Printf(area Area, format string, args ...any) {
	l.log(area, LevelInfo, format, args...)
}

// Debugf logs a debug message.
func (l *Logger) Debugf(area Area, format string, args ...any) {
	l.log(area, LevelDebug, format, args...)
}

// Tracef logs a trace message (most verbose).
func (l *Logger) Tracef(area Area, format string, args ...any) {
	l.log(area, LevelTrace, format, args...)
}

// Fatalf logs and exits.
func (l *Logger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if l != nil && l.base != nil {
		l.base.Error("FATAL: " + msg)
	} else {
		fmt.Fprintln(os.Stderr, "FATAL: "+msg)
	}
	os.Exit(1)
}
