package nlog

import (
	"fmt"

	"github.com/golang/glog"
)

// Logger is the handle threaded into driver/resample/reweight
// constructors. It is never a package-level global: each SimLoop owns one
// and hands it down, mirroring the same "no process-wide singleton"
// discipline applied to cmn.Config.
type Logger struct {
	diagnostics *ring
}

// New returns a Logger with room for capacity recent diagnostic lines.
func New(capacity int) *Logger {
	return &Logger{diagnostics: newRing(capacity)}
}

func (l *Logger) Infof(format string, args ...any)  { glog.Infof(format, args...) }
func (l *Logger) Warningf(format string, args ...any) { glog.Warningf(format, args...) }
func (l *Logger) Errorf(format string, args ...any)  { glog.Errorf(format, args...) }

// Diagnostic logs a warning-level line AND records it in the ring buffer.
// Used for conditions that are recovered locally (spec §7: e.g.
// ReweightingRejected) where an operator should still be able to find out
// what happened without grepping logs.
func (l *Logger) Diagnostic(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	glog.Warning(line)
	l.diagnostics.push(line)
}

// RecentDiagnostics returns the buffered diagnostic lines, oldest first.
func (l *Logger) RecentDiagnostics() []string { return l.diagnostics.recent() }
