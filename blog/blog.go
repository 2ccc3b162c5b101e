// Package blog is a small structured-logging facade modeled on boulder's
// own blog package (see web/context.go: blog.Logger, th.log.AuditErrf, and
// web/context_test.go: blog.UseMock()). It is intentionally not a wrapper
// around a third-party logging library: boulder doesn't use one for this
// concern either, so neither do we.
package blog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"

	"github.com/jmhodges/clock"
)

// Logger is the structured logging interface used throughout the proxy
// core. AuditErr/AuditErrf mark lines that must survive log rotation and
// retention policies (e.g. failed exchanges); AuditObject JSON-marshals a
// value after a human-readable prefix, matching ca.go's
// log.AuditObject("Signing cert", logEvent) usage.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errf(format string, args ...interface{})
	AuditErr(msg string)
	AuditErrf(format string, args ...interface{})
	AuditObject(msg string, obj interface{})
}

// impl writes level-prefixed "LEVEL: message" lines to an io.Writer. It
// holds a clock.Clock, but the lines it writes carry no timestamp.
type impl struct {
	mu  sync.Mutex
	w   io.Writer
	clk clock.Clock
}

// New returns a Logger writing to w, using clk for any timestamped output.
func New(w io.Writer, clk clock.Clock) Logger {
	return &impl{w: w, clk: clk}
}

// StdoutLogger returns a Logger writing to os.Stdout using the real clock.
func StdoutLogger() Logger {
	return New(os.Stdout, clock.New())
}

func (l *impl) writeLine(level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "%s: %s\n", level, fmt.Sprintf(format, args...))
}

func (l *impl) Debugf(format string, args ...interface{})   { l.writeLine("DEBUG", format, args...) }
func (l *impl) Infof(format string, args ...interface{})    { l.writeLine("INFO", format, args...) }
func (l *impl) Warningf(format string, args ...interface{}) { l.writeLine("WARNING", format, args...) }
func (l *impl) Errf(format string, args ...interface{})     { l.writeLine("ERR", format, args...) }
func (l *impl) AuditErr(msg string)                         { l.writeLine("ERR", "%s", msg) }
func (l *impl) AuditErrf(format string, args ...interface{}) {
	l.writeLine("ERR", format, args...)
}

func (l *impl) AuditObject(msg string, obj interface{}) {
	jsonBytes, err := json.Marshal(obj)
	if err != nil {
		l.AuditErrf("failed to marshal audit object for %q: %s", msg, err)
		return
	}
	l.writeLine("INFO", "%s JSON=%s", msg, string(jsonBytes))
}

// Mock is an in-memory Logger for tests, mirroring blog.UseMock() /
// mockLog.GetAllMatching(...) as used in web/context_test.go.
type Mock struct {
	mu    sync.Mutex
	lines []string
}

// UseMock returns a fresh in-memory mock logger.
func UseMock() *Mock {
	return &Mock{}
}

func (m *Mock) append(level, format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, fmt.Sprintf("%s: %s", level, fmt.Sprintf(format, args...)))
}

func (m *Mock) Debugf(format string, args ...interface{})    { m.append("DEBUG", format, args...) }
func (m *Mock) Infof(format string, args ...interface{})     { m.append("INFO", format, args...) }
func (m *Mock) Warningf(format string, args ...interface{})  { m.append("WARNING", format, args...) }
func (m *Mock) Errf(format string, args ...interface{})      { m.append("ERR", format, args...) }
func (m *Mock) AuditErr(msg string)                          { m.append("ERR", "%s", msg) }
func (m *Mock) AuditErrf(format string, args ...interface{}) { m.append("ERR", format, args...) }

func (m *Mock) AuditObject(msg string, obj interface{}) {
	jsonBytes, err := json.Marshal(obj)
	if err != nil {
		m.AuditErrf("failed to marshal audit object for %q: %s", msg, err)
		return
	}
	m.append("INFO", "%s JSON=%s", msg, string(jsonBytes))
}

// GetAllMatching returns every logged line (across all levels) matching the
// given regexp, matching web/context_test.go's usage pattern.
func (m *Mock) GetAllMatching(reg string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	re := regexp.MustCompile(reg)
	var out []string
	for _, line := range m.lines {
		if re.MatchString(line) {
			out = append(out, line)
		}
	}
	return out
}

// Clear discards all buffered lines.
func (m *Mock) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = nil
}
