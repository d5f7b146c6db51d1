package log

import (
	"fmt"
	"log/syslog"
	"regexp"
	"sync"
)

// NewMock returns a logger that stores messages for inspection by
// tests instead of sending them anywhere.
func NewMock() *Mock {
	return &Mock{impl{&mockWriter{}}}
}

// UseMock installs a Mock as the package singleton and returns it.
func UseMock() *Mock {
	m := NewMock()
	_ = Set(m)
	return m
}

// Mock is a Logger that remembers everything logged through it.
type Mock struct {
	impl
}

var levelName = map[syslog.Priority]string{
	syslog.LOG_ERR:     "ERR",
	syslog.LOG_WARNING: "WARNING",
	syslog.LOG_INFO:    "INFO",
	syslog.LOG_DEBUG:   "DEBUG",
}

type mockWriter struct {
	mu     sync.Mutex
	logged []string
}

func (w *mockWriter) logAtLevel(p syslog.Priority, msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logged = append(w.logged, fmt.Sprintf("%s: %s", levelName[p&7], msg))
}

// GetAll returns all messages logged since instantiation or the last
// call to Clear, each prefixed with its level name.
func (m *Mock) GetAll() []string {
	w := m.w.(*mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string{}, w.logged...)
}

// GetAllMatching returns logged messages matching the regexp.
func (m *Mock) GetAllMatching(reString string) []string {
	re := regexp.MustCompile(reString)
	var matches []string
	for _, line := range m.GetAll() {
		if re.MatchString(line) {
			matches = append(matches, line)
		}
	}
	return matches
}

// Clear discards all stored messages.
func (m *Mock) Clear() {
	w := m.w.(*mockWriter)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logged = nil
}
