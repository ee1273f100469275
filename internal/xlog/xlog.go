// Package xlog provides the category-structured logging used across the
// mssql client. Five categories mirror the natural phases of a driver's
// life: System (pool/connection lifecycle), Execution (batch/RPC
// dispatch), Application (caller-facing API events), Audit
// (authentication and session-state changes), and Performance (timing).
//
// Each category is an independent *logrus.Entry so a caller can route,
// filter, or silence one category without touching the others.
package xlog

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Category identifies which subsystem emitted a log entry.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryExecution   Category = "execution"
	CategoryApplication Category = "application"
	CategoryAudit       Category = "audit"
	CategoryPerformance Category = "performance"
)

// Logger is a set of per-category logrus entries sharing one base
// logger's output and formatter.
type Logger struct {
	mu         sync.RWMutex
	base       *logrus.Logger
	categories map[Category]*logrus.Entry
}

// New builds a Logger on top of base, pre-creating an entry for each
// known Category.
func New(base *logrus.Logger) *Logger {
	if base == nil {
		base = logrus.New()
	}
	l := &Logger{base: base, categories: make(map[Category]*logrus.Entry)}
	for _, c := range []Category{CategorySystem, CategoryExecution, CategoryApplication, CategoryAudit, CategoryPerformance} {
		l.categories[c] = base.WithField("category", string(c))
	}
	return l
}

// NewDefault builds a Logger with logrus's default text formatter
// writing to stderr, as the mssql package uses when the caller supplies
// no logger of its own.
func NewDefault() *Logger {
	base := logrus.New()
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return New(base)
}

// For returns the entry for category, creating one on first use if the
// caller added a category this package doesn't predefine.
func (l *Logger) For(category Category) *logrus.Entry {
	l.mu.RLock()
	e, ok := l.categories[category]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.categories[category]; ok {
		return e
	}
	e = l.base.WithField("category", string(category))
	l.categories[category] = e
	return e
}

// System returns the System-category entry.
func (l *Logger) System() *logrus.Entry { return l.For(CategorySystem) }

// Execution returns the Execution-category entry.
func (l *Logger) Execution() *logrus.Entry { return l.For(CategoryExecution) }

// Application returns the Application-category entry.
func (l *Logger) Application() *logrus.Entry { return l.For(CategoryApplication) }

// Audit returns the Audit-category entry.
func (l *Logger) Audit() *logrus.Entry { return l.For(CategoryAudit) }

// Performance returns the Performance-category entry.
func (l *Logger) Performance() *logrus.Entry { return l.For(CategoryPerformance) }

// RedactedAuditFields builds the field set for a LOGIN7 audit entry.
// Password and ChangePassword are deliberately excluded: this is the
// only place a LOGIN7 payload is turned into log fields, and it exists
// so no caller can accidentally wire the raw struct into a log call.
func RedactedAuditFields(serverName, database, userName, appName string, useTLS bool) logrus.Fields {
	return logrus.Fields{
		"server":   serverName,
		"database": database,
		"user":     userName,
		"app":      appName,
		"tls":      useTLS,
	}
}
