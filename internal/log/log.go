// Package log centralizes the zap logger construction so every package gets
// a consistently named, structured sub-logger instead of ad-hoc log.Printf
// calls.
package log

import (
	"sync"

	"go.uber.org/zap"
)

var (
	once  sync.Once
	root  *zap.Logger
	rootE error
)

// Root returns the process-wide base logger, built lazily and once.
func Root() *zap.Logger {
	once.Do(func() {
		root, rootE = zap.NewProduction()
		if rootE != nil {
			root = zap.NewNop()
		}
	})
	return root
}

// SetRoot overrides the base logger, e.g. with a development logger or
// zap.NewNop().
func SetRoot(l *zap.Logger) {
	once.Do(func() {})
	root = l
}

// Named returns a sugared logger scoped to the given component name, e.g.
// log.Named("wire"), log.Named("storage").
func Named(component string) *zap.SugaredLogger {
	return Root().Named(component).Sugar()
}
