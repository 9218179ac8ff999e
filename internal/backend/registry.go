package backend

import (
	"fmt"

	"github.com/hongkongkiwi/dbsnap/internal/config"
)

// Constructor builds a fresh, unopened Backend instance.
type Constructor func() Backend

// registry maps an engine tag to its Backend constructor. It is extensible:
// a caller embedding dbsnap as a library
// can Register a third engine under its own tag without touching this
// package.
var registry = map[config.Engine]Constructor{
	config.EnginePostgres: func() Backend { return NewPostgresBackend() },
	config.EngineSQLite:   func() Backend { return NewSQLiteBackend() },
}

// Register adds or replaces the constructor for engine. It is safe to call
// from an init() in a separate package to plug in an additional backend.
func Register(engine config.Engine, ctor Constructor) {
	registry[engine] = ctor
}

// New resolves engine to a fresh Backend, or an error naming the engine if
// nothing is registered for it.
func New(engine config.Engine) (Backend, error) {
	ctor, ok := registry[engine]
	if !ok {
		return nil, fmt.Errorf("no backend registered for engine %q", engine)
	}
	return ctor(), nil
}

// Supported lists every currently registered engine tag.
func Supported() []config.Engine {
	engines := make([]config.Engine, 0, len(registry))
	for e := range registry {
		engines = append(engines, e)
	}
	return engines
}
