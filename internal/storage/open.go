package storage

import (
	"fmt"
	"strings"

	logx "guardbot/pkg/logx"
)

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"":        func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"memory":  func(Config, logx.Logger) (Store, error) { return NewMemory(), nil },
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open returns the store selected by cfg.Driver.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
