package storage

import (
	"errors"
	"strings"

	logx "tweetsched/pkg/logx"
)

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		be  backend
		err error
	)
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "file":
		be, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		be, err = openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	return &store{be: be, log: log}, nil
}
