package storage

import (
	logx "duoshe/pkg/logx"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const defaultPath = "./data/schedule.json"

// Open initializes the configured store.
//
// A sqlite database that is not readable as a database at all is moved
// aside (<path>.corrupt-<unix>) and a fresh one is created, so a damaged
// state file never prevents startup.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultPath
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log)
		if err == nil || !errors.Is(err, ErrCorruptState) {
			return st, err
		}
		aside := fmt.Sprintf("%s.corrupt-%d", cfg.Path, time.Now().Unix())
		log.Warn("schedule database unreadable; starting fresh",
			logx.String("path", cfg.Path), logx.String("moved_to", aside), logx.Err(err))
		if rerr := os.Rename(cfg.Path, aside); rerr != nil {
			return nil, fmt.Errorf("quarantine %s: %w", cfg.Path, rerr)
		}
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
