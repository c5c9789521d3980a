package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"

	"github.com/kozaktomas/shelf-matcher/internal/config"
)

// lockDatabaseFile takes an exclusive lock next to a SQLite database file so
// two CLI runs cannot interleave their writes. Other drivers return a nil lock.
func lockDatabaseFile(cfg config.DatabaseConfig) (*flock.Flock, error) {
	if !strings.EqualFold(cfg.Driver, "sqlite") {
		return nil, nil
	}
	path := strings.TrimPrefix(cfg.URL, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil, nil
	}

	lock := flock.New(path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another shelf-matcher run is using " + path)
	}
	return lock, nil
}

func unlock(lock *flock.Flock) {
	if lock != nil {
		_ = lock.Unlock()
	}
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
