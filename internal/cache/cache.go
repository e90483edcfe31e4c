// Package cache keeps parsed-transcript statistics in a small SQLite
// database so repeated listings do not re-parse large transcripts. Entries
// are keyed by path and invalidated by size+mtime.
package cache

import (
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawmem/internal/memerr"
	"github.com/nextlevelbuilder/clawmem/internal/transcript"
)

// Stats are the cached per-transcript numbers.
type Stats struct {
	Messages int
	Tokens   int
}

// StatsCache is the on-disk statistics cache.
type StatsCache struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS transcript_stats (
	path     TEXT PRIMARY KEY,
	size     INTEGER NOT NULL,
	mtime_ns INTEGER NOT NULL,
	messages INTEGER NOT NULL,
	tokens   INTEGER NOT NULL
);`

// Open creates or opens the cache database.
func Open(path string) (*StatsCache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
			"create cache dir for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
			"open stats cache %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
			"initialize stats cache")
	}
	return &StatsCache{db: db}, nil
}

func (c *StatsCache) Close() error { return c.db.Close() }

// Get returns cached stats when the file has not changed since they were
// recorded.
func (c *StatsCache) Get(path string) (Stats, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Stats{}, false
	}
	var (
		size, mtime int64
		st          Stats
	)
	row := c.db.QueryRow(
		`SELECT size, mtime_ns, messages, tokens FROM transcript_stats WHERE path = ?`, path)
	if err := row.Scan(&size, &mtime, &st.Messages, &st.Tokens); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			slog.Debug("stats cache read failed", "path", path, "error", err)
		}
		return Stats{}, false
	}
	if size != info.Size() || mtime != info.ModTime().UnixNano() {
		return Stats{}, false
	}
	return st, true
}

// Put records stats against the file's current size and mtime.
func (c *StatsCache) Put(path string, st Stats) error {
	info, err := os.Stat(path)
	if err != nil {
		return memerr.Wrap(err, memerr.KindNotFound, memerr.CodeFileNotFound, "stat %s", path)
	}
	_, err = c.db.Exec(
		`INSERT INTO transcript_stats (path, size, mtime_ns, messages, tokens)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		   size = excluded.size, mtime_ns = excluded.mtime_ns,
		   messages = excluded.messages, tokens = excluded.tokens`,
		path, info.Size(), info.ModTime().UnixNano(), st.Messages, st.Tokens)
	if err != nil {
		return memerr.Wrap(err, memerr.KindInternal, memerr.CodeFilesystemError,
			"update stats cache for %s", path)
	}
	return nil
}

// StatsFor returns transcript stats, parsing only on a cache miss.
func (c *StatsCache) StatsFor(parser transcript.Parser, path string) (Stats, error) {
	if st, ok := c.Get(path); ok {
		return st, nil
	}
	tr, err := parser.Parse(path)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Messages: len(tr.Messages), Tokens: tr.TotalTokens()}
	if err := c.Put(path, st); err != nil {
		slog.Debug("could not cache transcript stats", "path", path, "error", err)
	}
	return st, nil
}
