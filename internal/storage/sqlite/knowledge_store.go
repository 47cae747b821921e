// Package sqlite provides the embedded SQLite implementation of the
// knowledge store adapter.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/gergy/internal/logging"
	"github.com/scrypster/gergy/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// KnowledgeStore implements storage.KnowledgeStore using SQLite.
type KnowledgeStore struct {
	db     *sql.DB
	logger logrus.FieldLogger
	now    func() time.Time
}

var _ storage.KnowledgeStore = (*KnowledgeStore)(nil)

// NewKnowledgeStore opens the database at dsn and applies pending migrations.
// If the initial open fails due to stale WAL files left behind by a crashed
// process, it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func NewKnowledgeStore(dsn string, logger logrus.FieldLogger) (*KnowledgeStore, error) {
	logger = logging.OrDiscard(logger)

	store, err := openKnowledgeStore(dsn, logger)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath, logger)

	store, retryErr := openKnowledgeStore(dsn, logger)
	if retryErr != nil {
		return nil, fmt.Errorf("sqlite: failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	logger.WithField("path", dbPath).Warn("sqlite: recovered from stale WAL files")
	return store, nil
}

func openKnowledgeStore(dsn string, logger logrus.FieldLogger) (*KnowledgeStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	ctx := context.Background()
	mgr, err := storage.NewMigrationManager(ctx, db, migrationsFS, "migrations", storage.QuestionPlaceholder)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	applied, err := mgr.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	if applied > 0 {
		logger.WithField("applied", applied).Debug("sqlite: migrations applied")
	}

	return &KnowledgeStore{db: db, logger: logger, now: time.Now}, nil
}

// GetDB returns the underlying database connection.
func (s *KnowledgeStore) GetDB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *KnowledgeStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *KnowledgeStore) Close() error {
	return s.db.Close()
}

// utc normalises timestamps before they are written so that lexical ordering
// of the stored text matches chronological ordering.
func utc(t time.Time) time.Time {
	return t.UTC()
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError matches errors caused by stale WAL files after a
// crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale reports whether -shm/-wal files exist for dbPath and no process
// holds them open. Returns false when lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when nothing has the files open
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string, logger logrus.FieldLogger) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.WithError(err).WithField("path", path).Warn("sqlite: failed to remove stale WAL file")
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
