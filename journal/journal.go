// Package journal keeps an append-only record of mode transitions and
// dispatched commands in a SQLite database.
package journal

import (
	"database/sql"
	"embed"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jd3nn1s/skimmer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// NewRunID returns a fresh identifier for one run of the navigator.
func NewRunID() string {
	return uuid.NewString()
}

type CommandRecord struct {
	At       time.Time
	Envelope skimmer.CommandEnvelope
	Reason   string
}

type entry struct {
	transition *skimmer.Transition
	command    *CommandRecord
}

// Journal writes on its own goroutine. Record calls never block: when the
// buffer is full the entry is dropped and counted.
type Journal struct {
	db    *sql.DB
	runID string

	mu      sync.RWMutex
	closed  bool
	entries chan entry
	dropped uint64
	wg      sync.WaitGroup
}

// Open opens or creates the database at path, migrates it and registers
// runID as a new run started at startedAt.
func Open(path, runID string, buffer int, startedAt time.Time) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open journal %s", path)
	}
	db.SetMaxOpenConns(1)
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`, runID, startedAt.UnixNano()); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "unable to record run %s", runID)
	}
	if buffer <= 0 {
		buffer = 1
	}
	j := &Journal{
		db:      db,
		runID:   runID,
		entries: make(chan entry, buffer),
	}
	j.wg.Add(1)
	go j.write()
	log.WithFields(log.Fields{"path": path, "run": runID}).Info("journal opened")
	return j, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "unable to load journal migrations")
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "unable to create sqlite migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "unable to create migrate instance")
	}
	// closing m would close db
	m.Log = &migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "journal migration failed")
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Debugf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

func (j *Journal) RunID() string {
	return j.runID
}

// Tick implements skimmer.Observer.
func (j *Journal) Tick(v skimmer.TickView) {
	for i := range v.Transitions {
		j.RecordTransition(v.Transitions[i])
	}
	if v.Dispatched {
		j.RecordCommand(CommandRecord{At: v.Time, Envelope: v.Envelope, Reason: string(v.Decision.Reason)})
	}
}

func (j *Journal) RecordTransition(tr skimmer.Transition) {
	j.record(entry{transition: &tr})
}

func (j *Journal) RecordCommand(rec CommandRecord) {
	j.record(entry{command: &rec})
}

func (j *Journal) record(e entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		atomic.AddUint64(&j.dropped, 1)
		return
	}
	select {
	case j.entries <- e:
	default:
		if n := atomic.AddUint64(&j.dropped, 1); n == 1 || n%100 == 0 {
			log.WithField("dropped", n).Warn("journal full, dropping entries")
		}
	}
}

// Dropped is the number of entries lost to a full buffer or a closed journal.
func (j *Journal) Dropped() uint64 {
	return atomic.LoadUint64(&j.dropped)
}

func (j *Journal) write() {
	defer j.wg.Done()
	for e := range j.entries {
		var err error
		switch {
		case e.transition != nil:
			tr := e.transition
			_, err = j.db.Exec(
				`INSERT INTO mode_transitions (run_id, at, from_mode, to_mode, reason) VALUES (?, ?, ?, ?, ?)`,
				j.runID, tr.At.UnixNano(), tr.From.String(), tr.To.String(), tr.Reason)
		case e.command != nil:
			c := e.command
			_, err = j.db.Exec(
				`INSERT INTO commands (run_id, at, seq, heading, speed, mode, reason) VALUES (?, ?, ?, ?, ?, ?, ?)`,
				j.runID, c.At.UnixNano(), int64(c.Envelope.Seq), c.Envelope.Heading, c.Envelope.Speed,
				c.Envelope.Mode.String(), c.Reason)
		}
		if err != nil {
			log.WithField("err", err).Error("unable to write journal entry")
		}
	}
}

// Close flushes buffered entries and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.entries)
	j.mu.Unlock()
	j.wg.Wait()
	return j.db.Close()
}
