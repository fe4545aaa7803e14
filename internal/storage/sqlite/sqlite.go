package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"github.com/example/matrixci/internal/observability"
	"github.com/example/matrixci/internal/storage"
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// New creates a new SQLite storage instance.
func New(path string) (*SQLiteStorage, error) {
	return NewWithMetrics(path, nil)
}

// NewWithMetrics creates a SQLite storage instance that records transaction
// timings on the given metrics.
func NewWithMetrics(path string, metrics *observability.Metrics) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	// SQLite works best with a single connection for writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteStorage{db: db, metrics: metrics}, nil
}

// Begin starts a new transaction.
func (s *SQLiteStorage) Begin(ctx context.Context) (storage.UnitOfWork, error) {
	var timer *observability.Timer
	if s.metrics != nil {
		timer = s.metrics.DBTransactionBegin().Start()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.DBActiveTransactions().Inc()
	}
	return newUnitOfWork(tx, s.metrics), nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Migrate runs database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// unitOfWork implements the UnitOfWork interface.
type unitOfWork struct {
	tx      *sql.Tx
	metrics *observability.Metrics
	done    bool
	runs    *runRepo
	jobs    *jobRepo
}

func newUnitOfWork(tx *sql.Tx, metrics *observability.Metrics) *unitOfWork {
	return &unitOfWork{
		tx:      tx,
		metrics: metrics,
		runs:    &runRepo{tx: tx},
		jobs:    &jobRepo{tx: tx},
	}
}

func (u *unitOfWork) Runs() storage.RunRepository {
	return u.runs
}

func (u *unitOfWork) Jobs() storage.JobRepository {
	return u.jobs
}

func (u *unitOfWork) Commit() error {
	var timer *observability.Timer
	if u.metrics != nil {
		timer = u.metrics.DBTransactionCommit().Start()
	}
	err := u.tx.Commit()
	if timer != nil {
		timer.Stop()
	}
	u.finish()
	return err
}

func (u *unitOfWork) Rollback() error {
	err := u.tx.Rollback()
	if err == nil {
		u.finish()
	}
	return err
}

func (u *unitOfWork) finish() {
	if u.done {
		return
	}
	u.done = true
	if u.metrics != nil {
		u.metrics.DBActiveTransactions().Dec()
	}
}
