package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // postgres driver
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/eyesense/gazemap/pkg/logger"
	"github.com/eyesense/gazemap/pkg/metrics"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultMetricsUpdateInterval = 30 * time.Second

type dialect struct {
	driver  string
	schema  string
	numbers bool // $1 placeholders instead of ?
	pragmas []string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		driver: "sqlite",
		schema: `CREATE TABLE IF NOT EXISTS blobs (
			kind         TEXT    NOT NULL,
			name         TEXT    NOT NULL,
			content_type TEXT    NOT NULL,
			data         BLOB    NOT NULL,
			created_at   INTEGER NOT NULL,
			PRIMARY KEY (kind, name)
		)`,
		pragmas: []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"},
	},
	DriverPostgres: {
		driver: "postgres",
		schema: `CREATE TABLE IF NOT EXISTS blobs (
			kind         TEXT   NOT NULL,
			name         TEXT   NOT NULL,
			content_type TEXT   NOT NULL,
			data         BYTEA  NOT NULL,
			created_at   BIGINT NOT NULL,
			PRIMARY KEY (kind, name)
		)`,
		numbers: true,
	},
}

// rebind rewrites ? placeholders for dialects that number them.
func (d dialect) rebind(q string) string {
	if !d.numbers {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a Store backed by a single blobs table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	maxOpenConns          int
	metricsUpdateInterval time.Duration
	stop                  chan struct{}
	wg                    sync.WaitGroup
	closeOnce             sync.Once

	logger logger.Logger
}

// Open connects to driver at dsn and creates the blobs table if needed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%q: %w", driver, ErrUnsupportedDriver)
	}

	s := &SQLStore{
		dialect:               d,
		metricsUpdateInterval: defaultMetricsUpdateInterval,
		stop:                  make(chan struct{}),
		logger:                logger.OrNop().Named("storage"),
	}
	if driver == DriverSQLite {
		s.maxOpenConns = 1
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if s.maxOpenConns > 0 {
		db.SetMaxOpenConns(s.maxOpenConns)
	}
	s.db = db

	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if s.metricsUpdateInterval > 0 {
		s.wg.Add(1)
		go s.metricsUpdater()
	}
	s.logger.Info(ctx, "blob store ready", logger.String("driver", driver))
	return s, nil
}

func (s *SQLStore) init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for _, p := range s.dialect.pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func check(kind Kind, name string) error {
	if !validKind(kind) {
		return fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	if !ValidName(name) {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// Put creates or replaces a blob.
func (s *SQLStore) Put(ctx context.Context, b Blob) error {
	if err := check(b.Kind, b.Name); err != nil {
		return err
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	if b.Data == nil {
		b.Data = []byte{}
	}
	q := s.dialect.rebind(`INSERT INTO blobs (kind, name, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, name) DO UPDATE SET
			content_type = excluded.content_type,
			data = excluded.data,
			created_at = excluded.created_at`)
	if _, err := s.db.ExecContext(ctx, q, string(b.Kind), b.Name, b.ContentType, b.Data, b.CreatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("put %s/%s: %w", b.Kind, b.Name, s.mapErr(err))
	}
	metrics.RecordBlobWrite(string(b.Kind))
	s.logger.Debug(ctx, "blob stored",
		logger.String("kind", string(b.Kind)), logger.String("name", b.Name), logger.Int("bytes", len(b.Data)))
	return nil
}

// Get returns the blob or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, kind Kind, name string) (Blob, error) {
	if err := check(kind, name); err != nil {
		return Blob{}, err
	}
	q := s.dialect.rebind(`SELECT content_type, data, created_at FROM blobs WHERE kind = ? AND name = ?`)
	b := Blob{Kind: kind, Name: name}
	var created int64
	err := s.db.QueryRowContext(ctx, q, string(kind), name).Scan(&b.ContentType, &b.Data, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Blob{}, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	if err != nil {
		metrics.RecordBlobReadError()
		return Blob{}, fmt.Errorf("get %s/%s: %w", kind, name, s.mapErr(err))
	}
	b.CreatedAt = time.UnixMilli(created)
	return b, nil
}

// Delete removes a blob. Deleting a missing blob returns ErrNotFound.
func (s *SQLStore) Delete(ctx context.Context, kind Kind, name string) error {
	if err := check(kind, name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`DELETE FROM blobs WHERE kind = ? AND name = ?`), string(kind), name)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, name, s.mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	return nil
}

// Count returns the number of blobs of kind.
func (s *SQLStore) Count(ctx context.Context, kind Kind) (int, error) {
	if !validKind(kind) {
		return 0, fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT COUNT(*) FROM blobs WHERE kind = ?`), string(kind)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, s.mapErr(err))
	}
	return n, nil
}

// Close stops the metrics updater and closes the database.
func (s *SQLStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLStore) mapErr(err error) error {
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return err
}

func (s *SQLStore) metricsUpdater() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.metricsUpdateInterval)
	defer ticker.Stop()

	s.publishCounts()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.publishCounts()
		}
	}
}

func (s *SQLStore) publishCounts() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, k := range Kinds {
		n, err := s.Count(ctx, k)
		if err != nil {
			s.logger.Warn(ctx, "blob count failed", logger.String("kind", string(k)), logger.Error(err))
			continue
		}
		metrics.UpdateBlobCount(string(k), n)
	}
}
