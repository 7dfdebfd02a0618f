// Package sqlite provides the durable, single-node store.Store backend.
// It embeds its schema migrations and needs no external daemon, which
// makes it the default choice for crash-survivable state.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"

	"github.com/suriyasureshok/Pyrexis"
	"github.com/suriyasureshok/Pyrexis/job"
	"github.com/suriyasureshok/Pyrexis/result"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Ensure Store implements each subsystem interface at compile time.
var (
	_ job.Store    = (*Store)(nil)
	_ result.Store = (*Store)(nil)
)

// Store is a Bun ORM implementation of store.Store using the SQLite
// dialect.
type Store struct {
	db     *bun.DB
	ownsDB bool
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over an existing *bun.DB. The caller owns the db
// lifecycle — the Store will not close it on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (or creates) a SQLite database at the given path and wraps
// it in a Store that owns the connection. Use ":memory:" for an
// ephemeral database.
func Open(path string, opts ...Option) (*Store, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("pyrexis/sqlite: open %q: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids lock errors
	// under concurrent access.
	sqldb.SetMaxOpenConns(1)

	s := New(bun.NewDB(sqldb, sqlitedialect.New()), opts...)
	s.ownsDB = true
	return s, nil
}

// DB returns the underlying *bun.DB for advanced usage.
func (s *Store) DB() *bun.DB {
	return s.db
}

// Migrate runs all embedded SQL migration files in order.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pyrexis_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("%w: create migrations table: %v", pyrexis.ErrMigrationFailed, err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("%w: read migrations: %v", pyrexis.ErrMigrationFailed, err)
	}

	// Sort by filename for deterministic order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		err = s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM pyrexis_migrations WHERE filename = ?)`,
			entry.Name(),
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("%w: check migration %s: %v", pyrexis.ErrMigrationFailed, entry.Name(), err)
		}
		if applied {
			continue
		}

		data, readErr := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if readErr != nil {
			return fmt.Errorf("%w: read migration %s: %v", pyrexis.ErrMigrationFailed, entry.Name(), readErr)
		}

		if _, execErr := s.db.ExecContext(ctx, string(data)); execErr != nil {
			return fmt.Errorf("%w: execute migration %s: %v", pyrexis.ErrMigrationFailed, entry.Name(), execErr)
		}

		if _, markErr := s.db.ExecContext(ctx,
			`INSERT INTO pyrexis_migrations (filename) VALUES (?)`, entry.Name(),
		); markErr != nil {
			return fmt.Errorf("%w: record migration %s: %v", pyrexis.ErrMigrationFailed, entry.Name(), markErr)
		}

		s.logger.Info("migration applied", slog.String("filename", entry.Name()))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database if this Store opened it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job. Duplicate IDs fail with no side effect.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}

	res, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pyrexis/sqlite: enqueue job %q: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pyrexis.ErrJobAlreadyExists
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	m := new(jobModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", jobID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pyrexis.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pyrexis/sqlite: get job %q: %w", jobID, err)
	}
	return fromJobModel(m)
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	m, err := toJobModel(j)
	if err != nil {
		return err
	}

	res, err := s.db.NewUpdate().
		Model(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pyrexis/sqlite: update job %q: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pyrexis.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.db.NewDelete().
		Model((*jobModel)(nil)).
		Where("id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pyrexis/sqlite: delete job %q: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pyrexis.ErrJobNotFound
	}
	return nil
}

// ListJobsByState returns jobs matching the given state, oldest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	var models []jobModel
	q := s.db.NewSelect().
		Model(&models).
		Where("status = ?", string(state)).
		Order("created_at ASC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("pyrexis/sqlite: list jobs by state %q: %w", state, err)
	}

	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	q := s.db.NewSelect().Model((*jobModel)(nil))
	if opts.State != "" {
		q = q.Where("status = ?", string(opts.State))
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("pyrexis/sqlite: count jobs: %w", err)
	}
	return int64(n), nil
}

// ──────────────────────────────────────────────────
// Result store
// ──────────────────────────────────────────────────

// PutResult persists a result. Results are write-once: an insert that
// conflicts on job_id leaves the stored row untouched and reports
// ErrResultExists.
func (s *Store) PutResult(ctx context.Context, r *result.Result) error {
	m, err := toResultModel(r)
	if err != nil {
		return err
	}

	res, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (job_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("pyrexis/sqlite: put result for job %q: %w", r.JobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pyrexis.ErrResultExists
	}
	return nil
}

// GetResult retrieves the result for a job.
func (s *Store) GetResult(ctx context.Context, jobID string) (*result.Result, error) {
	m := new(resultModel)
	err := s.db.NewSelect().
		Model(m).
		Where("job_id = ?", jobID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pyrexis.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pyrexis/sqlite: get result for job %q: %w", jobID, err)
	}
	return fromResultModel(m)
}
