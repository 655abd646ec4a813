package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/annuaire-sync/internal/annuaire"
	"github.com/sells-group/annuaire-sync/internal/db"
	"github.com/sells-group/annuaire-sync/internal/resilience"
)

const servicesTable = "annuaire.services"

var serviceUpsert = db.UpsertConfig{
	Table: servicesTable,
	Columns: []string{
		"external_id", "name", "address", "postal_code", "city",
		"latitude", "longitude", "geom",
		"phone", "email", "website", "opening_hours", "description",
		"modified_at", "updated_at",
	},
	ConflictKeys: []string{"external_id"},
	Returning:    []string{"id", "(xmax = 0) AS inserted"},
}

var (
	upsertOverwriteSQL = mustUpsertSQL(serviceUpsert, true)
	upsertKeepSQL      = mustUpsertSQL(serviceUpsert, false)
)

func mustUpsertSQL(cfg db.UpsertConfig, overwrite bool) string {
	sql, err := db.UpsertSQL(cfg, overwrite)
	if err != nil {
		panic(err)
	}
	return sql
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	tracked *tracker
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, tracked: newTracker()}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership of it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, tracked: newTracker()}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool)
}

// Close releases the pool if this store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// ReleaseTrackedState implements Store.
func (s *PostgresStore) ReleaseTrackedState() { s.tracked.release() }

// Tracked implements Store.
func (s *PostgresStore) Tracked() int { return s.tracked.len() }

// BeginBatch opens a transaction. Each Save runs inside its own savepoint.
func (s *PostgresStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin batch")
	}
	return &pgBatch{tx: tx, tracked: s.tracked, pending: make(map[string]int64)}, nil
}

type pgBatch struct {
	tx      pgx.Tx
	tracked *tracker
	pending map[string]int64
	done    bool
}

func (b *pgBatch) Save(ctx context.Context, rec annuaire.Record, allowOverwrite bool) (Outcome, error) {
	if b.done {
		return 0, eris.New("postgres: batch already finished")
	}
	if !allowOverwrite {
		if _, ok := b.pending[rec.ExternalID]; ok || b.tracked.lookup(rec.ExternalID) {
			return Kept, nil
		}
	}

	args, err := recordArgs(rec, time.Now().UTC())
	if err != nil {
		return 0, &RecordError{ExternalID: rec.ExternalID, Err: err}
	}

	query := upsertKeepSQL
	if allowOverwrite {
		query = upsertOverwriteSQL
	}

	if _, err := b.tx.Exec(ctx, "SAVEPOINT record"); err != nil {
		return 0, eris.Wrap(err, "postgres: savepoint")
	}

	var (
		id       int64
		inserted bool
		outcome  Outcome
	)
	err = b.tx.QueryRow(ctx, query, args...).Scan(&id, &inserted)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// ON CONFLICT DO NOTHING returns no row for an existing id.
		outcome = Kept
	case err != nil:
		if _, rbErr := b.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT record"); rbErr != nil {
			return 0, eris.Wrapf(rbErr, "postgres: rollback savepoint after %v", err)
		}
		if _, relErr := b.tx.Exec(ctx, "RELEASE SAVEPOINT record"); relErr != nil {
			return 0, eris.Wrap(relErr, "postgres: release savepoint")
		}
		return 0, classifyPgError(rec.ExternalID, err)
	case inserted:
		outcome = Inserted
	default:
		outcome = Updated
	}

	if _, err := b.tx.Exec(ctx, "RELEASE SAVEPOINT record"); err != nil {
		return 0, eris.Wrap(err, "postgres: release savepoint")
	}
	b.pending[rec.ExternalID] = id
	return outcome, nil
}

func (b *pgBatch) Commit(ctx context.Context) error {
	if b.done {
		return eris.New("postgres: batch already finished")
	}
	b.done = true
	if err := b.tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit batch")
	}
	b.tracked.merge(b.pending)
	return nil
}

func (b *pgBatch) Rollback(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	return eris.Wrap(b.tx.Rollback(ctx), "postgres: rollback batch")
}

// classifyPgError turns a server-reported row failure into a RecordError.
// Connection, resource and shutdown classes stay catastrophic.
func classifyPgError(externalID string, err error) error {
	wrapped := eris.Wrapf(err, "postgres: save %s", externalID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || resilience.IsTransient(err) {
		return wrapped
	}
	for _, class := range []string{"08", "53", "57", "58", "XX"} {
		if strings.HasPrefix(pgErr.Code, class) {
			return wrapped
		}
	}
	return &RecordError{ExternalID: externalID, Err: wrapped}
}

func recordArgs(rec annuaire.Record, now time.Time) ([]any, error) {
	hours, err := json.Marshal(rec.OpeningHours)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode opening hours")
	}
	var point []byte
	if rec.HasCoordinates() {
		point, err = encodePoint(*rec.Latitude, *rec.Longitude)
		if err != nil {
			return nil, err
		}
	}
	return []any{
		rec.ExternalID, rec.Name, rec.Address, nullable(rec.PostalCode), nullable(rec.City),
		rec.Latitude, rec.Longitude, point,
		rec.Phone, rec.Email, rec.Website, hours, nullable(rec.Description),
		rec.ModifiedAt, now,
	}, nil
}

// encodePoint returns EWKB for a WGS84 point. PostGIS expects X=longitude.
func encodePoint(lat, lng float64) ([]byte, error) {
	p := geom.NewPointFlat(geom.XY, []float64{lng, lat}).SetSRID(4326)
	data, err := ewkb.Marshal(p, ewkb.NDR)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: encode point")
	}
	return data, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

const findCandidatesSQL = `SELECT id, external_id, name, address, postal_code, city, latitude, longitude, geocode_score
FROM annuaire.services
WHERE (geocode_score IS NULL OR geocode_score <= $1) AND id > $2
ORDER BY id
LIMIT $3`

// FindRecordsNeedingCoordinates implements Store.
func (s *PostgresStore) FindRecordsNeedingCoordinates(ctx context.Context, filter CandidateFilter) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, findCandidatesSQL, filter.MaxScore, filter.AfterID, filter.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find records needing coordinates")
	}
	defer rows.Close()

	out := make([]Candidate, 0, filter.Limit)
	for rows.Next() {
		var (
			c          Candidate
			postalCode *string
			city       *string
		)
		if err := rows.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Address, &postalCode, &city,
			&c.Latitude, &c.Longitude, &c.Score); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		c.PostalCode = deref(postalCode)
		c.City = deref(city)
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate candidates")
}

// UpdateCoordinates implements Store.
func (s *PostgresStore) UpdateCoordinates(ctx context.Context, id int64, lat, lng, score float64) error {
	point, err := encodePoint(lat, lng)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE annuaire.services SET latitude = $1, longitude = $2, geom = $3, geocode_score = $4, updated_at = now() WHERE id = $5`,
		lat, lng, point, score, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update coordinates %d", id)
	}
	return checkAffected(tag.RowsAffected(), id)
}

// UpdateScore implements Store.
func (s *PostgresStore) UpdateScore(ctx context.Context, id int64, score float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE annuaire.services SET geocode_score = $1, updated_at = now() WHERE id = $2`,
		score, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update score %d", id)
	}
	return checkAffected(tag.RowsAffected(), id)
}

func checkAffected(n int64, id int64) error {
	if n == 0 {
		return eris.Errorf("store: service %d not found", id)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Store = (*PostgresStore)(nil)
