package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/annuaire-sync/internal/annuaire"
)

// SQLiteStore implements Store using modernc.org/sqlite. It suits local runs
// and tests; it carries no spatial column.
type SQLiteStore struct {
	db      *sql.DB
	tracked *tracker
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, tracked: newTracker()}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS services (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	external_id   TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL CHECK (name <> ''),
	address       TEXT NOT NULL CHECK (address <> ''),
	postal_code   TEXT CHECK (postal_code IS NULL OR length(postal_code) <= 10),
	city          TEXT,
	latitude      REAL,
	longitude     REAL,
	geocode_score REAL,
	phone         TEXT,
	email         TEXT,
	website       TEXT,
	opening_hours TEXT NOT NULL DEFAULT '[]',
	description   TEXT,
	modified_at   DATETIME,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_services_geocode_score ON services(geocode_score);
CREATE INDEX IF NOT EXISTS idx_services_postal_code ON services(postal_code);
`

// Migrate applies the inline schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ReleaseTrackedState implements Store.
func (s *SQLiteStore) ReleaseTrackedState() { s.tracked.release() }

// Tracked implements Store.
func (s *SQLiteStore) Tracked() int { return s.tracked.len() }

// BeginBatch implements Store.
func (s *SQLiteStore) BeginBatch(ctx context.Context) (Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin batch")
	}
	return &sqliteBatch{tx: tx, tracked: s.tracked, pending: make(map[string]int64)}, nil
}

type sqliteBatch struct {
	tx      *sql.Tx
	tracked *tracker
	pending map[string]int64
	done    bool
}

func (b *sqliteBatch) Save(ctx context.Context, rec annuaire.Record, allowOverwrite bool) (Outcome, error) {
	if b.done {
		return 0, eris.New("sqlite: batch already finished")
	}
	if !allowOverwrite {
		if _, ok := b.pending[rec.ExternalID]; ok || b.tracked.lookup(rec.ExternalID) {
			return Kept, nil
		}
	}

	hours, err := json.Marshal(rec.OpeningHours)
	if err != nil {
		return 0, &RecordError{ExternalID: rec.ExternalID, Err: eris.Wrap(err, "sqlite: encode opening hours")}
	}

	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT record"); err != nil {
		return 0, eris.Wrap(err, "sqlite: savepoint")
	}

	id, outcome, err := b.write(ctx, rec, string(hours), allowOverwrite)
	if err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT record"); rbErr != nil {
			return 0, eris.Wrapf(rbErr, "sqlite: rollback savepoint after %v", err)
		}
		if _, relErr := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT record"); relErr != nil {
			return 0, eris.Wrap(relErr, "sqlite: release savepoint")
		}
		return 0, classifySQLiteError(rec.ExternalID, err)
	}

	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT record"); err != nil {
		return 0, eris.Wrap(err, "sqlite: release savepoint")
	}
	b.pending[rec.ExternalID] = id
	return outcome, nil
}

func (b *sqliteBatch) write(ctx context.Context, rec annuaire.Record, hours string, allowOverwrite bool) (int64, Outcome, error) {
	var id int64
	err := b.tx.QueryRowContext(ctx, `SELECT id FROM services WHERE external_id = ?`, rec.ExternalID).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := b.tx.ExecContext(ctx, `INSERT INTO services
			(external_id, name, address, postal_code, city, latitude, longitude,
			 phone, email, website, opening_hours, description, modified_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ExternalID, rec.Name, rec.Address, nullable(rec.PostalCode), nullable(rec.City),
			rec.Latitude, rec.Longitude, rec.Phone, rec.Email, rec.Website, hours,
			nullable(rec.Description), rec.ModifiedAt, time.Now().UTC(),
		)
		if err != nil {
			return 0, 0, err
		}
		id, err = res.LastInsertId()
		return id, Inserted, err
	case err != nil:
		return 0, 0, err
	case !allowOverwrite:
		return id, Kept, nil
	}

	_, err = b.tx.ExecContext(ctx, `UPDATE services SET
		name = ?, address = ?, postal_code = ?, city = ?, latitude = ?, longitude = ?,
		phone = ?, email = ?, website = ?, opening_hours = ?, description = ?,
		modified_at = ?, updated_at = ?
		WHERE id = ?`,
		rec.Name, rec.Address, nullable(rec.PostalCode), nullable(rec.City),
		rec.Latitude, rec.Longitude, rec.Phone, rec.Email, rec.Website, hours,
		nullable(rec.Description), rec.ModifiedAt, time.Now().UTC(), id,
	)
	return id, Updated, err
}

func (b *sqliteBatch) Commit(ctx context.Context) error {
	if b.done {
		return eris.New("sqlite: batch already finished")
	}
	b.done = true
	if err := b.tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit batch")
	}
	b.tracked.merge(b.pending)
	return nil
}

func (b *sqliteBatch) Rollback(ctx context.Context) error {
	if b.done {
		return nil
	}
	b.done = true
	return eris.Wrap(b.tx.Rollback(), "sqlite: rollback batch")
}

// classifySQLiteError treats constraint and value errors as per-record.
func classifySQLiteError(externalID string, err error) error {
	wrapped := eris.Wrapf(err, "sqlite: save %s", externalID)
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return wrapped
	}
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_MISMATCH:
		return &RecordError{ExternalID: externalID, Err: wrapped}
	}
	return wrapped
}

// FindRecordsNeedingCoordinates implements Store.
func (s *SQLiteStore) FindRecordsNeedingCoordinates(ctx context.Context, filter CandidateFilter) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, external_id, name, address, postal_code, city, latitude, longitude, geocode_score
		FROM services
		WHERE (geocode_score IS NULL OR geocode_score <= ?) AND id > ?
		ORDER BY id
		LIMIT ?`, filter.MaxScore, filter.AfterID, filter.Limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find records needing coordinates")
	}
	defer rows.Close() //nolint:errcheck

	out := make([]Candidate, 0, filter.Limit)
	for rows.Next() {
		var (
			c          Candidate
			postalCode sql.NullString
			city       sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ExternalID, &c.Name, &c.Address, &postalCode, &city,
			&c.Latitude, &c.Longitude, &c.Score); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		c.PostalCode = postalCode.String
		c.City = city.String
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate candidates")
}

// UpdateCoordinates implements Store.
func (s *SQLiteStore) UpdateCoordinates(ctx context.Context, id int64, lat, lng, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET latitude = ?, longitude = ?, geocode_score = ?, updated_at = ? WHERE id = ?`,
		lat, lng, score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update coordinates %d", id)
	}
	return checkResult(res, id)
}

// UpdateScore implements Store.
func (s *SQLiteStore) UpdateScore(ctx context.Context, id int64, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE services SET geocode_score = ?, updated_at = ? WHERE id = ?`,
		score, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update score %d", id)
	}
	return checkResult(res, id)
}

func checkResult(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	return checkAffected(n, id)
}

var _ Store = (*SQLiteStore)(nil)
