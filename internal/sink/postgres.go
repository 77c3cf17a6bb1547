package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ent0n29/geotrack/internal/observability"
	"github.com/ent0n29/geotrack/internal/tracking"
)

// Querier is the subset of *pgxpool.Pool used by the sink. pgxmock pools
// satisfy it as well.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres stores delivered samples and session transitions. Inserts are keyed
// by sequence number, so a replayed batch never produces duplicate rows.
type Postgres struct {
	db      Querier
	close   func()
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewPostgres(ctx context.Context, databaseURL string, logger zerolog.Logger, metrics *observability.Metrics) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	p := NewPostgresWithQuerier(pool, logger, metrics)
	p.close = pool.Close
	return p, nil
}

func NewPostgresWithQuerier(db Querier, logger zerolog.Logger, metrics *observability.Metrics) *Postgres {
	return &Postgres{
		db:      db,
		log:     logger.With().Str("component", "sink.postgres").Logger(),
		metrics: metrics,
	}
}

func InitSchema(ctx context.Context, db Querier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS location_samples (
			seq BIGINT PRIMARY KEY,
			session_id TEXT NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			accuracy_m DOUBLE PRECISION NOT NULL,
			speed_mps DOUBLE PRECISION,
			heading_deg DOUBLE PRECISION,
			altitude_m DOUBLE PRECISION,
			is_moving BOOLEAN NOT NULL DEFAULT FALSE,
			replayed BOOLEAN NOT NULL DEFAULT FALSE,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_location_samples_session_recorded ON location_samples (session_id, recorded_at);`,
		`CREATE TABLE IF NOT EXISTS tracking_sessions (
			session_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const insertSampleSQL = `INSERT INTO location_samples
	(seq, session_id, recorded_at, latitude, longitude, accuracy_m, speed_mps, heading_deg, altitude_m, is_moving, replayed)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (seq) DO NOTHING`

func (p *Postgres) OnSamples(ctx context.Context, batch tracking.Batch) error {
	if len(batch.Records) == 0 {
		return nil
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		p.metrics.ObserveSinkError("postgres")
		return fmt.Errorf("begin sample insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range batch.Records {
		s := r.Sample
		if _, err := tx.Exec(ctx, insertSampleSQL,
			int64(r.Seq),
			r.SessionID,
			s.RecordedAt,
			s.Latitude,
			s.Longitude,
			s.AccuracyM,
			s.SpeedMps,
			s.HeadingDeg,
			s.AltitudeM,
			s.IsMoving,
			batch.Replayed,
		); err != nil {
			p.metrics.ObserveSinkError("postgres")
			return fmt.Errorf("insert sample %d: %w", r.Seq, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		p.metrics.ObserveSinkError("postgres")
		return fmt.Errorf("commit samples: %w", err)
	}
	return nil
}

func (p *Postgres) OnStateChange(ctx context.Context, change tracking.StateChange) {
	if change.SessionID == "" {
		return
	}
	_, err := p.db.Exec(ctx,
		`INSERT INTO tracking_sessions (session_id, state, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		change.SessionID,
		string(change.To),
		change.At,
	)
	if err != nil {
		p.metrics.ObserveSinkError("postgres")
		p.log.Warn().Err(err).Str("session_id", change.SessionID).Msg("record session state failed")
	}
}

func (p *Postgres) OnFault(ctx context.Context, err error) {
	var ferr *tracking.FaultError
	if !errors.As(err, &ferr) || ferr.SessionID == "" {
		return
	}
	sessionID := ferr.SessionID
	if _, dbErr := p.db.Exec(ctx,
		`INSERT INTO tracking_sessions (session_id, state, updated_at, last_error)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at, last_error = EXCLUDED.last_error`,
		sessionID,
		string(tracking.StateError),
		time.Now().UTC(),
		err.Error(),
	); dbErr != nil {
		p.metrics.ObserveSinkError("postgres")
		p.log.Warn().Err(dbErr).Str("session_id", sessionID).Msg("record session fault failed")
	}
}

func (p *Postgres) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
