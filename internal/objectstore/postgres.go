package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is an ObjectStore backed by a single table of content-addressed
// blobs. It is the production-shaped reference collaborator: the oplog and
// replicator only ever see the ObjectStore interface, so a deployment can
// swap this in for Memory without touching core replication code.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// PostgresConfig holds the connection parameters for the blob table backend.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	MaxConns int32
	MinConns int32
}

// NewPostgres connects to Postgres and ensures the backing table exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.MaxConns, cfg.MinConns,
	)

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("objectstore: parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("objectstore: connect to postgres: %w", err)
	}

	p := &Postgres{pool: pool, logger: logger}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS objects (
			cid  TEXT PRIMARY KEY,
			body BYTEA NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("objectstore: create schema: %w", err)
	}
	return nil
}

func (p *Postgres) Put(ctx context.Context, data []byte) (CID, error) {
	cid := Sum(data)

	_, err := p.pool.Exec(ctx,
		`INSERT INTO objects (cid, body) VALUES ($1, $2) ON CONFLICT (cid) DO NOTHING`,
		cid.String(), data,
	)
	if err != nil {
		p.logger.Error("objectstore: put failed", zap.String("cid", cid.String()), zap.Error(err))
		return "", fmt.Errorf("objectstore: put: %w", err)
	}

	return cid, nil
}

func (p *Postgres) Get(ctx context.Context, cid CID) ([]byte, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM objects WHERE cid = $1`, cid.String()).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		p.logger.Error("objectstore: get failed", zap.String("cid", cid.String()), zap.Error(err))
		return nil, fmt.Errorf("objectstore: get: %w", err)
	}
	return body, nil
}

// Close releases the underlying connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}
