// Package store implements the relational store behind the eligibility
// resolver and the usage recorder.
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/filbeam/gateway/internal/db"
	"github.com/filbeam/gateway/internal/model"
)

// PostgresStore implements the store against pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// candidateColumns is the shared select list of the eligibility join. Rows are
// ordered by (data set, piece) id so the resolver's first-row selection is
// stable across runs.
const candidateColumns = `
SELECT p.data_set_id, p.id, p.content_identifier, p.ipfs_root_cid, p.price,
       d.payer_address, d.with_cdn, d.with_ipfs_indexing,
       COALESCE(ws.is_sanctioned, false),
       sp.id, sp.service_url,
       q.cdn_egress_quota, q.cache_miss_egress_quota
FROM pieces p
JOIN data_sets d ON d.id = p.data_set_id
LEFT JOIN service_providers sp ON sp.id = d.service_provider_id
LEFT JOIN wallet_screenings ws ON ws.address = lower(d.payer_address)
LEFT JOIN egress_quotas q ON q.data_set_id = d.id
WHERE d.terminate_service_tx_hash IS NULL`

const candidateOrder = ` ORDER BY p.data_set_id, p.id`

// preparedStatements lists queries prepared on each new connection. The
// eligibility lookups run once per retrieval, so they dominate store traffic.
var preparedStatements = map[string]string{
	"candidates_by_root":  candidateColumns + ` AND p.ipfs_root_cid = $1` + candidateOrder,
	"candidates_by_ids":   candidateColumns + ` AND p.data_set_id = $1 AND p.id = $2` + candidateOrder,
	"candidates_by_piece": candidateColumns + ` AND p.content_identifier = $1` + candidateOrder,
	"add_egress":          `UPDATE data_sets SET total_egress_bytes_used = total_egress_bytes_used + $1 WHERE id = $2`,
	"decrement_quota":     `UPDATE egress_quotas SET cdn_egress_quota = cdn_egress_quota - $1, cache_miss_egress_quota = cache_miss_egress_quota - $2 WHERE data_set_id = $3`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS data_sets (
	id                        BIGINT PRIMARY KEY,
	service_provider_id       BIGINT NOT NULL,
	payer_address             TEXT NOT NULL,
	with_cdn                  BOOLEAN NOT NULL DEFAULT false,
	with_ipfs_indexing        BOOLEAN NOT NULL DEFAULT false,
	terminate_service_tx_hash TEXT,
	total_egress_bytes_used   BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS pieces (
	id                 BIGINT NOT NULL,
	data_set_id        BIGINT NOT NULL REFERENCES data_sets(id),
	content_identifier TEXT NOT NULL,
	ipfs_root_cid      TEXT,
	price              BIGINT,
	PRIMARY KEY (data_set_id, id)
);

CREATE TABLE IF NOT EXISTS service_providers (
	id          BIGINT PRIMARY KEY,
	service_url TEXT
);

CREATE TABLE IF NOT EXISTS wallet_screenings (
	address          TEXT PRIMARY KEY,
	is_sanctioned    BOOLEAN NOT NULL DEFAULT false,
	last_screened_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS egress_quotas (
	data_set_id             BIGINT PRIMARY KEY REFERENCES data_sets(id),
	cdn_egress_quota        BIGINT NOT NULL DEFAULT 0,
	cache_miss_egress_quota BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS retrieval_logs (
	id                   TEXT PRIMARY KEY,
	ts                   TIMESTAMPTZ NOT NULL DEFAULT now(),
	response_status      INTEGER NOT NULL,
	egress_bytes         BIGINT,
	cache_miss           BOOLEAN,
	origin_ttfb_ms       BIGINT,
	origin_ttlb_ms       BIGINT,
	gateway_ttfb_ms      BIGINT,
	request_country_code TEXT,
	data_set_id          BIGINT,
	bot_name             TEXT
);

CREATE INDEX IF NOT EXISTS idx_pieces_ipfs_root_cid ON pieces(ipfs_root_cid);
CREATE INDEX IF NOT EXISTS idx_pieces_content_identifier ON pieces(content_identifier);
CREATE INDEX IF NOT EXISTS idx_data_sets_payer ON data_sets(lower(payer_address));
CREATE INDEX IF NOT EXISTS idx_retrieval_logs_ts ON retrieval_logs(ts);
CREATE INDEX IF NOT EXISTS idx_retrieval_logs_data_set_id ON retrieval_logs(data_set_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// CandidatesByRootCID returns every eligibility row whose piece carries the
// given IPFS root CID.
func (s *PostgresStore) CandidatesByRootCID(ctx context.Context, rootCID string) ([]model.CandidateRow, error) {
	return s.candidates(ctx, candidateColumns+` AND p.ipfs_root_cid = $1`+candidateOrder, rootCID)
}

// CandidatesByIDs returns the eligibility rows for one (data set, piece) pair.
func (s *PostgresStore) CandidatesByIDs(ctx context.Context, dataSetID, pieceID int64) ([]model.CandidateRow, error) {
	return s.candidates(ctx, candidateColumns+` AND p.data_set_id = $1 AND p.id = $2`+candidateOrder, dataSetID, pieceID)
}

// CandidatesByPieceCID returns every eligibility row whose piece content
// identifier matches; a piece may be replicated across data sets.
func (s *PostgresStore) CandidatesByPieceCID(ctx context.Context, pieceCID string) ([]model.CandidateRow, error) {
	return s.candidates(ctx, candidateColumns+` AND p.content_identifier = $1`+candidateOrder, pieceCID)
}

func (s *PostgresStore) candidates(ctx context.Context, query string, args ...any) ([]model.CandidateRow, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query candidates")
	}
	defer rows.Close()

	var out []model.CandidateRow
	for rows.Next() {
		var r model.CandidateRow
		if err := rows.Scan(
			&r.DataSetID, &r.PieceID, &r.PieceCID, &r.IPFSRootCID, &r.Price,
			&r.PayerAddress, &r.WithCDN, &r.WithIPFSIndexing,
			&r.Sanctioned,
			&r.ServiceProviderID, &r.ServiceURL,
			&r.CDNEgressQuota, &r.CacheMissEgressQuota,
		); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate row")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate candidates")
}

// InsertRetrievalLog appends one retrieval outcome row.
func (s *PostgresStore) InsertRetrievalLog(ctx context.Context, entry model.RetrievalLog) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO retrieval_logs
		 (id, ts, response_status, egress_bytes, cache_miss, origin_ttfb_ms, origin_ttlb_ms, gateway_ttfb_ms, request_country_code, data_set_id, bot_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.Timestamp, entry.ResponseStatus, entry.EgressBytes, entry.CacheMiss,
		entry.OriginTTFBMs, entry.OriginTTLBMs, entry.GatewayTTFBMs,
		entry.RequestCountryCode, entry.DataSetID, entry.BotName,
	)
	return eris.Wrap(err, "postgres: insert retrieval log")
}

// AddEgress adds served bytes to the data set's monotonic egress counter.
func (s *PostgresStore) AddEgress(ctx context.Context, dataSetID, bytes int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE data_sets SET total_egress_bytes_used = total_egress_bytes_used + $1 WHERE id = $2`,
		bytes, dataSetID,
	)
	return eris.Wrapf(err, "postgres: add egress for data set %d", dataSetID)
}

// DecrementQuota subtracts served bytes from the data set's egress budgets.
// Both updates are simple subtractive writes; concurrent requests to the same
// data set may interleave, which is acceptable because billing is approximate.
func (s *PostgresStore) DecrementQuota(ctx context.Context, dataSetID, bytes, cacheMissBytes int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE egress_quotas SET cdn_egress_quota = cdn_egress_quota - $1, cache_miss_egress_quota = cache_miss_egress_quota - $2 WHERE data_set_id = $3`,
		bytes, cacheMissBytes, dataSetID,
	)
	return eris.Wrapf(err, "postgres: decrement quota for data set %d", dataSetID)
}
