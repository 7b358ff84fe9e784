package store

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/gateway/internal/model"
)

// newMockStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func candidateRows() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"data_set_id", "id", "content_identifier", "ipfs_root_cid", "price",
		"payer_address", "with_cdn", "with_ipfs_indexing",
		"is_sanctioned",
		"sp_id", "service_url",
		"cdn_egress_quota", "cache_miss_egress_quota",
	})
}

func TestPostgresStore_CandidatesByRootCID(t *testing.T) {
	s, mock := newMockStore(t)

	root := "bafybeigdyrzt5example"
	url := "https://provider.example.com"
	spID := int64(7)
	mock.ExpectQuery(`FROM pieces p`).
		WithArgs(root).
		WillReturnRows(candidateRows().AddRow(
			int64(1), int64(2), "baga6ea4sea", &root, nil,
			"0xPayer", true, true,
			false,
			&spID, &url,
			nil, nil,
		))

	rows, err := s.CandidatesByRootCID(context.Background(), root)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].DataSetID)
	assert.Equal(t, int64(2), rows[0].PieceID)
	require.NotNil(t, rows[0].ServiceURL)
	assert.Equal(t, url, *rows[0].ServiceURL)
	assert.False(t, rows[0].Sanctioned)
	assert.Nil(t, rows[0].CDNEgressQuota)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CandidatesByIDs_Empty(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`FROM pieces p`).
		WithArgs(int64(5), int64(9)).
		WillReturnRows(candidateRows())

	rows, err := s.CandidatesByIDs(context.Background(), 5, 9)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertRetrievalLog(t *testing.T) {
	s, mock := newMockStore(t)

	egress := int64(4096)
	miss := true
	dsID := int64(12)
	entry := model.RetrievalLog{
		ID:             "log-1",
		Timestamp:      time.Now().UTC(),
		ResponseStatus: 200,
		EgressBytes:    &egress,
		CacheMiss:      &miss,
		DataSetID:      &dsID,
	}

	mock.ExpectExec(`INSERT INTO retrieval_logs`).
		WithArgs(entry.ID, entry.Timestamp, entry.ResponseStatus, entry.EgressBytes, entry.CacheMiss,
			entry.OriginTTFBMs, entry.OriginTTLBMs, entry.GatewayTTFBMs,
			entry.RequestCountryCode, entry.DataSetID, entry.BotName).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertRetrievalLog(context.Background(), entry))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddEgress(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE data_sets SET total_egress_bytes_used`).
		WithArgs(int64(1000), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.AddEgress(context.Background(), 3, 1000))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DecrementQuota(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE egress_quotas SET cdn_egress_quota`).
		WithArgs(int64(500), int64(500), int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.DecrementQuota(context.Background(), 3, 500, 500))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS data_sets`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CloseReleasesPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	s := &PostgresStore{pool: mock}

	mock.ExpectClose()

	require.NoError(t, s.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
