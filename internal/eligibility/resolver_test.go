package eligibility

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filbeam/gateway/internal/model"
)

type fakeSource struct {
	rows []model.CandidateRow
	err  error
}

func (f *fakeSource) CandidatesByRootCID(context.Context, string) ([]model.CandidateRow, error) {
	return f.rows, f.err
}

func (f *fakeSource) CandidatesByIDs(context.Context, int64, int64) ([]model.CandidateRow, error) {
	return f.rows, f.err
}

func (f *fakeSource) CandidatesByPieceCID(context.Context, string) ([]model.CandidateRow, error) {
	return f.rows, f.err
}

func ptr[T any](v T) *T { return &v }

func goodRow() model.CandidateRow {
	return model.CandidateRow{
		DataSetID:            1,
		PieceID:              2,
		PieceCID:             "baga6ea4sea",
		IPFSRootCID:          ptr("bafybeiexample"),
		PayerAddress:         "0xAbCd",
		WithCDN:              true,
		WithIPFSIndexing:     true,
		ServiceProviderID:    ptr(int64(7)),
		ServiceURL:           ptr("https://sp.example.com"),
		CDNEgressQuota:       ptr(int64(1 << 30)),
		CacheMissEgressQuota: ptr(int64(1 << 20)),
	}
}

func resolve(t *testing.T, rows []model.CandidateRow, lookup Lookup, enforceQuotas bool) (*Selection, error) {
	t.Helper()
	r := &Resolver{Source: &fakeSource{rows: rows}, EnforceQuotas: enforceQuotas}
	return r.Resolve(context.Background(), lookup)
}

func rootLookup() Lookup {
	return Lookup{Kind: KindRootCID, RootCID: "bafybeiexample", Payer: "0xabcd"}
}

func TestResolve_Success(t *testing.T) {
	sel, err := resolve(t, []model.CandidateRow{goodRow()}, rootLookup(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sel.DataSetID)
	assert.Equal(t, int64(2), sel.PieceID)
	assert.Equal(t, "https://sp.example.com", sel.ServiceURL)
}

func TestResolve_EmptyRowSet(t *testing.T) {
	_, err := resolve(t, nil, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNotFound, ce.Class)
	assert.Equal(t, "lookup", ce.Stage)
}

func TestResolve_NoProvider(t *testing.T) {
	row := goodRow()
	row.ServiceProviderID = nil
	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNotFound, ce.Class)
	assert.Equal(t, "provider", ce.Stage)
}

func TestResolve_PayerMismatch(t *testing.T) {
	lookup := rootLookup()
	lookup.Payer = "0xother"
	_, err := resolve(t, []model.CandidateRow{goodRow()}, lookup, false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassPaymentRequired, ce.Class)
	assert.Contains(t, ce.Reason, "payment rail")
}

func TestResolve_PayerMatchIsCaseInsensitive(t *testing.T) {
	lookup := rootLookup()
	lookup.Payer = "0xABCD"
	_, err := resolve(t, []model.CandidateRow{goodRow()}, lookup, false)
	require.NoError(t, err)
}

func TestResolve_EmptyPayerMatchesAnyRow(t *testing.T) {
	lookup := rootLookup()
	lookup.Payer = ""
	_, err := resolve(t, []model.CandidateRow{goodRow()}, lookup, false)
	require.NoError(t, err)
}

func TestResolve_CDNDisabled(t *testing.T) {
	// A single row with CDN off must yield the CDN reason, not "not found".
	row := goodRow()
	row.WithCDN = false
	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassPaymentRequired, ce.Class)
	assert.Contains(t, ce.Reason, "CDN delivery is not enabled")
}

func TestResolve_IPFSIndexingDisabled_RootLookupOnly(t *testing.T) {
	row := goodRow()
	row.WithIPFSIndexing = false

	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "IPFS indexing")

	// Piece-addressed lookups skip the indexing rule.
	_, err = resolve(t, []model.CandidateRow{row},
		Lookup{Kind: KindPieceCID, PieceCID: "baga6ea4sea", Payer: "0xabcd"}, false)
	require.NoError(t, err)
}

func TestResolve_SanctionedPayerIsFatal(t *testing.T) {
	// Sanction is reject-if-any, not a filter: a clean second row does not save
	// the request.
	sanctioned := goodRow()
	sanctioned.Sanctioned = true
	clean := goodRow()
	clean.DataSetID = 9

	_, err := resolve(t, []model.CandidateRow{sanctioned, clean}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassForbidden, ce.Class)
}

func TestResolve_NoApprovedProvider(t *testing.T) {
	row := goodRow()
	row.ServiceURL = nil
	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNotFound, ce.Class)
	assert.Equal(t, "approved-provider", ce.Stage)
}

func TestResolve_NoIPFSRoot(t *testing.T) {
	row := goodRow()
	row.IPFSRootCID = nil
	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), false)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassNotFound, ce.Class)
	assert.Equal(t, "ipfs-root", ce.Stage)
}

func TestResolve_QuotaStages(t *testing.T) {
	exhausted := goodRow()
	exhausted.CDNEgressQuota = ptr(int64(0))

	_, err := resolve(t, []model.CandidateRow{exhausted}, rootLookup(), true)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassPaymentRequired, ce.Class)
	assert.Contains(t, ce.Reason, "CDN egress quota")

	missExhausted := goodRow()
	missExhausted.CacheMissEgressQuota = ptr(int64(0))
	_, err = resolve(t, []model.CandidateRow{missExhausted}, rootLookup(), true)
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Reason, "cache-miss egress quota")

	// Without enforcement the same rows pass.
	_, err = resolve(t, []model.CandidateRow{exhausted}, rootLookup(), false)
	require.NoError(t, err)
}

func TestResolve_MissingQuotaRowFailsUnderEnforcement(t *testing.T) {
	row := goodRow()
	row.CDNEgressQuota = nil
	row.CacheMissEgressQuota = nil
	_, err := resolve(t, []model.CandidateRow{row}, rootLookup(), true)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ClassPaymentRequired, ce.Class)
}

func TestResolve_FirstRowWins(t *testing.T) {
	first := goodRow()
	second := goodRow()
	second.DataSetID = 42
	second.ServiceURL = ptr("https://other.example.com")

	sel, err := resolve(t, []model.CandidateRow{first, second}, rootLookup(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sel.DataSetID)
	assert.Equal(t, "https://sp.example.com", sel.ServiceURL)
}

func TestResolve_NonSelectedRowFlagsDoNotChangeOutcome(t *testing.T) {
	first := goodRow()
	broken := goodRow()
	broken.DataSetID = 42
	broken.WithCDN = false
	broken.ServiceURL = nil

	sel, err := resolve(t, []model.CandidateRow{first, broken}, rootLookup(), false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sel.DataSetID)
}

func TestResolve_Deterministic(t *testing.T) {
	rows := []model.CandidateRow{goodRow(), goodRow()}
	rows[1].DataSetID = 5
	for i := 0; i < 10; i++ {
		sel, err := resolve(t, rows, rootLookup(), false)
		require.NoError(t, err)
		assert.Equal(t, int64(1), sel.DataSetID)
	}
}

func TestResolve_SourceError(t *testing.T) {
	r := &Resolver{Source: &fakeSource{err: errors.New("boom")}}
	_, err := r.Resolve(context.Background(), rootLookup())
	require.Error(t, err)
	var ce *Error
	assert.False(t, errors.As(err, &ce), "store failures are not cascade errors")
}
