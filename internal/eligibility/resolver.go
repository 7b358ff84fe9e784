// Package eligibility selects the single authorized (data set, piece, service
// provider) triple for a retrieval request, or fails with a stage-specific
// reason.
//
// The resolver runs one join query and applies an ordered list of predicates
// to the candidate rows. Each filter stage narrows the set and fails with its
// own reason when the set becomes empty; the sanction stage instead rejects
// the whole request if any surviving row is sanctioned. Business rules are
// added or reordered by editing the stage lists below.
package eligibility

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/filbeam/gateway/internal/model"
)

// Class is the HTTP-style failure class carried by a cascade error.
type Class int

const (
	ClassNotFound Class = iota
	ClassPaymentRequired
	ClassForbidden
)

// Error is a cascade failure. Reason is safe to return to clients.
type Error struct {
	Stage  string
	Class  Class
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// Kind selects the lookup key for a resolution.
type Kind int

const (
	// KindRootCID looks pieces up by their IPFS root CID.
	KindRootCID Kind = iota
	// KindIDs looks one piece up by its (data set, piece) id pair.
	KindIDs
	// KindPieceCID looks pieces up by their piece-level content identifier.
	KindPieceCID
)

// Lookup is one resolution request. Payer is the requesting payer address;
// when empty (identity-addressed slugs carry no wallet) the payer-match rule
// accepts every row.
type Lookup struct {
	Kind      Kind
	RootCID   string
	DataSetID int64
	PieceID   int64
	PieceCID  string
	Payer     string
}

// Selection is the authorized triple plus everything the retrieval path needs
// from the winning row.
type Selection struct {
	DataSetID            int64
	PieceID              int64
	PieceCID             string
	IPFSRootCID          *string
	ServiceProviderID    int64
	ServiceURL           string
	Price                *int64
	CDNEgressQuota       *int64
	CacheMissEgressQuota *int64
}

// CandidateSource runs the eligibility join for each lookup key.
type CandidateSource interface {
	CandidatesByRootCID(ctx context.Context, rootCID string) ([]model.CandidateRow, error)
	CandidatesByIDs(ctx context.Context, dataSetID, pieceID int64) ([]model.CandidateRow, error)
	CandidatesByPieceCID(ctx context.Context, pieceCID string) ([]model.CandidateRow, error)
}

// Resolver applies the cascade. EnforceQuotas adds the egress budget stages;
// deployments without CDN-priced data sets leave it off.
type Resolver struct {
	Source        CandidateSource
	EnforceQuotas bool
}

type stageMode int

const (
	modeFilter stageMode = iota
	// modeRejectAny fails the whole request when any surviving row matches,
	// instead of filtering matching rows out.
	modeRejectAny
)

type stage struct {
	name     string
	mode     stageMode
	class    Class
	reason   string
	rootOnly bool
	quota    bool
	pred     func(row model.CandidateRow, payer string) bool
}

// stages is the ordered rule list. Order is load-bearing: each stage's failure
// reason is only reachable when every earlier stage passed.
var stages = []stage{
	{
		name: "provider", class: ClassNotFound,
		reason: "content not found: no service provider is associated with this content",
		pred:   func(r model.CandidateRow, _ string) bool { return r.ServiceProviderID != nil },
	},
	{
		name: "payer", class: ClassPaymentRequired,
		reason: "no payment rail exists between the payer and a storage provider for this content",
		pred: func(r model.CandidateRow, payer string) bool {
			return payer == "" || strings.EqualFold(r.PayerAddress, payer)
		},
	},
	{
		name: "cdn", class: ClassPaymentRequired,
		reason: "CDN delivery is not enabled for this data set",
		pred:   func(r model.CandidateRow, _ string) bool { return r.WithCDN },
	},
	{
		name: "ipfs-indexing", class: ClassPaymentRequired, rootOnly: true,
		reason: "IPFS indexing is not enabled for this data set",
		pred:   func(r model.CandidateRow, _ string) bool { return r.WithIPFSIndexing },
	},
	{
		name: "sanction", mode: modeRejectAny, class: ClassForbidden,
		reason: "the payer address failed compliance screening",
		pred:   func(r model.CandidateRow, _ string) bool { return r.Sanctioned },
	},
	{
		name: "approved-provider", class: ClassNotFound,
		reason: "content not found: no approved service provider serves this content",
		pred:   func(r model.CandidateRow, _ string) bool { return r.ServiceURL != nil },
	},
	{
		name: "ipfs-root", class: ClassNotFound, rootOnly: true,
		reason: "content not found: no IPFS root is recorded for this content",
		pred:   func(r model.CandidateRow, _ string) bool { return r.IPFSRootCID != nil },
	},
	{
		name: "cdn-quota", class: ClassPaymentRequired, quota: true,
		reason: "the data set's CDN egress quota is exhausted",
		pred:   func(r model.CandidateRow, _ string) bool { return r.CDNEgressQuota != nil && *r.CDNEgressQuota > 0 },
	},
	{
		name: "cache-miss-quota", class: ClassPaymentRequired, quota: true,
		reason: "the data set's cache-miss egress quota is exhausted",
		pred: func(r model.CandidateRow, _ string) bool {
			return r.CacheMissEgressQuota != nil && *r.CacheMissEgressQuota > 0
		},
	},
}

// Resolve runs the cascade and returns the first surviving row.
//
// First-row-wins is an arbitrary but stable tie-break: rows arrive ordered by
// (data set, piece) id, so a content identifier replicated across providers
// always resolves the same way. Picking by priority or measured latency would
// be the principled rule; observable behavior depends on this one.
func (r *Resolver) Resolve(ctx context.Context, lookup Lookup) (*Selection, error) {
	rows, err := r.query(ctx, lookup)
	if err != nil {
		return nil, eris.Wrap(err, "eligibility: query candidates")
	}
	if len(rows) == 0 {
		return nil, &Error{Stage: "lookup", Class: ClassNotFound, Reason: "content not found"}
	}

	for _, st := range stages {
		if st.rootOnly && lookup.Kind != KindRootCID {
			continue
		}
		if st.quota && !r.EnforceQuotas {
			continue
		}

		if st.mode == modeRejectAny {
			for _, row := range rows {
				if st.pred(row, lookup.Payer) {
					zap.L().Warn("eligibility: request rejected",
						zap.String("stage", st.name),
						zap.Int64("data_set_id", row.DataSetID),
					)
					return nil, &Error{Stage: st.name, Class: st.class, Reason: st.reason}
				}
			}
			continue
		}

		kept := rows[:0:0]
		for _, row := range rows {
			if st.pred(row, lookup.Payer) {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			return nil, &Error{Stage: st.name, Class: st.class, Reason: st.reason}
		}
		rows = kept
	}

	winner := rows[0]
	return &Selection{
		DataSetID:            winner.DataSetID,
		PieceID:              winner.PieceID,
		PieceCID:             winner.PieceCID,
		IPFSRootCID:          winner.IPFSRootCID,
		ServiceProviderID:    *winner.ServiceProviderID,
		ServiceURL:           *winner.ServiceURL,
		Price:                winner.Price,
		CDNEgressQuota:       winner.CDNEgressQuota,
		CacheMissEgressQuota: winner.CacheMissEgressQuota,
	}, nil
}

func (r *Resolver) query(ctx context.Context, lookup Lookup) ([]model.CandidateRow, error) {
	switch lookup.Kind {
	case KindRootCID:
		return r.Source.CandidatesByRootCID(ctx, lookup.RootCID)
	case KindIDs:
		return r.Source.CandidatesByIDs(ctx, lookup.DataSetID, lookup.PieceID)
	case KindPieceCID:
		return r.Source.CandidatesByPieceCID(ctx, lookup.PieceCID)
	default:
		return nil, eris.Errorf("unknown lookup kind %d", lookup.Kind)
	}
}
