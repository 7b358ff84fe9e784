// Package model holds the persistent entities of the retrieval gateway.
package model

import "time"

// DataSet is the billing and ownership unit for a group of pieces. A data set
// is created by the provisioning process and never deleted; termination is
// recorded by the presence of TerminateServiceTxHash.
type DataSet struct {
	ID                     int64
	ServiceProviderID      int64
	PayerAddress           string
	WithCDN                bool
	WithIPFSIndexing       bool
	TerminateServiceTxHash *string
	TotalEgressBytesUsed   int64
}

// Piece is one stored content unit inside a data set. IPFSRootCID is set only
// for pieces indexed for IPFS-style retrieval. Price, when set, is the
// per-retrieval price in the payment asset's smallest unit and puts the piece
// behind the payment gate.
type Piece struct {
	ID                int64
	DataSetID         int64
	ContentIdentifier string
	IPFSRootCID       *string
	Price             *int64
}

// ServiceProvider is a storage provider. ServiceURL stays nil until the
// provider is approved; nil means "not yet approved", not "does not exist".
type ServiceProvider struct {
	ID         int64
	ServiceURL *string
}

// WalletScreening is a compliance screening result for a payer address.
// Addresses are stored lowercase. Absence of a row means "not sanctioned".
type WalletScreening struct {
	Address        string
	IsSanctioned   bool
	LastScreenedAt time.Time
}

// EgressQuota tracks remaining egress budgets for a CDN-priced data set.
// CacheMissEgressQuota is a separate budget decremented only when a retrieval
// was both billable and a cache miss; no ordering between the two budgets is
// enforced.
type EgressQuota struct {
	DataSetID            int64
	CDNEgressQuota       int64
	CacheMissEgressQuota int64
}

// RetrievalLog is one append-only retrieval outcome row. EgressBytes is nil
// when the response body was unreadable, CacheMiss is nil when the retrieval
// never reached the origin, and DataSetID is nil when the request failed
// before a data set was resolved.
type RetrievalLog struct {
	ID                 string
	Timestamp          time.Time
	ResponseStatus     int
	EgressBytes        *int64
	CacheMiss          *bool
	OriginTTFBMs       *int64
	OriginTTLBMs       *int64
	GatewayTTFBMs      *int64
	RequestCountryCode *string
	DataSetID          *int64
	BotName            *string
}

// CandidateRow is one row of the eligibility join across pieces, data sets,
// service providers, wallet screenings and egress quotas. Pointer fields come
// from left joins and carry the open-world defaults described on the entities
// above.
type CandidateRow struct {
	DataSetID            int64
	PieceID              int64
	PieceCID             string
	IPFSRootCID          *string
	Price                *int64
	PayerAddress         string
	WithCDN              bool
	WithIPFSIndexing     bool
	Sanctioned           bool
	ServiceProviderID    *int64
	ServiceURL           *string
	CDNEgressQuota       *int64
	CacheMissEgressQuota *int64
}
