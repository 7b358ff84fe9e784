// Package usage is the durable sink for retrieval outcomes and quota
// decrements. Callers invoke it from background tasks; the request path never
// waits on a billing write.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/filbeam/gateway/internal/model"
	"github.com/filbeam/gateway/internal/resilience"
)

// Recorder is the collaborator interface consumed by the retrieval path.
type Recorder interface {
	// Record appends one retrieval outcome and, when the entry carries both a
	// data set and an egress count, adds the bytes to the data set's counter.
	Record(ctx context.Context, entry model.RetrievalLog) error

	// DecrementQuota subtracts billable bytes from the data set's egress
	// budgets. cacheMissBytes is zero when the retrieval was a cache hit.
	DecrementQuota(ctx context.Context, dataSetID, bytes, cacheMissBytes int64) error
}

// Store is the slice of the relational store the recorder writes through.
type Store interface {
	InsertRetrievalLog(ctx context.Context, entry model.RetrievalLog) error
	AddEgress(ctx context.Context, dataSetID, bytes int64) error
	DecrementQuota(ctx context.Context, dataSetID, bytes, cacheMissBytes int64) error
}

// StoreRecorder writes usage through the relational store, retrying transient
// failures so brief store hiccups do not lose billing rows.
type StoreRecorder struct {
	store Store
	retry resilience.RetryConfig
}

// NewStoreRecorder creates a StoreRecorder with the default retry policy.
func NewStoreRecorder(store Store) *StoreRecorder {
	return &StoreRecorder{store: store, retry: resilience.DefaultRetryConfig()}
}

func (r *StoreRecorder) Record(ctx context.Context, entry model.RetrievalLog) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	err := resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.store.InsertRetrievalLog(ctx, entry)
	})
	if err != nil {
		return eris.Wrap(err, "usage: insert retrieval log")
	}

	// Only successful deliveries count against the data set's egress total;
	// error bodies are logged but never billed.
	if entry.ResponseStatus < 200 || entry.ResponseStatus >= 300 {
		return nil
	}
	if entry.DataSetID == nil || entry.EgressBytes == nil || *entry.EgressBytes == 0 {
		return nil
	}
	err = resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.store.AddEgress(ctx, *entry.DataSetID, *entry.EgressBytes)
	})
	if err != nil {
		zap.L().Error("usage: egress counter update failed",
			zap.Int64("data_set_id", *entry.DataSetID),
			zap.Int64("bytes", *entry.EgressBytes),
			zap.Error(err),
		)
		return eris.Wrap(err, "usage: add egress")
	}
	return nil
}

func (r *StoreRecorder) DecrementQuota(ctx context.Context, dataSetID, bytes, cacheMissBytes int64) error {
	err := resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.store.DecrementQuota(ctx, dataSetID, bytes, cacheMissBytes)
	})
	return eris.Wrap(err, "usage: decrement quota")
}
