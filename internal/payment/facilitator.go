package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/filbeam/gateway/internal/resilience"
)

// Facilitator verifies and settles x402 payments. Both calls hit an
// external service; errors here are transport or facilitator faults, not
// payment rejections (those come back inside the response types).
type Facilitator interface {
	Verify(ctx context.Context, p *Payload, reqs Requirements) (*VerifyResponse, error)
	Settle(ctx context.Context, p *Payload, reqs Requirements) (*SettleResponse, error)
}

// facilitatorRequest is the body both facilitator endpoints take.
type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

// HTTPFacilitator talks to a facilitator service over its JSON API. A circuit
// breaker guards both endpoints: a facilitator outage trips it and requests
// fail fast with ErrCircuitOpen until the service recovers, which the gate
// surfaces as a 402 rather than hammering a dead dependency.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

func NewHTTPFacilitator(baseURL string, timeout time.Duration) *HTTPFacilitator {
	return &HTTPFacilitator{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			ShouldTrip: resilience.IsTransient,
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("facilitator circuit state changed",
					zap.Stringer("from", from),
					zap.Stringer("to", to))
			},
		}),
	}
}

func (f *HTTPFacilitator) Verify(ctx context.Context, p *Payload, reqs Requirements) (*VerifyResponse, error) {
	var out VerifyResponse
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		return f.post(ctx, "/verify", p, reqs, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) Settle(ctx context.Context, p *Payload, reqs Requirements) (*SettleResponse, error) {
	var out SettleResponse
	err := f.breaker.Execute(ctx, func(ctx context.Context) error {
		return f.post(ctx, "/settle", p, reqs, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, p *Payload, reqs Requirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         ProtocolVersion,
		PaymentPayload:      p,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return eris.Wrapf(err, "payment: encode facilitator %s request", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrapf(err, "payment: build facilitator %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "payment: call facilitator %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := eris.Errorf("payment: facilitator %s returned status %d", path, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return eris.Wrapf(err, "payment: decode facilitator %s response", path)
	}
	return nil
}
