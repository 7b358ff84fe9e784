// Package gateway is the HTTP surface of the retrieval pipeline: hostname
// parsing, the authorization cascade, the payment gate, origin fetch, CAR
// decode and metered delivery.
package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ipfs/go-cid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filbeam/gateway/internal/car"
	"github.com/filbeam/gateway/internal/denylist"
	"github.com/filbeam/gateway/internal/egress"
	"github.com/filbeam/gateway/internal/eligibility"
	"github.com/filbeam/gateway/internal/model"
	"github.com/filbeam/gateway/internal/origin"
	"github.com/filbeam/gateway/internal/payment"
	"github.com/filbeam/gateway/internal/unixfs"
	"github.com/filbeam/gateway/internal/usage"
)

// DataSetHeader names the data set a successful response was served from.
const DataSetHeader = "X-Data-Set-Id"

// OriginFetcher is the slice of the origin client the handler uses.
type OriginFetcher interface {
	Fetch(ctx context.Context, serviceURL, rootIdentifier, subpath string, cacheTTL time.Duration) (*origin.Result, error)
	FetchPiece(ctx context.Context, serviceURL, pieceCID string, cacheTTL time.Duration) (*origin.Result, error)
}

// HealthCheck is one named dependency probe for the health endpoint.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Options are the request-independent handler settings.
type Options struct {
	// DNSRoot is the hostname suffix below which retrieval slugs live,
	// e.g. ".filbeam.io".
	DNSRoot        string
	OriginCacheTTL time.Duration
	ClientCacheTTL time.Duration
	EnforceQuotas  bool
}

// Handler serves retrievals. All fields must be set before first use.
type Handler struct {
	Resolver *eligibility.Resolver
	Denylist denylist.Gate
	Fetcher  OriginFetcher
	Gate     *payment.Gate
	Recorder usage.Recorder
	Checks   []HealthCheck
	Opts     Options

	tasks sync.WaitGroup
}

// Router builds the chi router for the handler.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{DataSetHeader, payment.ReceiptHeader},
	}))
	// 405s are not retrieval outcomes; they bypass usage logging.
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
	r.Get("/health", h.health)
	r.Get("/*", h.retrieve)
	r.Head("/*", h.retrieve)
	return r
}

// Wait blocks until all background usage tasks have settled. Called during
// shutdown so billing rows are not lost.
func (h *Handler) Wait() { h.tasks.Wait() }

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("host", r.Host),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var failed atomic.Value
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range h.Checks {
		g.Go(func() error {
			if err := c.Ping(ctx); err != nil {
				failed.Store(c.Name)
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			return nil
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := g.Wait(); err != nil {
		zap.L().Warn("health check failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unhealthy","dependency":%q}`, failed.Load())
		return
	}
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, `{"status":"ok"}`)
}

// originMeta carries fetch-side observations into usage recording.
type originMeta struct {
	cacheMiss *bool
	start     time.Time
	// downgraded marks a provider 5xx turned into a generic gateway error;
	// its body is never read and zero egress is recorded.
	downgraded bool
}

func (h *Handler) retrieve(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	label, rerr := parseLabel(r.Host, h.Opts.DNSRoot)
	if rerr != nil {
		h.respondError(w, r, start, nil, rerr)
		return
	}
	ret, rerr := parseRetrieval(label, r.URL.Path, r.URL.Query().Get("format"))
	if rerr != nil {
		h.respondError(w, r, start, nil, rerr)
		return
	}

	sel, err := h.Resolver.Resolve(ctx, ret.lookup)
	if err != nil {
		h.respondError(w, r, start, nil, classify(err))
		return
	}

	fetchID, pieceAddressed, rerr := fetchIdentity(ret, sel)
	if rerr != nil {
		h.respondError(w, r, start, sel, rerr)
		return
	}

	// Denylisted roots 404 before the origin runs, whatever the payment
	// state, so blocked content never lands in the edge cache.
	blocked, err := h.Denylist.IsBlocked(ctx, fetchID)
	if err != nil {
		h.respondError(w, r, start, sel, internal(err))
		return
	}
	if blocked {
		h.respondError(w, r, start, sel, notFound("content not found"))
		return
	}

	meta := &originMeta{}
	terms := payment.Terms{Price: sel.Price, PayTo: ret.lookup.Payer}
	res, err := h.Gate.Apply(ctx, r, terms, func(ctx context.Context) (*payment.Result, error) {
		return h.fetchAndDecode(ctx, ret, sel, fetchID, pieceAddressed, meta)
	})
	if err != nil {
		h.respondError(w, r, start, sel, classify(err))
		return
	}

	h.send(w, r, start, sel, res, meta)
}

// fetchIdentity picks the origin-side content identifier: the root CID when
// one is known, the piece CID otherwise.
func fetchIdentity(ret *retrieval, sel *eligibility.Selection) (string, bool, *requestError) {
	switch ret.lookup.Kind {
	case eligibility.KindRootCID:
		return ret.lookup.RootCID, false, nil
	case eligibility.KindPieceCID:
		return sel.PieceCID, true, nil
	default:
		if sel.IPFSRootCID != nil && *sel.IPFSRootCID != "" {
			return *sel.IPFSRootCID, false, nil
		}
		return sel.PieceCID, true, nil
	}
}

// fetchAndDecode runs the origin fetch and shapes the response body per the
// requested representation. It is invoked by the payment gate only after
// payment clears, and never settles anything itself.
func (h *Handler) fetchAndDecode(ctx context.Context, ret *retrieval, sel *eligibility.Selection, fetchID string, pieceAddressed bool, meta *originMeta) (*payment.Result, error) {
	var ores *origin.Result
	var err error
	if pieceAddressed {
		ores, err = h.Fetcher.FetchPiece(ctx, sel.ServiceURL, fetchID, h.Opts.OriginCacheTTL)
	} else {
		ores, err = h.Fetcher.Fetch(ctx, sel.ServiceURL, fetchID, ret.subpath, h.Opts.OriginCacheTTL)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUpstream, err)
	}
	meta.cacheMiss = &ores.CacheMiss
	meta.start = ores.Start

	resp := ores.Response
	if resp.StatusCode >= 500 {
		resp.Body.Close()
		meta.downgraded = true
		zap.L().Warn("origin returned server error",
			zap.Int("status", resp.StatusCode),
			zap.String("provider", sel.ServiceURL))
		hdr := http.Header{}
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		return &payment.Result{
			Status: http.StatusBadGateway,
			Header: hdr,
			Body:   io.NopCloser(strings.NewReader("origin retrieval failed")),
		}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		hdr := http.Header{}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			hdr.Set("Content-Type", ct)
		}
		return &payment.Result{Status: resp.StatusCode, Header: hdr, Body: resp.Body}, nil
	}

	hdr := http.Header{}
	if pieceAddressed {
		ct := resp.Header.Get("Content-Type")
		if ct == "" {
			ct = "application/octet-stream"
		}
		hdr.Set("Content-Type", ct)
		return &payment.Result{Status: http.StatusOK, Header: hdr, Body: resp.Body}, nil
	}
	if ret.rawCAR {
		hdr.Set("Content-Type", "application/vnd.ipld.car")
		return &payment.Result{Status: http.StatusOK, Header: hdr, Body: resp.Body}, nil
	}

	root, err := cid.Decode(fetchID)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("resolved root %q is not a valid identifier: %w", fetchID, err)
	}
	reader, err := car.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	file, err := unixfs.WalkFile(ctx, car.NewSequentialSource(reader, root), root, ret.subpath)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}

	hdr.Set("Content-Disposition", "inline")
	return &payment.Result{
		Status: http.StatusOK,
		Header: hdr,
		Body:   &fileBody{file: file, upstream: resp.Body},
	}, nil
}

// fileBody streams a decoded UnixFS file, closing the origin stream when the
// consumer is done so the provider connection is released.
type fileBody struct {
	file     *unixfs.File
	upstream io.Closer
}

func (b *fileBody) Read(p []byte) (int, error) { return b.file.Read(p) }

func (b *fileBody) Close() error { return b.upstream.Close() }

func (h *Handler) send(w http.ResponseWriter, r *http.Request, start time.Time, sel *eligibility.Selection, res *payment.Result, meta *originMeta) {
	hdr := w.Header()
	for k, vv := range res.Header {
		for _, v := range vv {
			hdr.Add(k, v)
		}
	}
	if res.Status >= 200 && res.Status < 300 {
		hdr.Set(DataSetHeader, strconv.FormatInt(sel.DataSetID, 10))
		hdr.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(h.Opts.ClientCacheTTL.Seconds())))
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(res.Status)
		if res.Body != nil {
			res.Body.Close()
		}
		h.record(r, start, sel, res.Status, egress.Outcome{}, meta)
		return
	}

	w.WriteHeader(res.Status)
	var out egress.Outcome
	if res.Body != nil {
		out = egress.Stream(w, res.Body)
		res.Body.Close()
		if out.Err != nil {
			zap.L().Debug("response stream ended early", zap.Error(out.Err))
		}
	}
	if meta.downgraded {
		out.Bytes = 0
	}
	h.record(r, start, sel, res.Status, out, meta)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, start time.Time, sel *eligibility.Selection, rerr *requestError) {
	if rerr.cause != nil {
		zap.L().Error("retrieval failed",
			zap.String("host", r.Host),
			zap.String("path", r.URL.Path),
			zap.Int("status", rerr.status),
			zap.Error(rerr.cause))
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(rerr.status)
	if r.Method != http.MethodHead {
		io.WriteString(w, rerr.message)
	}
	h.record(r, start, sel, rerr.status, egress.Outcome{}, &originMeta{})
}

// record schedules the usage write off the request path. The task joins
// Wait() so shutdown drains pending billing rows.
func (h *Handler) record(r *http.Request, start time.Time, sel *eligibility.Selection, status int, out egress.Outcome, meta *originMeta) {
	entry := model.RetrievalLog{
		ResponseStatus:     status,
		RequestCountryCode: countryCode(r),
		BotName:            botName(r),
	}
	bytes := out.Bytes
	entry.EgressBytes = &bytes
	entry.CacheMiss = meta.cacheMiss
	if sel != nil {
		id := sel.DataSetID
		entry.DataSetID = &id
	}
	if !meta.start.IsZero() {
		if d, ok := out.TTFB(meta.start); ok {
			ms := d.Milliseconds()
			entry.OriginTTFBMs = &ms
		}
		if d, ok := out.TTLB(meta.start); ok {
			ms := d.Milliseconds()
			entry.OriginTTLBMs = &ms
		}
	}
	if d, ok := out.TTFB(start); ok {
		ms := d.Milliseconds()
		entry.GatewayTTFBMs = &ms
	}

	billable := h.Opts.EnforceQuotas && sel != nil && status >= 200 && status < 300 && out.Bytes > 0
	dataSetID := int64(0)
	if sel != nil {
		dataSetID = sel.DataSetID
	}
	cacheMissBytes := int64(0)
	if meta.cacheMiss != nil && *meta.cacheMiss {
		cacheMissBytes = out.Bytes
	}

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := h.Recorder.Record(ctx, entry); err != nil {
			zap.L().Error("record retrieval", zap.Error(err))
		}
		if billable {
			if err := h.Recorder.DecrementQuota(ctx, dataSetID, out.Bytes, cacheMissBytes); err != nil {
				zap.L().Error("decrement egress quota",
					zap.Int64("data_set_id", dataSetID),
					zap.Error(err))
			}
		}
	}()
}
