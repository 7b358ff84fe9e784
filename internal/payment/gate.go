package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// PaymentHeader carries the signed payment token on requests.
const PaymentHeader = "X-PAYMENT"

// ReceiptHeader carries the settlement receipt on successful responses.
const ReceiptHeader = "X-PAYMENT-RESPONSE"

// Terms is the pricing of a resolved piece. A nil or non-positive price
// means the piece is unpriced and the gate is bypassed.
type Terms struct {
	Price *int64
	PayTo string
}

func (t Terms) Priced() bool { return t.Price != nil && *t.Price > 0 }

// Result is a retrieval outcome the gate inspects before release. The gate
// settles payment only after seeing a successful status, and withholds the
// body when settlement fails.
type Result struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// RetrieveFunc performs the actual retrieval once payment clears.
type RetrieveFunc func(ctx context.Context) (*Result, error)

// Gate runs the x402 state machine for one request.
type Gate struct {
	Facilitator Facilitator
	Network     string
	Asset       string
	// MaxTimeoutSeconds bounds how long a signed authorization stays
	// acceptable, advertised in the challenge.
	MaxTimeoutSeconds int
}

// Apply gates retrieve behind payment when terms carry a price. It returns
// either the retrieval result (receipt header attached on settled priced
// requests) or a 402 challenge result. Settlement runs at most once and
// only for 2xx retrieval outcomes.
func (g *Gate) Apply(ctx context.Context, r *http.Request, terms Terms, retrieve RetrieveFunc) (*Result, error) {
	if !terms.Priced() {
		return retrieve(ctx)
	}

	reqs := g.requirements(r, terms)

	token := r.Header.Get(PaymentHeader)
	if token == "" {
		return g.challenge(r, reqs, "X-PAYMENT header is required"), nil
	}

	payload, err := DecodePayment(token)
	if err != nil {
		return g.challenge(r, reqs, err.Error()), nil
	}

	verdict, err := g.Facilitator.Verify(ctx, payload, reqs)
	if err != nil {
		zap.L().Warn("payment verification call failed",
			zap.String("resource", reqs.Resource),
			zap.Error(err))
		return g.challenge(r, reqs, "unexpected verification error"), nil
	}
	if !verdict.IsValid {
		reason := verdict.InvalidReason
		if reason == "" {
			reason = "payment is not valid"
		}
		return g.challenge(r, reqs, reason), nil
	}

	res, err := retrieve(ctx)
	if err != nil {
		return nil, err
	}
	if res.Status < 200 || res.Status >= 300 {
		return res, nil
	}

	receiptValue, err := g.settle(ctx, payload, reqs)
	if err != nil {
		if res.Body != nil {
			res.Body.Close()
		}
		return g.challenge(r, reqs, err.Error()), nil
	}
	if res.Header == nil {
		res.Header = http.Header{}
	}
	res.Header.Set(ReceiptHeader, receiptValue)
	return res, nil
}

// settle runs the settlement call and encodes the receipt. Any failure,
// explicit or transport, comes back as an error whose message is safe to
// show in a 402 challenge.
func (g *Gate) settle(ctx context.Context, payload *Payload, reqs Requirements) (string, error) {
	sr, err := g.Facilitator.Settle(ctx, payload, reqs)
	if err != nil {
		zap.L().Error("payment settlement call failed",
			zap.String("resource", reqs.Resource),
			zap.Error(err))
		return "", fmt.Errorf("payment settlement failed")
	}
	if !sr.Success {
		reason := sr.ErrorReason
		if reason == "" {
			reason = "payment settlement failed"
		}
		return "", fmt.Errorf("%s", reason)
	}
	receipt, err := EncodeReceipt(sr)
	if err != nil {
		return "", err
	}
	return receipt, nil
}

func (g *Gate) requirements(r *http.Request, terms Terms) Requirements {
	return Requirements{
		Scheme:            SchemeExact,
		Network:           g.Network,
		MaxAmountRequired: strconv.FormatInt(*terms.Price, 10),
		Resource:          resourceURL(r),
		Description:       "Piece retrieval",
		MimeType:          "application/octet-stream",
		PayTo:             terms.PayTo,
		MaxTimeoutSeconds: g.MaxTimeoutSeconds,
		Asset:             g.Asset,
	}
}

func resourceURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// challenge builds a 402 result: an HTML paywall for browser-like requests,
// a JSON challenge body otherwise.
func (g *Gate) challenge(r *http.Request, reqs Requirements, reason string) *Result {
	header := http.Header{}
	var body []byte

	if wantsHTML(r) {
		header.Set("Content-Type", "text/html; charset=utf-8")
		var buf bytes.Buffer
		if err := paywallTemplate.Execute(&buf, paywallData{Reason: reason, Requirements: reqs}); err != nil {
			zap.L().Error("render paywall", zap.Error(err))
		}
		body = buf.Bytes()
	} else {
		header.Set("Content-Type", "application/json")
		body, _ = json.Marshal(Challenge{
			X402Version: ProtocolVersion,
			Error:       reason,
			Accepts:     []Requirements{reqs},
		})
	}

	return &Result{
		Status: http.StatusPaymentRequired,
		Header: header,
		Body:   io.NopCloser(bytes.NewReader(body)),
	}
}

// wantsHTML decides whether the client is a browser: it advertises HTML and
// sends a Mozilla-family user agent.
func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html") &&
		strings.Contains(r.Header.Get("User-Agent"), "Mozilla")
}

type paywallData struct {
	Reason       string
	Requirements Requirements
}

var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html>
<head><title>Payment Required</title></head>
<body>
<h1>402 Payment Required</h1>
<p>{{.Reason}}</p>
<p>This content requires a payment of {{.Requirements.MaxAmountRequired}} (asset {{.Requirements.Asset}})
to <code>{{.Requirements.PayTo}}</code> on the {{.Requirements.Network}} network.</p>
<p>Send an <code>X-PAYMENT</code> header with a signed authorization to retrieve
<code>{{.Requirements.Resource}}</code>.</p>
</body>
</html>
`))
