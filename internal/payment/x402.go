// Package payment implements the x402 challenge/verify/settle flow for
// priced pieces. Verification and settlement are delegated to an external
// facilitator; this package owns the protocol shapes and the per-request
// state machine.
package payment

import (
	"encoding/base64"
	"encoding/json"

	"github.com/rotisserie/eris"
)

// ProtocolVersion is the x402 protocol version this gateway speaks.
const ProtocolVersion = 1

// SchemeExact is the only payment scheme the gateway accepts: an
// EIP-3009-style transfer authorization for an exact amount.
const SchemeExact = "exact"

// Requirements is one entry of a 402 challenge's accepts list and the
// requirements document sent to the facilitator alongside a payment.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
}

// Authorization is the EIP-3009 transfer authorization signed by the payer.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload carries the signed authorization for the exact scheme.
type ExactPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// Payload is the decoded X-PAYMENT request header.
type Payload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// Challenge is the machine-readable 402 response body.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Error       string         `json:"error"`
	Accepts     []Requirements `json:"accepts"`
}

// VerifyResponse is the facilitator's answer to a verify call.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the facilitator's answer to a settle call. Transaction
// identifies the on-chain settlement when Success is true.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// DecodePayment parses an X-PAYMENT header value: base64 over a JSON
// payload. Any malformed header is an error; the gate treats it the same
// as a missing header.
func DecodePayment(header string) (*Payload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, eris.Wrap(err, "payment: X-PAYMENT header is not valid base64")
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, eris.Wrap(err, "payment: X-PAYMENT header is not valid JSON")
	}
	if p.X402Version != ProtocolVersion {
		return nil, eris.Errorf("payment: unsupported x402 version %d", p.X402Version)
	}
	if p.Scheme != SchemeExact {
		return nil, eris.Errorf("payment: unsupported payment scheme %q", p.Scheme)
	}
	return &p, nil
}

// EncodeReceipt encodes a settlement response for the X-PAYMENT-RESPONSE
// header.
func EncodeReceipt(sr *SettleResponse) (string, error) {
	raw, err := json.Marshal(sr)
	if err != nil {
		return "", eris.Wrap(err, "payment: encode settlement receipt")
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
