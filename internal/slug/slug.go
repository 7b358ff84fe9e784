// Package slug encodes (dataSetID, pieceID) pairs into URL-safe, case-insensitive
// hostname labels and decodes them back.
//
// Each integer is rendered as its minimal big-endian byte string and base32-encoded
// with a lowercase alphabet that never collides with the version digit or the zero
// shorthand. Zero has an empty minimal byte string, so it is written as the literal
// "0" instead. The composite label is "{version}-{dataSetID}-{pieceID}".
package slug

import (
	"encoding/base32"
	"math/big"
	"strings"

	"github.com/rotisserie/eris"
)

// Version is the only label version this codec understands.
const Version = "1"

// The alphabet is RFC 4648 base32, lowercased. It contains no "0" and no "1",
// which keeps the zero shorthand and the version digit unambiguous.
var encoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// EncodeInt encodes a single nonnegative integer as a label segment.
func EncodeInt(n *big.Int) (string, error) {
	if n == nil || n.Sign() < 0 {
		return "", eris.New("slug: value must be a nonnegative integer")
	}
	if n.Sign() == 0 {
		return "0", nil
	}
	return encoding.EncodeToString(n.Bytes()), nil
}

// DecodeInt decodes a single label segment. It accepts any mix of upper and
// lower case.
func DecodeInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, eris.New("empty segment")
	}
	s = strings.ToLower(s)
	if s == "0" {
		return big.NewInt(0), nil
	}
	raw, err := encoding.DecodeString(s)
	if err != nil {
		return nil, eris.Errorf("segment %q contains characters outside the label alphabet", s)
	}
	return new(big.Int).SetBytes(raw), nil
}

// Encode builds the composite hostname label for a data set / piece pair.
func Encode(dataSetID, pieceID *big.Int) (string, error) {
	ds, err := EncodeInt(dataSetID)
	if err != nil {
		return "", eris.Wrap(err, "slug: encode data set id")
	}
	p, err := EncodeInt(pieceID)
	if err != nil {
		return "", eris.Wrap(err, "slug: encode piece id")
	}
	return Version + "-" + ds + "-" + p, nil
}

// Decode parses a composite label back into its identifier pair. Each failure
// mode yields a distinct message because decode errors are returned verbatim
// in HTTP error bodies.
func Decode(label string) (dataSetID, pieceID *big.Int, err error) {
	parts := strings.Split(label, "-")
	if len(parts) != 3 {
		return nil, nil, eris.Errorf("slug: expected 3 dash-separated parts, got %d", len(parts))
	}
	if parts[0] != Version {
		return nil, nil, eris.Errorf("slug: unsupported version %q", parts[0])
	}
	dataSetID, err = DecodeInt(parts[1])
	if err != nil {
		return nil, nil, eris.Wrap(err, "slug: invalid data set id")
	}
	pieceID, err = DecodeInt(parts[2])
	if err != nil {
		return nil, nil, eris.Wrap(err, "slug: invalid piece id")
	}
	return dataSetID, pieceID, nil
}

// EncodeIDs is a convenience for callers that address rows by int64 keys.
func EncodeIDs(dataSetID, pieceID int64) (string, error) {
	return Encode(big.NewInt(dataSetID), big.NewInt(pieceID))
}

// DecodeIDs decodes a label and narrows both halves to int64, failing when a
// value does not fit the store's key range.
func DecodeIDs(label string) (dataSetID, pieceID int64, err error) {
	ds, p, err := Decode(label)
	if err != nil {
		return 0, 0, err
	}
	if !ds.IsInt64() {
		return 0, 0, eris.New("slug: data set id is out of range")
	}
	if !p.IsInt64() {
		return 0, 0, eris.New("slug: piece id is out of range")
	}
	return ds.Int64(), p.Int64(), nil
}
