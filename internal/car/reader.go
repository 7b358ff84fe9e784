// Package car stream-parses CARv1 containers one block at a time and verifies
// each block against the identifier that requested it.
package car

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"
)

const (
	// maxHeaderSize bounds the dag-cbor header; real headers are tens of bytes.
	maxHeaderSize = 1 << 20
	// maxSectionSize bounds a single block section. IPFS block limits are far
	// below this; anything larger is a malformed or hostile container.
	maxSectionSize = 8 << 20
)

// DecodeError is a structural container violation: truncated stream, bad
// framing, unsupported version.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string { return "car: " + e.Msg }

func (e *DecodeError) Unwrap() error { return e.Err }

// ValidationError is an integrity violation: a block that is not the one the
// walker asked for, or bytes that do not hash to their claimed identifier.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "car: " + e.Msg }

// header is the dag-cbor CARv1 header. Roots are tag-42 CID links.
type header struct {
	Version uint64        `cbor:"version"`
	Roots   []cbor.RawTag `cbor:"roots"`
}

// Reader parses a CARv1 stream lazily. Blocks are surfaced in container
// order; nothing is buffered beyond the current section.
type Reader struct {
	r       io.Reader
	version uint64
	roots   []cid.Cid
}

// NewReader parses the container header and prepares for block iteration.
func NewReader(r io.Reader) (*Reader, error) {
	hdrLen, err := readUvarint(r)
	if err != nil {
		return nil, &DecodeError{Msg: "reading header length", Err: err}
	}
	if hdrLen == 0 || hdrLen > maxHeaderSize {
		return nil, &DecodeError{Msg: fmt.Sprintf("header length %d out of range", hdrLen)}
	}
	raw := make([]byte, hdrLen)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, &DecodeError{Msg: "container truncated inside header", Err: err}
	}

	var h header
	if err := cbor.Unmarshal(raw, &h); err != nil {
		return nil, &DecodeError{Msg: "malformed header", Err: err}
	}
	if h.Version != 1 {
		return nil, &DecodeError{Msg: fmt.Sprintf("unsupported container version %d", h.Version)}
	}
	if len(h.Roots) == 0 {
		return nil, &DecodeError{Msg: "header has no roots"}
	}

	roots := make([]cid.Cid, 0, len(h.Roots))
	for _, tag := range h.Roots {
		c, err := cidFromTag(tag)
		if err != nil {
			return nil, err
		}
		roots = append(roots, c)
	}

	return &Reader{r: r, version: h.Version, roots: roots}, nil
}

// Version returns the container version, always 1.
func (r *Reader) Version() uint64 { return r.version }

// Roots returns the root identifiers declared by the header.
func (r *Reader) Roots() []cid.Cid { return r.roots }

// Next reads the next block section. It returns io.EOF at a clean end of the
// container and a DecodeError if the stream ends inside a section.
func (r *Reader) Next() (cid.Cid, []byte, error) {
	sectionLen, err := readUvarint(r.r)
	if err != nil {
		if err == io.EOF {
			return cid.Undef, nil, io.EOF
		}
		return cid.Undef, nil, &DecodeError{Msg: "reading section length", Err: err}
	}
	if sectionLen == 0 || sectionLen > maxSectionSize {
		return cid.Undef, nil, &DecodeError{Msg: fmt.Sprintf("section length %d out of range", sectionLen)}
	}

	section := make([]byte, sectionLen)
	if _, err := io.ReadFull(r.r, section); err != nil {
		return cid.Undef, nil, &DecodeError{Msg: "container truncated inside block section", Err: err}
	}

	n, c, err := cid.CidFromBytes(section)
	if err != nil {
		return cid.Undef, nil, &DecodeError{Msg: "malformed block identifier", Err: err}
	}
	return c, section[n:], nil
}

// cidFromTag extracts a CID from a dag-cbor tag-42 link. The tagged value is a
// byte string whose first byte is the multibase identity prefix.
func cidFromTag(tag cbor.RawTag) (cid.Cid, error) {
	if tag.Number != 42 {
		return cid.Undef, &DecodeError{Msg: fmt.Sprintf("root link has tag %d, want 42", tag.Number)}
	}
	var raw []byte
	if err := cbor.Unmarshal(tag.Content, &raw); err != nil {
		return cid.Undef, &DecodeError{Msg: "root link is not a byte string", Err: err}
	}
	if len(raw) < 2 || raw[0] != 0x00 {
		return cid.Undef, &DecodeError{Msg: "root link missing identity multibase prefix"}
	}
	c, err := cid.Cast(raw[1:])
	if err != nil {
		return cid.Undef, &DecodeError{Msg: "malformed root identifier", Err: err}
	}
	return c, nil
}

// readUvarint reads one unsigned varint without over-reading the stream.
func readUvarint(r io.Reader) (uint64, error) {
	if br, ok := r.(io.ByteReader); ok {
		return varint.ReadUvarint(br)
	}
	return varint.ReadUvarint(&oneByteReader{r})
}

type oneByteReader struct{ r io.Reader }

func (o *oneByteReader) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(o.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}
