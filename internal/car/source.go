package car

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
)

// SequentialSource serves walker block requests from a container in order.
// Container block order is expected to match DAG traversal order, so each
// request must be satisfied by the very next section; a mismatch is fatal
// rather than skipped.
type SequentialSource struct {
	reader *Reader
	root   cid.Cid
}

// NewSequentialSource wraps a Reader. root is only used to name the container
// in integrity errors.
func NewSequentialSource(reader *Reader, root cid.Cid) *SequentialSource {
	return &SequentialSource{reader: reader, root: root}
}

// Next returns the bytes of the next block, which must carry the requested
// identifier and hash to it.
func (s *SequentialSource) Next(ctx context.Context, want cid.Cid) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	got, data, err := s.reader.Next()
	if err != nil {
		if err == io.EOF {
			return nil, &DecodeError{Msg: fmt.Sprintf("container truncated: block %s missing", want)}
		}
		return nil, err
	}
	if !got.Equals(want) {
		return nil, &ValidationError{Msg: fmt.Sprintf("block %s does not match requested %s", got, want)}
	}

	prefix := want.Prefix()
	sum, err := prefix.Sum(data)
	if err != nil {
		return nil, &DecodeError{Msg: "hashing block bytes", Err: err}
	}
	if !sum.Equals(want) {
		return nil, &ValidationError{Msg: fmt.Sprintf("block %s failed integrity check under root %s", want, s.root)}
	}
	return data, nil
}
