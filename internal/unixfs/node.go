// Package unixfs decodes the dag-pb file-system DAG embedded in a container
// and extracts a single file as a lazy byte stream.
package unixfs

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"google.golang.org/protobuf/encoding/protowire"
)

// NodeType is the UnixFS data type tag.
type NodeType int64

const (
	TRaw       NodeType = 0
	TDirectory NodeType = 1
	TFile      NodeType = 2
	TMetadata  NodeType = 3
	TSymlink   NodeType = 4
	THAMTShard NodeType = 5
)

// DecodeError is a structural dag-pb or UnixFS violation.
type DecodeError struct {
	Msg string
	Err error
}

func (e *DecodeError) Error() string { return "unixfs: " + e.Msg }

func (e *DecodeError) Unwrap() error { return e.Err }

// NotFoundError marks a walk that resolved to nothing servable: a missing
// directory entry, or an entry that is not a plain file.
type NotFoundError struct {
	Path   string
	Reason string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unixfs: %s not found: %s", e.Path, e.Reason)
}

// Link is one dag-pb link.
type Link struct {
	Cid  cid.Cid
	Name string
	Size uint64
}

// Node is a decoded dag-pb node with its UnixFS payload.
type Node struct {
	Links []Link
	FS    *FSData
}

// FSData is the UnixFS metadata message carried in a dag-pb node's data field.
type FSData struct {
	Type       NodeType
	Content    []byte
	FileSize   uint64
	BlockSizes []uint64
}

// DecodeNode parses a dag-pb block. Field 1 is the UnixFS payload, field 2 the
// repeated links.
func DecodeNode(b []byte) (*Node, error) {
	node := &Node{}
	var fsRaw []byte

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &DecodeError{Msg: "malformed dag-pb tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed dag-pb data field", Err: protowire.ParseError(n)}
			}
			fsRaw = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed dag-pb link", Err: protowire.ParseError(n)}
			}
			link, err := decodeLink(v)
			if err != nil {
				return nil, err
			}
			node.Links = append(node.Links, link)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed dag-pb field", Err: protowire.ParseError(n)}
			}
			b = b[n:]
		}
	}

	if fsRaw != nil {
		fs, err := decodeFSData(fsRaw)
		if err != nil {
			return nil, err
		}
		node.FS = fs
	}
	return node, nil
}

func decodeLink(b []byte) (Link, error) {
	var link Link
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return link, &DecodeError{Msg: "malformed link tag", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return link, &DecodeError{Msg: "malformed link hash", Err: protowire.ParseError(n)}
			}
			c, err := cid.Cast(v)
			if err != nil {
				return link, &DecodeError{Msg: "link hash is not a valid identifier", Err: err}
			}
			link.Cid = c
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return link, &DecodeError{Msg: "malformed link name", Err: protowire.ParseError(n)}
			}
			link.Name = string(v)
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return link, &DecodeError{Msg: "malformed link size", Err: protowire.ParseError(n)}
			}
			link.Size = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return link, &DecodeError{Msg: "malformed link field", Err: protowire.ParseError(n)}
			}
			b = b[n:]
		}
	}
	if !link.Cid.Defined() {
		return link, &DecodeError{Msg: "link has no hash"}
	}
	return link, nil
}

func decodeFSData(b []byte) (*FSData, error) {
	fs := &FSData{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, &DecodeError{Msg: "malformed file-system metadata", Err: protowire.ParseError(n)}
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed type field", Err: protowire.ParseError(n)}
			}
			fs.Type = NodeType(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed content field", Err: protowire.ParseError(n)}
			}
			fs.Content = v
			b = b[n:]
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed filesize field", Err: protowire.ParseError(n)}
			}
			fs.FileSize = v
			b = b[n:]
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed blocksize field", Err: protowire.ParseError(n)}
			}
			fs.BlockSizes = append(fs.BlockSizes, v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, &DecodeError{Msg: "malformed metadata field", Err: protowire.ParseError(n)}
			}
			b = b[n:]
		}
	}
	return fs, nil
}
