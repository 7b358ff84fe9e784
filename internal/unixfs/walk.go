package unixfs

import (
	"context"
	"io"
	"strings"

	"github.com/ipfs/go-cid"
)

// BlockSource supplies block bytes for walker requests. The container-backed
// implementation serves blocks strictly in stream order.
type BlockSource interface {
	Next(ctx context.Context, c cid.Cid) ([]byte, error)
}

// WalkFile resolves subpath from root and returns a lazy reader over exactly
// one file. A subpath of "/" or "" addresses the root itself. Any resolution
// to a non-file entry, including a directory, is a NotFoundError rather than
// a decode failure.
func WalkFile(ctx context.Context, src BlockSource, root cid.Cid, subpath string) (*File, error) {
	path := root.String()
	segments := splitPath(subpath)

	cur := root
	block, err := src.Next(ctx, cur)
	if err != nil {
		return nil, err
	}

	for _, segment := range segments {
		node, err := directoryNode(cur, block, path)
		if err != nil {
			return nil, err
		}

		next, ok := findLink(node, segment)
		if !ok {
			return nil, &NotFoundError{Path: path + "/" + segment, Reason: "no such directory entry"}
		}
		path += "/" + segment
		cur = next
		block, err = src.Next(ctx, cur)
		if err != nil {
			return nil, err
		}
	}

	return fileAt(ctx, src, cur, block, path)
}

func splitPath(subpath string) []string {
	trimmed := strings.Trim(subpath, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// directoryNode decodes a block that must be a plain UnixFS directory. Raw
// leaves and HAMT shards cannot be descended into; both surface as not-found.
func directoryNode(c cid.Cid, block []byte, path string) (*Node, error) {
	if c.Prefix().Codec != cid.DagProtobuf {
		return nil, &NotFoundError{Path: path, Reason: "entry is not a directory"}
	}
	node, err := DecodeNode(block)
	if err != nil {
		return nil, err
	}
	if node.FS == nil || node.FS.Type != TDirectory {
		return nil, &NotFoundError{Path: path, Reason: "entry is not a directory"}
	}
	return node, nil
}

func findLink(node *Node, name string) (cid.Cid, bool) {
	for _, l := range node.Links {
		if l.Name == name {
			return l.Cid, true
		}
	}
	return cid.Undef, false
}

// fileAt builds the lazy reader for the resolved entry, which must be a file.
func fileAt(ctx context.Context, src BlockSource, c cid.Cid, block []byte, path string) (*File, error) {
	switch c.Prefix().Codec {
	case cid.Raw:
		return &File{ctx: ctx, src: src, buf: block, size: uint64(len(block))}, nil
	case cid.DagProtobuf:
		node, err := DecodeNode(block)
		if err != nil {
			return nil, err
		}
		if node.FS == nil || (node.FS.Type != TFile && node.FS.Type != TRaw) {
			return nil, &NotFoundError{Path: path, Reason: "entry is not a file"}
		}

		size := node.FS.FileSize
		if len(node.Links) == 0 {
			if size == 0 {
				size = uint64(len(node.FS.Content))
			}
			return &File{ctx: ctx, src: src, buf: node.FS.Content, size: size}, nil
		}

		pending := make([]cid.Cid, len(node.Links))
		for i, l := range node.Links {
			pending[i] = l.Cid
		}
		return &File{ctx: ctx, src: src, pending: pending, size: size}, nil
	default:
		return nil, &NotFoundError{Path: path, Reason: "entry is not a file"}
	}
}

// File reads a UnixFS file chunk by chunk. Chunks are pulled from the block
// source only as the consumer reads, so an aborted consumer stops the pulls.
type File struct {
	ctx     context.Context
	src     BlockSource
	pending []cid.Cid
	buf     []byte
	size    uint64
	err     error
}

// Size returns the file size declared by the DAG (or the chunk length for
// single-chunk files).
func (f *File) Size() uint64 { return f.size }

func (f *File) Read(p []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for len(f.buf) == 0 {
		if len(f.pending) == 0 {
			f.err = io.EOF
			return 0, io.EOF
		}
		if err := f.ctx.Err(); err != nil {
			f.err = err
			return 0, err
		}

		next := f.pending[0]
		f.pending = f.pending[1:]

		data, err := f.src.Next(f.ctx, next)
		if err != nil {
			f.err = err
			return 0, err
		}

		switch next.Prefix().Codec {
		case cid.Raw:
			f.buf = data
		case cid.DagProtobuf:
			node, err := DecodeNode(data)
			if err != nil {
				f.err = err
				return 0, err
			}
			if len(node.Links) > 0 {
				children := make([]cid.Cid, len(node.Links))
				for i, l := range node.Links {
					children[i] = l.Cid
				}
				f.pending = append(children, f.pending...)
			} else if node.FS != nil {
				f.buf = node.FS.Content
			}
		default:
			f.err = &DecodeError{Msg: "unsupported chunk codec " + next.String()}
			return 0, f.err
		}
	}

	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
