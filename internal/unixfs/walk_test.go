package unixfs

import (
	"context"
	"io"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

type mapSource struct {
	blocks map[cid.Cid][]byte
	calls  int
}

func (m *mapSource) Next(_ context.Context, c cid.Cid) ([]byte, error) {
	m.calls++
	data, ok := m.blocks[c]
	if !ok {
		return nil, &DecodeError{Msg: "block not in source: " + c.String()}
	}
	return data, nil
}

func cidFor(t *testing.T, codec uint64, data []byte) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum(data, multihash.SHA2_256, -1)
	require.NoError(t, err)
	return cid.NewCidV1(codec, mh)
}

func encodeFS(typ NodeType, content []byte, filesize uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(typ))
	if content != nil {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, content)
	}
	if filesize > 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, filesize)
	}
	return b
}

func encodeLink(c cid.Cid, name string, size uint64) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Bytes())
	if name != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte(name))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, size)
	return b
}

func encodeNode(fs []byte, links ...[]byte) []byte {
	var b []byte
	for _, l := range links {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, l)
	}
	if fs != nil {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, fs)
	}
	return b
}

// buildTree assembles a source with a root directory holding one file entry
// and returns (source, rootCid, file content).
func buildTree(t *testing.T, entryName string, chunks ...[]byte) (*mapSource, cid.Cid, []byte) {
	t.Helper()
	src := &mapSource{blocks: map[cid.Cid][]byte{}}

	var fileCid cid.Cid
	var full []byte
	var totalSize uint64
	for _, c := range chunks {
		full = append(full, c...)
		totalSize += uint64(len(c))
	}

	if len(chunks) == 1 {
		fileNode := encodeNode(encodeFS(TFile, chunks[0], uint64(len(chunks[0]))))
		fileCid = cidFor(t, cid.DagProtobuf, fileNode)
		src.blocks[fileCid] = fileNode
	} else {
		var links [][]byte
		for _, c := range chunks {
			leafCid := cidFor(t, cid.Raw, c)
			src.blocks[leafCid] = c
			links = append(links, encodeLink(leafCid, "", uint64(len(c))))
		}
		fileNode := encodeNode(encodeFS(TFile, nil, totalSize), links...)
		fileCid = cidFor(t, cid.DagProtobuf, fileNode)
		src.blocks[fileCid] = fileNode
	}

	dirNode := encodeNode(encodeFS(TDirectory, nil, 0), encodeLink(fileCid, entryName, totalSize))
	dirCid := cidFor(t, cid.DagProtobuf, dirNode)
	src.blocks[dirCid] = dirNode

	return src, dirCid, full
}

func TestWalkFile_RootIsRawLeaf(t *testing.T) {
	content := []byte("raw file body")
	root := cidFor(t, cid.Raw, content)
	src := &mapSource{blocks: map[cid.Cid][]byte{root: content}}

	f, err := WalkFile(context.Background(), src, root, "/")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, uint64(len(content)), f.Size())
}

func TestWalkFile_RootIsSingleChunkFile(t *testing.T) {
	content := []byte("inline unixfs file")
	fileNode := encodeNode(encodeFS(TFile, content, uint64(len(content))))
	root := cidFor(t, cid.DagProtobuf, fileNode)
	src := &mapSource{blocks: map[cid.Cid][]byte{root: fileNode}}

	f, err := WalkFile(context.Background(), src, root, "")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWalkFile_DirectoryEntry(t *testing.T) {
	src, root, content := buildTree(t, "data.bin", []byte("file behind a directory"))

	f, err := WalkFile(context.Background(), src, root, "/data.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestWalkFile_ChunkedFileConcatenatesInOrder(t *testing.T) {
	src, root, content := buildTree(t, "big.bin",
		[]byte("chunk one|"), []byte("chunk two|"), []byte("chunk three"))

	f, err := WalkFile(context.Background(), src, root, "/big.bin")
	require.NoError(t, err)
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, uint64(len(content)), f.Size())
}

func TestWalkFile_DirectoryTargetIsNotFound(t *testing.T) {
	// The resolved entry is a directory; that is a not-found condition, never
	// a decode failure.
	src, root, _ := buildTree(t, "data.bin", []byte("x"))

	_, err := WalkFile(context.Background(), src, root, "/")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, err.Error(), "not a file")
}

func TestWalkFile_MissingEntryIsNotFound(t *testing.T) {
	src, root, _ := buildTree(t, "data.bin", []byte("x"))

	_, err := WalkFile(context.Background(), src, root, "/nope.bin")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, err.Error(), "no such directory entry")
}

func TestWalkFile_DescendThroughRawLeafIsNotFound(t *testing.T) {
	content := []byte("leaf")
	root := cidFor(t, cid.Raw, content)
	src := &mapSource{blocks: map[cid.Cid][]byte{root: content}}

	_, err := WalkFile(context.Background(), src, root, "/deeper")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestWalkFile_HAMTShardIsNotFound(t *testing.T) {
	shard := encodeNode(encodeFS(THAMTShard, nil, 0))
	root := cidFor(t, cid.DagProtobuf, shard)
	src := &mapSource{blocks: map[cid.Cid][]byte{root: shard}}

	_, err := WalkFile(context.Background(), src, root, "/entry")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestFile_ReadStopsOnCancellation(t *testing.T) {
	src, root, _ := buildTree(t, "big.bin",
		[]byte("chunk one|"), []byte("chunk two|"), []byte("chunk three"))

	ctx, cancel := context.WithCancel(context.Background())
	f, err := WalkFile(ctx, src, root, "/big.bin")
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = f.Read(buf)
	require.NoError(t, err)

	callsBefore := src.calls
	cancel()
	_, err = io.ReadAll(f)
	require.ErrorIs(t, err, context.Canceled)
	// One buffered chunk may drain, but no further blocks are pulled.
	assert.Equal(t, callsBefore, src.calls)
}

func TestDecodeNode_Malformed(t *testing.T) {
	_, err := DecodeNode([]byte{0xff, 0xff, 0xff})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}
