package egress

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capWriter accepts at most cap bytes, then fails like a closed connection.
type capWriter struct {
	buf bytes.Buffer
	cap int
}

func (w *capWriter) Write(p []byte) (int, error) {
	room := w.cap - w.buf.Len()
	if room <= 0 {
		return 0, errors.New("write: broken pipe")
	}
	if len(p) > room {
		n, _ := w.buf.Write(p[:room])
		return n, errors.New("write: broken pipe")
	}
	return w.buf.Write(p)
}

func TestStream_CountsAllBytes(t *testing.T) {
	body := strings.Repeat("filbeam", 1000)
	var dst bytes.Buffer

	// One byte per read exercises the counter across many writes.
	out := Stream(&dst, iotest.OneByteReader(strings.NewReader(body)))

	require.NoError(t, out.Err)
	assert.Equal(t, int64(len(body)), out.Bytes)
	assert.Equal(t, body, dst.String())
	assert.False(t, out.FirstByte.IsZero())
	assert.False(t, out.LastByte.Before(out.FirstByte))
}

func TestStream_ClientAbortKeepsPartialCount(t *testing.T) {
	body := strings.Repeat("x", 64)
	dst := &capWriter{cap: 40}

	out := Stream(dst, iotest.OneByteReader(strings.NewReader(body)))

	require.Error(t, out.Err)
	assert.Equal(t, int64(40), out.Bytes)
	assert.False(t, out.FirstByte.IsZero())
}

func TestStream_EmptyBody(t *testing.T) {
	var dst bytes.Buffer

	out := Stream(&dst, strings.NewReader(""))

	require.NoError(t, out.Err)
	assert.Zero(t, out.Bytes)
	assert.True(t, out.FirstByte.IsZero())

	_, ok := out.TTFB(time.Now())
	assert.False(t, ok)
	_, ok = out.TTLB(time.Now())
	assert.False(t, ok)
}

func TestStream_SourceErrorStillCounts(t *testing.T) {
	src := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(errors.New("origin reset")))
	var dst bytes.Buffer

	out := Stream(&dst, src)

	require.Error(t, out.Err)
	assert.Equal(t, int64(len("partial")), out.Bytes)
	assert.Equal(t, "partial", dst.String())
}

func TestOutcome_Timings(t *testing.T) {
	start := time.Now()
	out := Outcome{FirstByte: start.Add(10 * time.Millisecond), LastByte: start.Add(30 * time.Millisecond)}

	ttfb, ok := out.TTFB(start)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, ttfb)

	ttlb, ok := out.TTLB(start)
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, ttlb)
}
