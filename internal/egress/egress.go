// Package egress meters bytes delivered to the client. Billing counts what
// actually reached the connection, so the counter sits on the write side and
// keeps its tally when a copy ends early.
package egress

import (
	"io"
	"net/http"
	"time"
)

// Outcome summarizes one metered copy. Bytes is valid even when Err is
// non-nil: a client that disconnects mid-stream still owes for what it got.
type Outcome struct {
	Bytes     int64
	FirstByte time.Time
	LastByte  time.Time
	Err       error
}

// TTFB returns the delay from start to the first delivered byte, or false
// when nothing was delivered.
func (o Outcome) TTFB(start time.Time) (time.Duration, bool) {
	if o.FirstByte.IsZero() {
		return 0, false
	}
	return o.FirstByte.Sub(start), true
}

// TTLB returns the delay from start to the last delivered byte, or false
// when nothing was delivered.
func (o Outcome) TTLB(start time.Time) (time.Duration, bool) {
	if o.LastByte.IsZero() {
		return 0, false
	}
	return o.LastByte.Sub(start), true
}

// Writer counts bytes accepted by the underlying writer and samples the
// first and last byte times. When the destination can flush, each write is
// flushed so the first-byte sample reflects delivery, not buffering.
type Writer struct {
	dst   io.Writer
	bytes int64
	first time.Time
	last  time.Time
	now   func() time.Time
}

func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst, now: time.Now}
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if n > 0 {
		now := w.now()
		if w.first.IsZero() {
			w.first = now
		}
		w.last = now
		w.bytes += int64(n)
		if f, ok := w.dst.(http.Flusher); ok {
			f.Flush()
		}
	}
	return n, err
}

func (w *Writer) Bytes() int64 { return w.bytes }

// Stream copies body to dst through a metering writer and reports the
// outcome. A short write counts only the bytes the destination accepted.
func Stream(dst io.Writer, body io.Reader) Outcome {
	w := NewWriter(dst)
	_, err := io.Copy(w, body)
	return Outcome{Bytes: w.bytes, FirstByte: w.first, LastByte: w.last, Err: err}
}
