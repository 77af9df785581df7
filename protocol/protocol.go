// Package protocol implements message framing for the bridge's JSON stream.
//
// TCP is a byte stream: several requests can arrive in one read and one request
// can be split across many reads. Messages are not newline-delimited, so the
// boundary of each message is found by counting braces of the top-level JSON
// object, ignoring braces that appear inside quoted strings.
//
//	read 1: {"id":"1","method":"a"}{"id":"2","met
//	read 2: hod":"b","params":{"s":"}{"}}
//	        └──── message 1 ─────┘└──────── message 2 ────────┘
package protocol

import (
	"errors"
	"io"
	"sync"
)

// DefaultMaxBufferedBytes caps how much unframed data a connection may hold.
// A peer that streams past this without completing an object is cut off.
const DefaultMaxBufferedBytes = 16 << 20

const readChunkSize = 32 * 1024

// ErrMessageTooLarge is returned by Reader.Next when the buffered data exceeds
// the configured cap without forming a complete message.
var ErrMessageTooLarge = errors.New("protocol: buffered data exceeds limit without a complete message")

// FindMessageEnd returns the index just past the closing brace of the first
// complete top-level JSON object in buf. ok is false if buf does not yet hold a
// complete object.
//
// Bytes before the first '{' (typically whitespace) are skipped. Inside a
// quoted string, braces never change depth and an escaped quote never ends the
// string.
func FindMessageEnd(buf []byte) (end int, ok bool) {
	var s scanState
	return s.scan(buf, 0)
}

// scanState is the brace counter's position inside a partially read object.
// Keeping it between reads means each byte is scanned once.
type scanState struct {
	depth    int
	inString bool
	escaped  bool
}

// scan continues counting at buf[from:] and returns the index just past the
// closing brace of the current top-level object.
func (s *scanState) scan(buf []byte, from int) (end int, ok bool) {
	for i := from; i < len(buf); i++ {
		b := buf[i]
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
			continue
		}

		if s.depth == 0 && b != '{' {
			continue
		}

		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// Reader extracts complete messages from a byte stream. It owns the
// connection's receive buffer; after every extraction the buffer holds only a
// prefix of an incomplete message (or nothing).
type Reader struct {
	src       io.Reader
	buf       []byte
	chunk     []byte
	max       int
	err       error // Sticky read error, reported once the buffer runs dry
	discarded int   // Non-whitespace bytes dropped outside any object

	state   scanState
	scanned int // Bytes of buf already fed to state; 0 when no object is in progress
}

// NewReader returns a Reader over src. maxBuffered <= 0 selects
// DefaultMaxBufferedBytes.
func NewReader(src io.Reader, maxBuffered int) *Reader {
	if maxBuffered <= 0 {
		maxBuffered = DefaultMaxBufferedBytes
	}
	return &Reader{
		src:   src,
		chunk: make([]byte, readChunkSize),
		max:   maxBuffered,
	}
}

// Next returns the next complete message. It returns io.EOF when the stream
// ends cleanly between messages, and io.ErrUnexpectedEOF when it ends inside one.
func (r *Reader) Next() ([]byte, error) {
	for {
		if msg, ok := r.extract(); ok {
			return msg, nil
		}

		if r.err != nil {
			if r.err == io.EOF && len(r.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, r.err
		}

		if len(r.buf) > r.max {
			return nil, ErrMessageTooLarge
		}

		n, err := r.src.Read(r.chunk)
		r.buf = append(r.buf, r.chunk[:n]...)
		if err != nil {
			r.err = err
		}
	}
}

// Discarded reports how many stray non-whitespace bytes were dropped between
// messages so far.
func (r *Reader) Discarded() int {
	return r.discarded
}

// Buffered reports how many bytes are held waiting for a message to complete.
func (r *Reader) Buffered() int {
	return len(r.buf)
}

func (r *Reader) extract() ([]byte, bool) {
	if r.scanned == 0 {
		start := -1
		for i, b := range r.buf {
			if b == '{' {
				start = i
				break
			}
			if !isSpace(b) {
				r.discarded++
			}
		}
		if start < 0 {
			// Whitespace or junk only: nothing here can become a message.
			r.buf = r.buf[:0]
			return nil, false
		}
		if start > 0 {
			r.buf = append(r.buf[:0], r.buf[start:]...)
		}
	}

	end, ok := r.state.scan(r.buf, r.scanned)
	if !ok {
		r.scanned = len(r.buf)
		return nil, false
	}

	msg := make([]byte, end)
	copy(msg, r.buf[:end])
	r.buf = append(r.buf[:0], r.buf[end:]...)
	r.state = scanState{}
	r.scanned = 0
	return msg, true
}

// Writer serializes whole-message writes so that responses produced by
// different goroutines never interleave on the wire.
type Writer struct {
	mu  sync.Mutex
	dst io.Writer
}

// NewWriter returns a Writer over dst.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// WriteMessage writes one encoded message in full.
func (w *Writer) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(data) > 0 {
		n, err := w.dst.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}
