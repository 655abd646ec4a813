package fetcher

import (
	"bytes"
	"encoding/json"
	"io"
	"iter"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const (
	// DefaultChunkSize is the read size used by the object parser and the array locator.
	DefaultChunkSize = 64 * 1024

	// MaxObjectSize caps the bytes accumulated for a single object. Larger
	// objects are discarded so corrupt input cannot grow the buffer unbounded.
	MaxObjectSize = 1 << 20
)

// ObjectParser yields the top-level objects of a JSON array one at a time
// without materializing the array. It reads fixed-size chunks and tracks brace
// depth (outside string literals); when the depth returns to zero the
// accumulated bytes are decoded. Objects that fail to decode or exceed
// MaxObjectSize are dropped and parsing resumes with the next object.
//
// A parser is single-use and not safe for concurrent use.
type ObjectParser struct {
	r     io.Reader
	chunk []byte
	data  []byte // unread part of the current chunk

	buf      []byte
	depth    int
	inString bool
	escaped  bool
	skipping bool // current object overflowed MaxObjectSize
	inArray  bool
	started  bool
	finished bool

	dropped int
	err     error
}

// NewObjectParser creates a parser reading r in chunks of chunkSize bytes.
func NewObjectParser(r io.Reader, chunkSize int) *ObjectParser {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ObjectParser{
		r:     r,
		chunk: make([]byte, chunkSize),
	}
}

// Next returns the next decoded object. ok is false once the array (or the
// stream) is exhausted or a read error occurred; check Err afterwards.
func (p *ObjectParser) Next() (obj map[string]any, ok bool) {
	for {
		for len(p.data) > 0 {
			b := p.data[0]
			p.data = p.data[1:]
			if !p.scan(b) {
				if p.finished {
					return nil, false
				}
				continue
			}
			if decoded, good := p.decode(); good {
				return decoded, true
			}
		}
		if p.finished || !p.fill() {
			return nil, false
		}
	}
}

// All adapts the parser to a range-over-func iterator.
func (p *ObjectParser) All() iter.Seq[map[string]any] {
	return func(yield func(map[string]any) bool) {
		for {
			obj, ok := p.Next()
			if !ok || !yield(obj) {
				return
			}
		}
	}
}

// Dropped returns how many objects were discarded as malformed or oversized.
func (p *ObjectParser) Dropped() int { return p.dropped }

// Err returns the first non-EOF read error.
func (p *ObjectParser) Err() error { return p.err }

func (p *ObjectParser) fill() bool {
	n, err := p.r.Read(p.chunk)
	p.data = p.chunk[:n]
	if err != nil {
		if err != io.EOF {
			p.err = eris.Wrap(err, "fetcher: read json stream")
		}
		if n == 0 {
			p.finished = true
			return false
		}
	}
	return true
}

// scan advances the state machine by one byte and reports whether an object
// was just closed.
func (p *ObjectParser) scan(b byte) bool {
	if p.depth > 0 {
		p.accumulate(b)
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case b == '\\':
				p.escaped = true
			case b == '"':
				p.inString = false
			}
			return false
		}
		switch b {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			return p.depth == 0
		}
		return false
	}

	switch b {
	case '[':
		if !p.started {
			p.inArray = true
		}
		p.started = true
	case ']':
		if p.inArray {
			p.finished = true
		}
	case '{':
		p.started = true
		p.depth = 1
		p.buf = p.buf[:0]
		p.skipping = false
		p.accumulate(b)
	}
	return false
}

func (p *ObjectParser) accumulate(b byte) {
	if p.skipping {
		return
	}
	if len(p.buf) >= MaxObjectSize {
		p.skipping = true
		p.buf = p.buf[:0]
		return
	}
	p.buf = append(p.buf, b)
}

func (p *ObjectParser) decode() (map[string]any, bool) {
	if p.skipping {
		p.dropped++
		p.skipping = false
		zap.L().Debug("json stream: dropped oversized object", zap.Int("limit", MaxObjectSize))
		return nil, false
	}

	var obj map[string]any
	if err := json.Unmarshal(p.buf, &obj); err != nil {
		p.dropped++
		zap.L().Debug("json stream: dropped malformed object", zap.Error(err))
		return nil, false
	}
	if cap(p.buf) > 4*DefaultChunkSize {
		p.buf = nil
	}
	return obj, true
}

// LocateArray scans r for the field name sentinel `"field"` followed by a
// colon and an opening bracket. It returns a reader positioned at the '[' and
// the byte offset of that bracket in the original stream. The lookback kept
// between chunks is len(sentinel)-1 bytes, so a sentinel split across a chunk
// boundary is still found.
func LocateArray(r io.Reader, field string, chunkSize int) (io.Reader, int64, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	sentinel := []byte(`"` + field + `"`)
	chunk := make([]byte, chunkSize)

	var window []byte // unexamined bytes, window[0] is at stream offset base
	var base int64
	after := -1 // index in window just past a matched sentinel

	for {
		n, readErr := r.Read(chunk)
		window = append(window, chunk[:n]...)

		for {
			if after < 0 {
				i := bytes.Index(window, sentinel)
				if i < 0 {
					if keep := len(sentinel) - 1; len(window) > keep {
						drop := len(window) - keep
						base += int64(drop)
						window = append(window[:0], window[drop:]...)
					}
					break
				}
				after = i + len(sentinel)
			}

			pos, state := arrayStart(window, after)
			if state == needMore {
				base += int64(after)
				window = append(window[:0], window[after:]...)
				after = 0
				break
			}
			if state == notArray {
				// Sentinel used as a value or for a non-array field; keep looking.
				base += int64(after)
				window = append(window[:0], window[after:]...)
				after = -1
				continue
			}

			rest := append([]byte(nil), window[pos:]...)
			return io.MultiReader(bytes.NewReader(rest), r), base + int64(pos), nil
		}

		if readErr == io.EOF {
			return nil, 0, eris.Errorf("fetcher: array field %q not found in stream", field)
		}
		if readErr != nil {
			return nil, 0, eris.Wrap(readErr, "fetcher: scan for array start")
		}
	}
}

type arrayState int

const (
	found arrayState = iota
	needMore
	notArray
)

// arrayStart checks that window[from:] is `\s*:\s*[`.
func arrayStart(window []byte, from int) (int, arrayState) {
	i := skipSpace(window, from)
	if i == len(window) {
		return 0, needMore
	}
	if window[i] != ':' {
		return 0, notArray
	}
	i = skipSpace(window, i+1)
	if i == len(window) {
		return 0, needMore
	}
	if window[i] != '[' {
		return 0, notArray
	}
	return i, found
}

func skipSpace(b []byte, i int) int {
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}
