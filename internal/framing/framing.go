package framing

import (
	"bytes"
	"fmt"
	"regexp"
)

// Chunk is a single framed record cut out of a byte stream.
// Data holds the record payload without its terminator; Size counts the
// stream bytes the record covers including terminators, so callers can
// derive per-record byte offsets. Data aliases the buffer passed to Frame
// and must be copied if retained past the next call.
type Chunk struct {
	Data []byte
	Size int
}

// Framer splits raw bytes into discrete records. Implementations perform
// no I/O and keep no per-call state: everything needed to resume is the
// unconsumed tail of buf, which the caller holds back and re-presents on
// the next call.
//
// Frame returns at most max records found at the start of buf and the
// total number of leading bytes they cover. atEOF tells the framer that
// no more bytes are currently available; some strategies use it to flush
// a record that would otherwise wait for more data.
type Framer interface {
	Frame(buf []byte, max int, atEOF bool) ([]Chunk, int)
}

// Strategy describes a framing variant together with the parameters it
// needs. A strategy is selected per file group and compiled into a Framer
// once; the framer never branches on the variant again.
type Strategy interface {
	NewFramer() (Framer, error)
}

// Line splits on line terminators. A trailing unterminated line is held
// back until its terminator arrives, unless FlushPartial is set, in which
// case it is emitted once atEOF is reached.
type Line struct {
	FlushPartial bool
}

func (s Line) NewFramer() (Framer, error) {
	return &lineFramer{flushPartial: s.FlushPartial}, nil
}

// TaggedBlock accumulates lines until a line carrying the closing tag
// (</CloseTag>) is seen, then emits the whole block as one record.
type TaggedBlock struct {
	CloseTag string
}

func (s TaggedBlock) NewFramer() (Framer, error) {
	if s.CloseTag == "" {
		return nil, fmt.Errorf("framing: tagged block requires a close tag")
	}
	return &taggedBlockFramer{closing: []byte("</" + s.CloseTag + ">")}, nil
}

// Delimited frames records that span multiple physical lines. A new
// record begins at a line whose first Separator-delimited field matches
// the Leader expression; lines that do not are continuations of the open
// record.
type Delimited struct {
	Separator string
	Leader    string
}

func (s Delimited) NewFramer() (Framer, error) {
	if s.Separator == "" {
		return nil, fmt.Errorf("framing: delimited mode requires a separator")
	}
	leader, err := regexp.Compile(s.Leader)
	if err != nil {
		return nil, fmt.Errorf("framing: bad leader expression: %w", err)
	}
	sep := []byte(s.Separator)
	return &boundaryFramer{isStart: func(line []byte) bool {
		field := line
		if i := bytes.Index(line, sep); i >= 0 {
			field = line[:i]
		}
		return leader.Match(field)
	}}, nil
}

// FixedWidth consumes exactly Width bytes per record regardless of line
// terminators. A partial trailing chunk is always held back until more
// bytes arrive.
type FixedWidth struct {
	Width int
}

func (s FixedWidth) NewFramer() (Framer, error) {
	if s.Width < 1 {
		return nil, fmt.Errorf("framing: fixed width must be at least 1, got %d", s.Width)
	}
	return &fixedWidthFramer{width: s.Width}, nil
}

// RegexPair frames records bounded by a start expression. A line matching
// Start opens a new record; lines matching Continue (or neither
// expression) extend the open record. Continue takes precedence over
// Start when a line matches both.
type RegexPair struct {
	Start    string
	Continue string
}

func (s RegexPair) NewFramer() (Framer, error) {
	if s.Start == "" {
		return nil, fmt.Errorf("framing: regex pair mode requires a start expression")
	}
	start, err := regexp.Compile(s.Start)
	if err != nil {
		return nil, fmt.Errorf("framing: bad start expression: %w", err)
	}
	var cont *regexp.Regexp
	if s.Continue != "" {
		cont, err = regexp.Compile(s.Continue)
		if err != nil {
			return nil, fmt.Errorf("framing: bad continue expression: %w", err)
		}
	}
	return &boundaryFramer{isStart: func(line []byte) bool {
		if cont != nil && cont.Match(line) {
			return false
		}
		return start.Match(line)
	}}, nil
}

type lineFramer struct {
	flushPartial bool
}

func (f *lineFramer) Frame(buf []byte, max int, atEOF bool) ([]Chunk, int) {
	var chunks []Chunk
	n := 0
	for len(chunks) < max {
		i := bytes.IndexByte(buf[n:], '\n')
		if i < 0 {
			if atEOF && f.flushPartial && n < len(buf) {
				chunks = append(chunks, Chunk{Data: trimCR(buf[n:]), Size: len(buf) - n})
				n = len(buf)
			}
			break
		}
		chunks = append(chunks, Chunk{Data: trimCR(buf[n : n+i]), Size: i + 1})
		n += i + 1
	}
	return chunks, n
}

type taggedBlockFramer struct {
	closing []byte
}

func (f *taggedBlockFramer) Frame(buf []byte, max int, atEOF bool) ([]Chunk, int) {
	var chunks []Chunk
	n := 0
	for len(chunks) < max {
		off := 0
		end := -1
		for {
			i := bytes.IndexByte(buf[n+off:], '\n')
			if i < 0 {
				break
			}
			if bytes.Contains(buf[n+off:n+off+i], f.closing) {
				end = off + i
				break
			}
			off += i + 1
		}
		if end < 0 {
			break
		}
		chunks = append(chunks, Chunk{Data: trimCR(buf[n : n+end]), Size: end + 1})
		n += end + 1
	}
	return chunks, n
}

// boundaryFramer implements the line-boundary strategies (delimited and
// regex pair): records are runs of whole lines, split before each line
// isStart reports true for. The open trailing record is held back until
// the next start line arrives, or emitted when atEOF is reached, since
// its content is complete and only the boundary is pending.
type boundaryFramer struct {
	isStart func(line []byte) bool
}

func (f *boundaryFramer) Frame(buf []byte, max int, atEOF bool) ([]Chunk, int) {
	var chunks []Chunk
	n := 0
	for len(chunks) < max {
		end, size, ok := f.scanRecord(buf[n:], atEOF)
		if !ok {
			break
		}
		chunks = append(chunks, Chunk{Data: trimCR(buf[n : n+end]), Size: size})
		n += size
	}
	return chunks, n
}

// scanRecord finds one record at the start of b. end is the payload
// length (excluding the final terminator), size the bytes consumed.
func (f *boundaryFramer) scanRecord(b []byte, atEOF bool) (end, size int, ok bool) {
	off := 0
	first := true
	for {
		i := bytes.IndexByte(b[off:], '\n')
		if i < 0 {
			// No further complete line. Emit what we have only at EOF.
			if atEOF && off > 0 {
				return off - 1, off, true
			}
			return 0, 0, false
		}
		if !first && f.isStart(b[off:off+i]) {
			return off - 1, off, true
		}
		first = false
		off += i + 1
	}
}

type fixedWidthFramer struct {
	width int
}

func (f *fixedWidthFramer) Frame(buf []byte, max int, atEOF bool) ([]Chunk, int) {
	var chunks []Chunk
	n := 0
	for len(chunks) < max && len(buf)-n >= f.width {
		chunks = append(chunks, Chunk{Data: buf[n : n+f.width], Size: f.width})
		n += f.width
	}
	return chunks, n
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}
