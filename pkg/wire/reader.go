package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/juanpablocruz/roreplica/pkg/variant"
)

// Dialect records how the first frame of a connection was framed.
type Dialect int

const (
	DialectUnresolved Dialect = iota
	// DialectPlain: the first frame used the ordinary 4-byte length.
	DialectPlain
	// DialectCompact: one-byte size header carrying a kind-tagged handshake.
	DialectCompact
	// DialectLegacy: one-byte size header carrying bare version text.
	DialectLegacy
)

func (d Dialect) String() string {
	switch d {
	case DialectPlain:
		return "plain"
	case DialectCompact:
		return "compact"
	case DialectLegacy:
		return "legacy"
	default:
		return "unresolved"
	}
}

const (
	compactMinSize = 3
	compactMaxSize = 252
	compactID      = 1
	compactHeader  = 3
)

// Reader reads frames from a byte stream. Frames it returns start with the
// 2-byte kind; the length prefix is consumed. The first call resolves the
// handshake dialect; every later call uses the plain form.
type Reader struct {
	r        *bufio.Reader
	resolved bool
	dialect  Dialect
	max      int
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), max: MaxFrameSize}
}

// Resolved reports whether the first frame has been read.
func (fr *Reader) Resolved() bool { return fr.resolved }

func (fr *Reader) Dialect() Dialect { return fr.dialect }

// ReadFrame returns the next complete frame. io.EOF is returned untouched when
// the stream ends cleanly between frames.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var hdr [lenSize]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return nil, err
	}
	if fr.resolved {
		return fr.readBody(binary.BigEndian.Uint32(hdr[:]))
	}
	return fr.readFirst(hdr)
}

func (fr *Reader) readFirst(hdr [lenSize]byte) ([]byte, error) {
	size, id, marker := hdr[0], hdr[1], hdr[3]
	var n uint32
	if size >= compactMinSize && size <= compactMaxSize && id == compactID {
		n = uint32(size) - compactHeader
		fr.dialect = DialectCompact
	} else {
		n = binary.BigEndian.Uint32(hdr[:])
		marker = 0
		fr.dialect = DialectPlain
	}
	body, err := fr.readBody(n)
	if err != nil {
		return nil, err
	}
	fr.resolved = true
	if marker == 0 {
		return body, nil
	}
	fr.dialect = DialectLegacy
	return legacyHandshake(marker, body)
}

func (fr *Reader) readBody(n uint32) ([]byte, error) {
	if int64(n) > int64(fr.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, fr.max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// legacyHandshake wraps bare version text into a Handshake frame so dispatch
// sees one representation for both dialects.
func legacyHandshake(marker byte, body []byte) ([]byte, error) {
	raw := make([]byte, 0, 1+len(body))
	raw = append(raw, marker)
	raw = append(raw, body...)
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: % x", ErrLegacyText, raw)
	}
	e := variant.NewEncoder()
	e.U16(uint16(KindHandshake))
	if err := e.Text(string(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLegacyText, err)
	}
	return e.Bytes(), nil
}

// Writer serializes whole frames onto a stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

// WriteFrame writes an already encoded frame (length prefix included).
func (fw *Writer) WriteFrame(frame []byte) error {
	if len(frame) < lenSize+kindSize {
		return ErrShortFrame
	}
	if len(frame)-lenSize > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(frame)-lenSize, MaxFrameSize)
	}
	_, err := fw.w.Write(frame)
	return err
}
