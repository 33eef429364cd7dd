package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/carmisergio/pomegranate"
	"github.com/carmisergio/pomegranate/id"
)

// ErrNeedMoreData is returned by Unmarshal when the buffer does not yet hold
// a complete frame. The caller should read more bytes and retry.
var ErrNeedMoreData = errors.New("wire: need more data")

// Frame layout:
//
//	u64 BE  frame length (bytes after this prefix)
//	u8      kind
//	[31]b   session id ("sess_" TypeID string, or all zeroes)
//	u64 BE  sequence number
//	u32 BE  body length
//	[]b     body (msgpack)
const (
	lenPrefixSize = 8
	headerSize    = 1 + SessionIDWireLen + 8 + 4
)

// DefaultMaxFrameSize bounds frames when the caller does not configure one.
const DefaultMaxFrameSize uint64 = 16 << 20

// bodyEnvelopeSize generously bounds the msgpack overhead a kind-specific
// body adds around an application payload: field names, the fixed numeric
// fields, and the bin header.
const bodyEnvelopeSize = 256

// MaxPayloadSize returns the largest application payload (a Dispatch or
// Result payload) that fits in one frame under maxFrame. maxFrame of 0 uses
// DefaultMaxFrameSize.
//
// Senders must enforce this before a frame enters the retransmission buffer:
// an oversize frame would be rejected by the peer's decoder on every
// delivery attempt, replay included, and could never be acknowledged.
func MaxPayloadSize(maxFrame uint64) uint64 {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	overhead := uint64(headerSize + bodyEnvelopeSize)
	if maxFrame <= overhead {
		return 0
	}
	return maxFrame - overhead
}

// Marshal encodes a frame, length prefix included.
func Marshal(f *Frame) ([]byte, error) {
	if !f.Kind.valid() {
		return nil, fmt.Errorf("wire: marshal: invalid kind %d", uint8(f.Kind))
	}

	var sess [SessionIDWireLen]byte
	if f.SessionID != "" {
		if len(f.SessionID) != SessionIDWireLen || !strings.HasPrefix(f.SessionID, string(id.PrefixSession)+"_") {
			return nil, fmt.Errorf("wire: marshal: bad session id %q", f.SessionID)
		}
		copy(sess[:], f.SessionID)
	}

	total := headerSize + len(f.Body)
	buf := make([]byte, lenPrefixSize+total)
	binary.BigEndian.PutUint64(buf[0:8], uint64(total))
	buf[8] = byte(f.Kind)
	copy(buf[9:9+SessionIDWireLen], sess[:])
	binary.BigEndian.PutUint64(buf[9+SessionIDWireLen:], f.Seq)
	binary.BigEndian.PutUint32(buf[17+SessionIDWireLen:], uint32(len(f.Body)))
	copy(buf[lenPrefixSize+headerSize:], f.Body)

	return buf, nil
}

// Unmarshal decodes one frame from the front of buf. It returns the frame and
// the number of bytes consumed. ErrNeedMoreData means buf is a valid but
// incomplete frame; pomegranate.ErrMalformedFrame / ErrFrameTooLarge mean the
// stream is corrupt and the connection must be torn down.
func Unmarshal(buf []byte, maxFrame uint64) (*Frame, int, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}

	if len(buf) < lenPrefixSize {
		return nil, 0, ErrNeedMoreData
	}
	total := binary.BigEndian.Uint64(buf[0:8])
	if total > maxFrame {
		return nil, 0, fmt.Errorf("%w: frame length %d exceeds limit %d",
			pomegranate.ErrFrameTooLarge, total, maxFrame)
	}
	if total < uint64(headerSize) {
		return nil, 0, fmt.Errorf("%w: frame length %d shorter than header",
			pomegranate.ErrMalformedFrame, total)
	}
	if uint64(len(buf)-lenPrefixSize) < total {
		return nil, 0, ErrNeedMoreData
	}

	frame := buf[lenPrefixSize : lenPrefixSize+int(total)]
	kind := Kind(frame[0])
	if !kind.valid() {
		return nil, 0, fmt.Errorf("%w: unknown kind %d", pomegranate.ErrMalformedFrame, frame[0])
	}

	sessField := frame[1 : 1+SessionIDWireLen]
	sessionID, err := decodeSessionField(sessField)
	if err != nil {
		return nil, 0, err
	}

	seq := binary.BigEndian.Uint64(frame[1+SessionIDWireLen:])
	bodyLen := binary.BigEndian.Uint32(frame[9+SessionIDWireLen:])
	if uint64(bodyLen) != total-uint64(headerSize) {
		return nil, 0, fmt.Errorf("%w: body length %d disagrees with frame length %d",
			pomegranate.ErrMalformedFrame, bodyLen, total)
	}

	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		copy(body, frame[headerSize:])
	}

	return &Frame{Kind: kind, SessionID: sessionID, Seq: seq, Body: body},
		lenPrefixSize + int(total), nil
}

func decodeSessionField(field []byte) (string, error) {
	zero := true
	for _, b := range field {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return "", nil
	}

	s := string(field)
	if _, err := id.ParseSessionID(s); err != nil {
		return "", fmt.Errorf("%w: bad session id field: %v", pomegranate.ErrMalformedFrame, err)
	}
	return s, nil
}

// Decoder reads frames from a byte stream, buffering partial reads.
type Decoder struct {
	r        io.Reader
	maxFrame uint64
	buf      []byte
}

// NewDecoder creates a streaming decoder. maxFrame of 0 uses
// DefaultMaxFrameSize.
func NewDecoder(r io.Reader, maxFrame uint64) *Decoder {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{r: r, maxFrame: maxFrame}
}

// Next returns the next frame from the stream. It blocks on the underlying
// reader until a full frame is available. Transport failures surface as the
// reader's error; corrupt framing surfaces as ErrMalformedFrame or
// ErrFrameTooLarge.
func (d *Decoder) Next() (*Frame, error) {
	for {
		if len(d.buf) > 0 {
			f, n, err := Unmarshal(d.buf, d.maxFrame)
			if err == nil {
				d.buf = d.buf[n:]
				if len(d.buf) == 0 {
					d.buf = nil
				}
				return f, nil
			}
			if !errors.Is(err, ErrNeedMoreData) {
				return nil, err
			}
		}

		chunk := make([]byte, 4096)
		n, err := d.r.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			// A partial frame followed by EOF is a truncated stream.
			if errors.Is(err, io.EOF) && len(d.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// WriteFrame marshals f and writes it to w in one call.
func WriteFrame(w io.Writer, f *Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}
