package action

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// DefaultPacketSize is the default maximum packet size in bytes, recommended
// to be a multiple of the network MTU (spec §4.1, §6).
const DefaultPacketSize = 64500

// frameHeaderSize is the fixed, encoded size of Header in bytes:
// Sender(8) + Serial(8) + FragIndex(4) + Last(1) + Kind(1).
const frameHeaderSize = 8 + 8 + 4 + 1 + 1

// SenderID identifies the member that originated a fragment stream. It is
// stable for the lifetime of a primary configuration.
type SenderID uint64

// Header is the fixed per-fragment header carried by every message the
// fragmentation codec hands to the transport (spec §4.1).
type Header struct {
	Sender    SenderID
	Serial    uint64 // per-sender action serial
	FragIndex uint32 // fragment index within the action
	Last      bool   // true iff this is the action's final fragment
	Kind      Kind
}

// Frame is a single bounded message: a Header plus its fragment payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Encode writes |f| to |w| in the fixed wire layout: header followed
// immediately by the fragment payload.
func (f Frame) Encode(w io.Writer) error {
	var buf [frameHeaderSize]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(f.Header.Sender))
	binary.BigEndian.PutUint64(buf[8:16], f.Header.Serial)
	binary.BigEndian.PutUint32(buf[16:20], f.Header.FragIndex)
	if f.Header.Last {
		buf[20] = 1
	}
	buf[21] = byte(f.Header.Kind)

	if _, err := w.Write(buf[:]); err != nil {
		return errors.WithMessage(err, "writing frame header")
	}
	if _, err := w.Write(f.Payload); err != nil {
		return errors.WithMessage(err, "writing frame payload")
	}
	return nil
}

// DecodeFrame reads a single Frame previously written by Encode, with a
// payload of exactly |payloadLen| bytes.
func DecodeFrame(r io.Reader, payloadLen int) (Frame, error) {
	var buf [frameHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Frame{}, errors.WithMessage(err, "reading frame header")
	}
	var hdr = Header{
		Sender:    SenderID(binary.BigEndian.Uint64(buf[0:8])),
		Serial:    binary.BigEndian.Uint64(buf[8:16]),
		FragIndex: binary.BigEndian.Uint32(buf[16:20]),
		Last:      buf[20] != 0,
		Kind:      Kind(buf[21]),
	}
	var payload = make([]byte, payloadLen)
	if payloadLen != 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, errors.WithMessage(err, "reading frame payload")
		}
	}
	return Frame{Header: hdr, Payload: payload}, nil
}

// Fragment splits |payload| into a sequence of Frames no larger than
// |packetSize| bytes of application payload each (spec §4.1). The final
// Frame is marked Header.Last.
func Fragment(sender SenderID, serial uint64, kind Kind, payload []byte, packetSize int) []Frame {
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}
	if len(payload) == 0 {
		return []Frame{{
			Header: Header{Sender: sender, Serial: serial, FragIndex: 0, Last: true, Kind: kind},
		}}
	}

	var frames []Frame
	for i, off := uint32(0), 0; off < len(payload); i, off = i+1, off+packetSize {
		var end = off + packetSize
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, Frame{
			Header: Header{
				Sender:    sender,
				Serial:    serial,
				FragIndex: i,
				Last:      end == len(payload),
				Kind:      kind,
			},
			Payload: payload[off:end],
		})
	}
	return frames
}

// serialKey identifies an in-flight reassembly stream.
type serialKey struct {
	sender SenderID
	serial uint64
}

// Reassembler reassembles per-sender fragment streams into sealed Actions
// (spec §4.1). It is not safe for concurrent use; callers serialize access
// through the single dispatch loop that owns delivery order.
type Reassembler struct {
	partial map[serialKey]*partialAction
}

type partialAction struct {
	buf      bytes.Buffer
	nextFrag uint32
	kind     Kind
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{partial: make(map[serialKey]*partialAction)}
}

// ErrOutOfOrderFragment is returned by Consume when a fragment arrives out
// of order or duplicated within a sender's stream -- a transport violation
// (spec §4.1).
var ErrOutOfOrderFragment = errors.New("out-of-order or duplicate fragment")

// Consume folds |f| into its reassembly stream. It returns (payload, true,
// nil) when |f| completes an action, (nil, false, nil) when more fragments
// are required, and a non-nil error on a transport violation.
func (r *Reassembler) Consume(f Frame) (payload []byte, sealed bool, err error) {
	var key = serialKey{sender: f.Header.Sender, serial: f.Header.Serial}

	var p, ok = r.partial[key]
	if !ok {
		if f.Header.FragIndex != 0 {
			return nil, false, ErrOutOfOrderFragment
		}
		p = &partialAction{kind: f.Header.Kind}
		r.partial[key] = p
	} else if f.Header.FragIndex != p.nextFrag {
		return nil, false, ErrOutOfOrderFragment
	}

	p.buf.Write(f.Payload)
	p.nextFrag++

	if !f.Header.Last {
		return nil, false, nil
	}
	delete(r.partial, key)
	return p.buf.Bytes(), true, nil
}

// DropSender discards any partially assembled action from |sender|,
// returning the discarded action serials. Connection's view handling does
// not call it: partial streams from a member that leaves the view stay in
// the Reassembler, and no ERROR action is produced for them.
func (r *Reassembler) DropSender(sender SenderID) []uint64 {
	var dropped []uint64
	for k := range r.partial {
		if k.sender == sender {
			dropped = append(dropped, k.serial)
			delete(r.partial, k)
		}
	}
	return dropped
}
