package transport

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/pkg/errors"

	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// msgType distinguishes a streamed Frame from a control View change on the
// wire used by the spread and gcomm TCP-oriented backends. Both are
// length-prefixed, matching the bufio.Writer/bufio.Reader framing idiom
// the teacher uses for line- and frame-delimited journal content
// (message.JSONFraming, broker/client.Reader).
type msgType uint8

const (
	msgFrame msgType = iota
	msgView
)

// packBody encodes the body of a single message, without the outer
// [type][length] framing writeMsg adds for bufio-based backends. It is
// shared with the gcomm backend, whose gRPC stream already provides
// message framing and only needs this inner encoding (transport/gcomm.go).
func packBody(t msgType, f action.Frame, gseq seqno.Seqno, v View) ([]byte, error) {
	switch t {
	case msgFrame:
		var prefix [12]byte
		binary.BigEndian.PutUint64(prefix[0:8], uint64(gseq))
		binary.BigEndian.PutUint32(prefix[8:12], uint32(len(f.Payload)))

		var buf bytes.Buffer
		if err := f.Encode(&buf); err != nil {
			return nil, err
		}
		return append(prefix[:], buf.Bytes()...), nil
	case msgView:
		var body, err = json.Marshal(v)
		if err != nil {
			return nil, errors.WithMessage(err, "marshalling view")
		}
		return body, nil
	default:
		return nil, errors.Errorf("transport: unknown wire message type %d", t)
	}
}

// unpackBody decodes a body previously produced by packBody.
func unpackBody(t msgType, body []byte) (f action.Frame, gseq seqno.Seqno, v View, err error) {
	switch t {
	case msgFrame:
		if len(body) < 12 {
			err = errors.New("transport: truncated frame message")
			return
		}
		gseq = seqno.Seqno(binary.BigEndian.Uint64(body[0:8]))
		var payloadLen = binary.BigEndian.Uint32(body[8:12])
		f, err = action.DecodeFrame(bytes.NewReader(body[12:]), int(payloadLen))
	case msgView:
		err = json.Unmarshal(body, &v)
	default:
		err = errors.Errorf("transport: unknown wire message type %d", t)
	}
	return
}

// writeMsg writes a single length-prefixed message: [1-byte type][4-byte
// BE body length][body], using packBody for the body encoding.
func writeMsg(w *bufio.Writer, t msgType, f action.Frame, gseq seqno.Seqno, v View) error {
	var body, err = packBody(t, f, gseq, v)
	if err != nil {
		return err
	}

	if err = w.WriteByte(byte(t)); err != nil {
		return err
	}
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(body)))
	if _, err = w.Write(lb[:]); err != nil {
		return err
	}
	if _, err = w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

// readMsg reads a single message written by writeMsg.
func readMsg(r *bufio.Reader) (t msgType, f action.Frame, gseq seqno.Seqno, v View, err error) {
	var tb byte
	if tb, err = r.ReadByte(); err != nil {
		return
	}
	t = msgType(tb)

	var lb [4]byte
	if _, err = io.ReadFull(r, lb[:]); err != nil {
		return
	}
	var n = binary.BigEndian.Uint32(lb[:])
	var body = make([]byte, n)
	if n > 0 {
		if _, err = io.ReadFull(r, body); err != nil {
			return
		}
	}
	f, gseq, v, err = unpackBody(t, body)
	return
}
