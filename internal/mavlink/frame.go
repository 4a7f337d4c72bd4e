// Package mavlink adapts gomavlib's frame layer to the router. The router
// never interprets MAVLink bytes itself: gomavlib parses and serialises
// frames, this package only extracts the header fields routing needs and
// keeps the serialised wire form for pass-through forwarding.
package mavlink

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"reflect"

	"github.com/bluenviron/gomavlib/v3/pkg/dialect"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// ErrMalformed reports bytes that could not be framed as a MAVLink message.
// The stream stays usable; the decoder resynchronises on the next magic byte.
var ErrMalformed = errors.New("malformed frame")

// Frame is one parsed MAVLink message plus its exact wire form.
// Raw is what gets forwarded; the header fields drive routing and filters.
type Frame struct {
	Raw             []byte
	MsgID           uint32
	SeqNumber       byte
	SrcSystem       byte
	SrcComponent    byte
	TargetSystem    int16 // -1 when the message carries no target
	TargetComponent int16
	IsV2            bool
}

// IsBroadcast reports whether the frame has no specific destination system.
// MAVLink treats target system 0 as broadcast as well.
func (f *Frame) IsBroadcast() bool {
	return f.TargetSystem <= 0
}

func (f *Frame) String() string {
	return fmt.Sprintf("msg %d from %d/%d to %d/%d (%d bytes)",
		f.MsgID, f.SrcSystem, f.SrcComponent, f.TargetSystem, f.TargetComponent, len(f.Raw))
}

var dialectRW = func() *dialect.ReadWriter {
	rw := &dialect.ReadWriter{Dialect: common.Dialect}
	if err := rw.Initialize(); err != nil {
		panic(err)
	}
	return rw
}()

// Decoder frames a byte stream into Frames.
type Decoder struct {
	reader  *frame.Reader
	scratch bytes.Buffer
	writer  *frame.Writer
}

// NewDecoder wraps r. The same decoder must not be used concurrently.
func NewDecoder(r io.Reader) (*Decoder, error) {
	d := &Decoder{}

	d.reader = &frame.Reader{
		ByteReader: bufio.NewReader(r),
		DialectRW:  dialectRW,
	}
	if err := d.reader.Initialize(); err != nil {
		return nil, fmt.Errorf("frame reader: %w", err)
	}

	d.writer = &frame.Writer{
		ByteWriter:  &d.scratch,
		DialectRW:   dialectRW,
		OutVersion:  frame.V2,
		OutSystemID: 1,
	}
	if err := d.writer.Initialize(); err != nil {
		return nil, fmt.Errorf("frame writer: %w", err)
	}

	return d, nil
}

// Next returns the next frame from the stream. Malformed bytes yield an
// error wrapping ErrMalformed and the decoder remains usable; transport
// errors are returned as-is and are terminal.
func (d *Decoder) Next() (*Frame, error) {
	fr, err := d.reader.Read()
	if err != nil {
		if isTransportError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Read the decoded message before WriteFrame, which replaces it in the
	// frame with its raw encoding.
	msg := fr.GetMessage()
	msgID := msg.GetID()
	targetSystem, targetComponent := messageTarget(msg)

	d.scratch.Reset()
	if err := d.writer.WriteFrame(fr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := &Frame{
		Raw:             append([]byte(nil), d.scratch.Bytes()...),
		MsgID:           msgID,
		SeqNumber:       fr.GetSequenceNumber(),
		SrcSystem:       fr.GetSystemID(),
		SrcComponent:    fr.GetComponentID(),
		TargetSystem:    targetSystem,
		TargetComponent: targetComponent,
	}
	if _, ok := fr.(*frame.V2Frame); ok {
		out.IsV2 = true
	}

	return out, nil
}

// messageTarget pulls the optional target fields out of a decoded message.
// Raw (undecodable) messages carry no known target and route as broadcast.
func messageTarget(msg message.Message) (int16, int16) {
	if _, ok := msg.(*message.MessageRaw); ok {
		return -1, -1
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return -1, -1
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return -1, -1
	}

	sys := int16(-1)
	comp := int16(-1)
	if f := v.FieldByName("TargetSystem"); f.IsValid() && f.Kind() == reflect.Uint8 {
		sys = int16(f.Uint())
	}
	if f := v.FieldByName("TargetComponent"); f.IsValid() && f.Kind() == reflect.Uint8 {
		comp = int16(f.Uint())
	}
	return sys, comp
}

func isTransportError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
