package mavlink

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/gomavlib/v3/pkg/frame"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
)

// Encode serialises msg as a MAVLink v2 frame originating from the given
// system and component and returns the wire bytes.
func Encode(msg message.Message, srcSystem, srcComponent byte) ([]byte, error) {
	var buf bytes.Buffer

	w := &frame.Writer{
		ByteWriter:     &buf,
		DialectRW:      dialectRW,
		OutVersion:     frame.V2,
		OutSystemID:    srcSystem,
		OutComponentID: srcComponent,
	}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("frame writer: %w", err)
	}
	if err := w.WriteMessage(msg); err != nil {
		return nil, fmt.Errorf("write message: %w", err)
	}

	return buf.Bytes(), nil
}
