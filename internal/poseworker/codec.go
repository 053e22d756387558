package poseworker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single framed message. A 1080p RGBA frame is ~8MB.
const MaxMessageSize = 32 << 20

// encodeMessage frames v as a 4-byte big-endian length followed by msgpack.
// The result goes out in one Write so a failure never leaves a prefix
// without its body on the wire.
func encodeMessage(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal msgpack: %w", err)
	}
	if len(body) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(body))
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

func writeMessage(w io.Writer, v any) error {
	buf, err := encodeMessage(v)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("read message body (%d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal msgpack: %w", err)
	}
	return nil
}
