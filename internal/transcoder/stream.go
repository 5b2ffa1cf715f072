package transcoder

import (
	"errors"
	"fmt"
	"io"
)

const relayBufferSize = 4 << 10

// Relay copies src to dst one chunk at a time, calling flush after every
// chunk so event-stream data reaches the caller immediately. Chunks are not
// inspected or reshaped. A nil flush is allowed. Returns nil on clean
// end-of-stream; a mid-stream read or write failure is returned for the
// caller to log, since the response stream can only be ended at that point.
func Relay(dst io.Writer, flush func(), src io.Reader) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("write stream chunk: %w", writeErr)
			}
			if flush != nil {
				flush()
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read upstream stream: %w", readErr)
		}
	}
}
