package codec

import "fmt"

var (
	// ErrNeedMoreData is returned by Decoder.Next while a frame is still partially buffered.
	ErrNeedMoreData = fmt.Errorf("need more data")
	// ErrFrameTooLarge is returned when a frame header declares more than the
	// configured maximum. The decoder buffer is reset when it is returned.
	ErrFrameTooLarge = fmt.Errorf("frame too large")
	// ErrDecode is returned when a complete frame does not hold a valid message.
	// Only that frame is discarded.
	ErrDecode = fmt.Errorf("decode error")
)
