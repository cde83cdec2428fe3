package voice

import (
	"context"
	"fmt"

	"github.com/comtalk/comtalk/internal/model"
)

// Device grants exclusive access to the microphone. Acquire returns
// model.ErrPermissionDenied when access is refused.
type Device interface {
	Acquire(ctx context.Context) (Recorder, error)
}

// Recorder buffers encoded audio chunks from an acquired device. Drain
// returns everything captured so far; Close releases the device handle
// and must always be called, exactly once, on every exit path.
type Recorder interface {
	Drain() [][]byte
	Close() error
}

// UnavailableDevice is the default when the host shell injects no capture
// backend. Acquire always refuses, so capture attempts fail cleanly.
type UnavailableDevice struct{}

// Acquire implements Device.
func (UnavailableDevice) Acquire(context.Context) (Recorder, error) {
	return nil, fmt.Errorf("no capture device available: %w", model.ErrPermissionDenied)
}

// Encoder finalizes a chunk buffer into a single audio payload.
type Encoder interface {
	Encode(chunks [][]byte) ([]byte, error)
}

// ConcatEncoder joins chunks as-is. Capture devices that already emit a
// containerized stream (e.g. Opus in WebM) need no further framing.
type ConcatEncoder struct{}

// Encode implements Encoder.
func (ConcatEncoder) Encode(chunks [][]byte) ([]byte, error) {
	var size int
	for _, c := range chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}
