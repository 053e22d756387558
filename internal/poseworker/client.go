// Package poseworker talks to an out-of-process pose model. Frames go out as
// raw RGBA bytes and landmarks come back, both as length-prefixed msgpack.
package poseworker

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/detect"
	"github.com/pewpew/arena-backend/internal/logging"
)

var (
	// ErrWorker wraps an error string reported by the worker itself.
	ErrWorker = errors.New("pose worker")
	// ErrBroken means an earlier call was abandoned mid-exchange and the
	// stream can no longer be trusted.
	ErrBroken = errors.New("pose worker stream broken")
	ErrClosed = errors.New("pose worker closed")
)

const DefaultTimeout = 2 * time.Second

type Request struct {
	FrameData   []byte `msgpack:"frame_data"`
	Width       int    `msgpack:"width"`
	Height      int    `msgpack:"height"`
	TimestampMS int64  `msgpack:"timestamp_ms"`
	MaxPoses    int    `msgpack:"max_poses"`
}

type Landmark struct {
	X          float64 `msgpack:"x"`
	Y          float64 `msgpack:"y"`
	Z          float64 `msgpack:"z"`
	Visibility float64 `msgpack:"visibility"`
}

type Response struct {
	Poses [][]Landmark `msgpack:"poses"`
	Error string       `msgpack:"error,omitempty"`
}

type Options struct {
	Timeout  time.Duration
	MaxPoses int
}

// Client implements detect.Estimator. Calls are serialized; one request is
// on the wire at a time.
type Client struct {
	rw   io.ReadWriteCloser
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	broken error
	closed bool
}

var _ detect.Estimator = (*Client)(nil)

func New(rw io.ReadWriteCloser, opts Options, log *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxPoses <= 0 {
		opts.MaxPoses = detect.DefaultMaxPoses
	}
	return &Client{rw: rw, opts: opts, log: logging.OrNop(log).Named("poseworker")}
}

func (c *Client) Estimate(ctx context.Context, frame image.Image, ts time.Duration) ([]detect.Pose, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.broken != nil:
		return nil, fmt.Errorf("%w: %v", ErrBroken, c.broken)
	}

	b := frame.Bounds()
	req := Request{
		FrameData:   rgbaBytes(frame),
		Width:       b.Dx(),
		Height:      b.Dy(),
		TimestampMS: ts.Milliseconds(),
		MaxPoses:    c.opts.MaxPoses,
	}

	// Encoded before the exchange starts; the frame buffer is reused by
	// the caller once we return.
	msg, err := encodeMessage(req)
	if err != nil {
		return nil, err
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if _, r.err = c.rw.Write(msg); r.err == nil {
			r.err = readMessage(c.rw, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-done:
	case <-timer.C:
		return nil, c.abandon(fmt.Errorf("no response within %s", c.opts.Timeout))
	case <-ctx.Done():
		return nil, c.abandon(ctx.Err())
	}

	if r.err != nil {
		return nil, c.abandon(r.err)
	}
	if r.resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrWorker, r.resp.Error)
	}
	return toPoses(r.resp.Poses), nil
}

// abandon marks the stream unusable and closes it so the in-flight
// exchange unblocks. Caller holds mu.
func (c *Client) abandon(cause error) error {
	c.broken = cause
	c.log.Warn("abandoning pose worker stream", zap.Error(cause))
	_ = c.rw.Close()
	return fmt.Errorf("estimate: %w", cause)
}

// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.broken != nil {
		return nil // already closed by abandon
	}
	return c.rw.Close()
}

func toPoses(in [][]Landmark) []detect.Pose {
	out := make([]detect.Pose, 0, len(in))
	for _, lms := range in {
		p := make(detect.Pose, len(lms))
		for i, lm := range lms {
			p[i] = detect.Landmark{X: lm.X, Y: lm.Y, Z: lm.Z, Visibility: lm.Visibility}
		}
		out = append(out, p)
	}
	return out
}

// rgbaBytes returns tightly packed RGBA rows, copying only when the image
// is not already in that layout.
func rgbaBytes(img image.Image) []byte {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) && rgba.Stride == 4*b.Dx() {
		return rgba.Pix[:4*b.Dx()*b.Dy()]
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst.Pix
}
