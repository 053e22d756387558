package poseworker

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWorker serves requests on conn with handle until the pipe closes.
func fakeWorker(t *testing.T, conn net.Conn, handle func(Request) (Response, bool)) {
	t.Helper()
	go func() {
		defer conn.Close()
		for {
			var req Request
			if err := readMessage(conn, &req); err != nil {
				return
			}
			resp, reply := handle(req)
			if !reply {
				continue
			}
			if err := writeMessage(conn, resp); err != nil {
				return
			}
		}
	}()
}

func landmarks(n int, x float64) []Landmark {
	out := make([]Landmark, n)
	for i := range out {
		out[i] = Landmark{X: x, Y: 0.5, Visibility: 1}
	}
	return out
}

func TestClient_RoundTrip(t *testing.T) {
	a, b := net.Pipe()
	var got Request
	fakeWorker(t, b, func(req Request) (Response, bool) {
		got = req
		return Response{Poses: [][]Landmark{landmarks(33, 0.25), landmarks(33, 0.75)}}, true
	})

	c := New(a, Options{MaxPoses: 5}, nil)
	defer c.Close()

	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(0, 0, color.RGBA{R: 9, A: 255})

	poses, err := c.Estimate(context.Background(), img, 1500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, poses, 2)
	assert.Len(t, poses[0], 33)
	assert.Equal(t, 0.75, poses[1][0].X)

	assert.Equal(t, 4, got.Width)
	assert.Equal(t, 3, got.Height)
	assert.Equal(t, int64(1500), got.TimestampMS)
	assert.Equal(t, 5, got.MaxPoses)
	require.Len(t, got.FrameData, 4*3*4)
	assert.Equal(t, []byte{9, 0, 0, 255}, got.FrameData[:4])
}

func TestClient_SubImageIsRepacked(t *testing.T) {
	a, b := net.Pipe()
	var got Request
	fakeWorker(t, b, func(req Request) (Response, bool) {
		got = req
		return Response{}, true
	})
	c := New(a, Options{}, nil)
	defer c.Close()

	full := image.NewRGBA(image.Rect(0, 0, 10, 10))
	full.Set(2, 2, color.RGBA{G: 7, A: 255})
	sub := full.SubImage(image.Rect(2, 2, 5, 4))

	poses, err := c.Estimate(context.Background(), sub, 0)
	require.NoError(t, err)
	assert.Empty(t, poses)
	assert.Equal(t, 3, got.Width)
	assert.Equal(t, 2, got.Height)
	require.Len(t, got.FrameData, 3*2*4)
	assert.Equal(t, []byte{0, 7, 0, 255}, got.FrameData[:4])
}

func TestClient_WorkerError(t *testing.T) {
	a, b := net.Pipe()
	fakeWorker(t, b, func(Request) (Response, bool) {
		return Response{Error: "model not loaded"}, true
	})
	c := New(a, Options{}, nil)
	defer c.Close()

	_, err := c.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)), 0)
	require.ErrorIs(t, err, ErrWorker)
	assert.Contains(t, err.Error(), "model not loaded")

	// a reported error does not poison the stream
	_, err = c.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)), 0)
	require.ErrorIs(t, err, ErrWorker)
}

func TestClient_TimeoutBreaksStream(t *testing.T) {
	a, b := net.Pipe()
	fakeWorker(t, b, func(Request) (Response, bool) { return Response{}, false })
	c := New(a, Options{Timeout: 30 * time.Millisecond}, nil)
	defer c.Close()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	_, err := c.Estimate(context.Background(), img, 0)
	require.Error(t, err)

	_, err = c.Estimate(context.Background(), img, 0)
	require.ErrorIs(t, err, ErrBroken)
}

func TestClient_ContextCancel(t *testing.T) {
	a, b := net.Pipe()
	fakeWorker(t, b, func(Request) (Response, bool) { return Response{}, false })
	c := New(a, Options{Timeout: time.Minute}, nil)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Estimate(ctx, image.NewRGBA(image.Rect(0, 0, 2, 2)), 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClient_CallsAreSerialized(t *testing.T) {
	a, b := net.Pipe()
	fakeWorker(t, b, func(req Request) (Response, bool) {
		// echo the timestamp back so each caller can check it got its own reply
		return Response{Poses: [][]Landmark{landmarks(1, float64(req.TimestampMS))}}, true
	})
	c := New(a, Options{}, nil)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(ms int) {
			defer wg.Done()
			poses, err := c.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)), time.Duration(ms)*time.Millisecond)
			if assert.NoError(t, err) && assert.Len(t, poses, 1) {
				assert.Equal(t, float64(ms), poses[0][0].X)
			}
		}(i)
	}
	wg.Wait()
}

func TestClient_Closed(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := New(a, Options{}, nil)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Estimate(context.Background(), image.NewRGBA(image.Rect(0, 0, 1, 1)), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestReadMessage_RejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxMessageSize+1)
	buf.Write(prefix[:])

	var resp Response
	err := readMessage(&buf, &resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestCodec_FramesBackToBack(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMessage(&buf, Response{Error: "one"}))
	require.NoError(t, writeMessage(&buf, Response{Error: "two"}))

	var r1, r2 Response
	require.NoError(t, readMessage(&buf, &r1))
	require.NoError(t, readMessage(&buf, &r2))
	assert.Equal(t, "one", r1.Error)
	assert.Equal(t, "two", r2.Error)
	assert.Zero(t, buf.Len())
}
