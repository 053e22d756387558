// Package camera provides frame sources for the detection pipeline.
package camera

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var ErrNoFrames = errors.New("no frames found")

// Dir replays a directory of still images as a looping video feed. Files
// are played in name order at a fixed frame rate.
type Dir struct {
	frames   []image.Image
	interval time.Duration
	start    time.Time
	now      func() time.Time
	closed   atomic.Bool
}

// OpenDir decodes every .png/.jpg/.jpeg in dir up front.
func OpenDir(dir string, fps float64) (*Dir, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be > 0, got %v", fps)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFrames)
	}

	frames := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := decode(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		frames = append(frames, img)
	}

	return &Dir{
		frames:   frames,
		interval: time.Duration(float64(time.Second) / fps),
		start:    time.Now(),
		now:      time.Now,
	}, nil
}

func decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}

func (d *Dir) Len() int { return len(d.frames) }

// Frame returns the image for the current playback position. After Close
// it reports no frame.
func (d *Dir) Frame() (image.Image, bool) {
	if d.closed.Load() {
		return nil, false
	}
	i := int(d.now().Sub(d.start)/d.interval) % len(d.frames)
	return d.frames[i], true
}

func (d *Dir) Close() error {
	d.closed.Store(true)
	return nil
}
