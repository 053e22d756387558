package detect

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pewpew/arena-backend/internal/logging"
)

const DefaultMaxPoses = 5

type Options struct {
	MaxPoses int
	Radii    Radii
}

// Pipeline runs one detection iteration per Step and publishes the result
// through an atomic pointer. Step must not be called concurrently; readers
// of Latest may run on any goroutine.
type Pipeline struct {
	src  FrameSource
	est  Estimator
	opts Options
	log  *zap.Logger

	start time.Time
	now   func() time.Time
	buf   *image.RGBA
	seq   uint64

	latest atomic.Pointer[Frame]
}

func NewPipeline(src FrameSource, est Estimator, opts Options, log *zap.Logger) *Pipeline {
	if opts.MaxPoses <= 0 {
		opts.MaxPoses = DefaultMaxPoses
	}
	if opts.Radii == nil {
		opts.Radii = DefaultRadii
	}
	return &Pipeline{
		src:   src,
		est:   est,
		opts:  opts,
		log:   logging.OrNop(log).Named("detect"),
		start: time.Now(),
		now:   time.Now,
	}
}

// Latest returns the most recently published frame, or nil before the first.
func (p *Pipeline) Latest() *Frame { return p.latest.Load() }

// Step captures the current camera frame, estimates poses and publishes a
// new Frame. A missing camera frame is a no-op. On estimator failure the
// previous frame stays published.
func (p *Pipeline) Step(ctx context.Context) error {
	img, ok := p.src.Frame()
	if !ok || img == nil || img.Bounds().Empty() {
		return nil
	}
	buf := p.capture(img)
	ts := p.now().Sub(p.start)

	poses, err := p.est.Estimate(ctx, buf, ts)
	if err != nil {
		return fmt.Errorf("estimate poses: %w", err)
	}

	frame := Process(buf, poses, p.opts)
	p.seq++
	frame.Seq = p.seq
	frame.At = ts
	p.latest.Store(frame)

	p.log.Debug("frame published",
		zap.Uint64("seq", frame.Seq),
		zap.Int("people", len(frame.People)),
	)
	return nil
}

// capture copies the camera image into the reusable working buffer so the
// estimator and colour sampler see one consistent frame.
func (p *Pipeline) capture(img image.Image) *image.RGBA {
	b := img.Bounds()
	if p.buf == nil || p.buf.Rect.Dx() != b.Dx() || p.buf.Rect.Dy() != b.Dy() {
		p.buf = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	draw.Draw(p.buf, p.buf.Rect, img, b.Min, draw.Src)
	return p.buf
}

// Process builds a Frame from an image and its poses. Poses beyond
// opts.MaxPoses and poses missing landmarks are ignored.
func Process(img image.Image, poses []Pose, opts Options) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if opts.MaxPoses > 0 && len(poses) > opts.MaxPoses {
		poses = poses[:opts.MaxPoses]
	}

	f := &Frame{Width: w, Height: h}
	for _, pose := range poses {
		if !pose.Valid() {
			continue
		}
		color := TorsoColor(img, pose)
		f.People = append(f.People, DetectedPerson{
			Box:        Box(pose, w, h),
			Color:      color,
			Confidence: Confidence(pose),
		})
		f.Catalogs = append(f.Catalogs, BuildCatalog(pose, w, h, color, opts.Radii))
	}
	return f
}
