// Package detect turns camera frames into per-person hit-zone catalogs.
//
// Pose landmarks use the 33-point MediaPipe body layout with coordinates
// normalized to [0,1] of the frame. Everything published by this package is
// in frame pixels.
package detect

import (
	"context"
	"image"
	"math"
	"time"

	"github.com/pewpew/arena-backend/pkg/types"
)

const NumLandmarks = 33

// Landmark indices used by the zone catalog.
const (
	Nose          = 0
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28
)

type Landmark struct {
	X, Y, Z    float64
	Visibility float64
}

// Pose is one subject's landmarks in MediaPipe order.
type Pose []Landmark

// Valid reports whether the pose carries every landmark the catalog reads.
func (p Pose) Valid() bool { return len(p) > RightAnkle }

// Estimator is the external pose model. ts is monotonic from pipeline start.
type Estimator interface {
	Estimate(ctx context.Context, frame image.Image, ts time.Duration) ([]Pose, error)
}

// FrameSource is the camera. ok=false means no frame is available yet.
type FrameSource interface {
	Frame() (img image.Image, ok bool)
}

type Point struct{ X, Y float64 }

func (p Point) Dist(q Point) float64 { return math.Hypot(p.X-q.X, p.Y-q.Y) }

type BoundingBox struct {
	X, Y, Width, Height float64
}

// DetectedPerson is the summary published for one subject.
type DetectedPerson struct {
	Box        BoundingBox
	Color      types.Color
	Confidence float64
}

// Frame is one published detection result. It is immutable once stored.
type Frame struct {
	Seq      uint64
	At       time.Duration // estimator timestamp
	Width    int
	Height   int
	People   []DetectedPerson
	Catalogs []Catalog // Catalogs[i] belongs to People[i]
}

// Crosshair is the fixed aim point at the frame centre.
func (f *Frame) Crosshair() Point {
	return Point{X: float64(f.Width) / 2, Y: float64(f.Height) / 2}
}
