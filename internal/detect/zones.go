package detect

import (
	"fmt"
	"math"

	"github.com/pewpew/arena-backend/pkg/types"
)

// Kind groups zones that share a base radius.
type Kind string

const (
	KindHead     Kind = "head"
	KindCore     Kind = "core"
	KindShoulder Kind = "shoulder"
	KindElbow    Kind = "elbow"
	KindWrist    Kind = "wrist"
	KindHip      Kind = "hip"
	KindKnee     Kind = "knee"
	KindAnkle    Kind = "ankle"
)

// DefaultRadii are base radii in pixels at a 100px shoulder width.
var DefaultRadii = Radii{
	KindHead:     50,
	KindCore:     70,
	KindShoulder: 35,
	KindElbow:    28,
	KindWrist:    25,
	KindHip:      38,
	KindKnee:     32,
	KindAnkle:    25,
}

type Radii map[Kind]float64

// NewRadii overlays config overrides on DefaultRadii.
func NewRadii(overrides map[string]float64) (Radii, error) {
	r := make(Radii, len(DefaultRadii))
	for k, v := range DefaultRadii {
		r[k] = v
	}
	for name, v := range overrides {
		k := Kind(name)
		if _, ok := DefaultRadii[k]; !ok {
			return nil, fmt.Errorf("unknown zone kind %q", name)
		}
		if v <= 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("zone %s radius must be > 0, got %v", name, v)
		}
		r[k] = v
	}
	return r, nil
}

// HitZone is a circular target region in frame pixels.
type HitZone struct {
	Name   string
	Kind   Kind
	Center Point
	Radius float64
	Owner  types.Color
}

// Contains is inclusive on the boundary.
func (z HitZone) Contains(p Point) bool { return z.Center.Dist(p) <= z.Radius }

// Catalog is one subject's zones in hit-test priority order.
type Catalog []HitZone

type zoneDef struct {
	name      string
	kind      Kind
	landmarks []int // centre is the mean of these
}

// Order matters: earlier zones win overlapping hits.
var zoneDefs = []zoneDef{
	{"head", KindHead, []int{Nose}},
	{"core", KindCore, []int{LeftShoulder, RightShoulder, LeftHip, RightHip}},
	{"left_shoulder", KindShoulder, []int{LeftShoulder}},
	{"right_shoulder", KindShoulder, []int{RightShoulder}},
	{"left_elbow", KindElbow, []int{LeftElbow}},
	{"right_elbow", KindElbow, []int{RightElbow}},
	{"left_wrist", KindWrist, []int{LeftWrist}},
	{"right_wrist", KindWrist, []int{RightWrist}},
	{"left_hip", KindHip, []int{LeftHip}},
	{"right_hip", KindHip, []int{RightHip}},
	{"left_knee", KindKnee, []int{LeftKnee}},
	{"right_knee", KindKnee, []int{RightKnee}},
	{"left_ankle", KindAnkle, []int{LeftAnkle}},
	{"right_ankle", KindAnkle, []int{RightAnkle}},
}

// ZoneCount is the number of zones in every catalog.
var ZoneCount = len(zoneDefs)

// Scale is the shoulder width in pixels over 100.
func Scale(p Pose, w, h int) float64 {
	return pixel(p[LeftShoulder], w, h).Dist(pixel(p[RightShoulder], w, h)) / 100
}

// BuildCatalog lays out the zones for one pose.
func BuildCatalog(p Pose, w, h int, owner types.Color, radii Radii) Catalog {
	if radii == nil {
		radii = DefaultRadii
	}
	scale := Scale(p, w, h)
	cat := make(Catalog, 0, len(zoneDefs))
	for _, d := range zoneDefs {
		var c Point
		for _, i := range d.landmarks {
			px := pixel(p[i], w, h)
			c.X += px.X
			c.Y += px.Y
		}
		n := float64(len(d.landmarks))
		cat = append(cat, HitZone{
			Name:   d.name,
			Kind:   d.kind,
			Center: Point{X: c.X / n, Y: c.Y / n},
			Radius: radii[d.kind] * scale,
			Owner:  owner,
		})
	}
	return cat
}

// Box is the pixel extent of every landmark.
func Box(p Pose, w, h int) BoundingBox {
	if len(p) == 0 {
		return BoundingBox{}
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, lm := range p {
		px := pixel(lm, w, h)
		minX, maxX = math.Min(minX, px.X), math.Max(maxX, px.X)
		minY, maxY = math.Min(minY, px.Y), math.Max(maxY, px.Y)
	}
	return BoundingBox{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Confidence is mean visibility, or 0.5 when the model reports none.
func Confidence(p Pose) float64 {
	var sum float64
	for _, lm := range p {
		sum += lm.Visibility
	}
	if len(p) == 0 || sum == 0 {
		return 0.5
	}
	return math.Min(math.Max(sum/float64(len(p)), 0), 1)
}

func pixel(lm Landmark, w, h int) Point {
	return Point{X: lm.X * float64(w), Y: lm.Y * float64(h)}
}
