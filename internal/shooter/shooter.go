// Package shooter resolves a trigger pull against the latest detection
// frame and tracks the magazine.
package shooter

import (
	"context"
	"math"
	"time"

	"github.com/pewpew/arena-backend/internal/detect"
	"github.com/pewpew/arena-backend/pkg/types"
)

const (
	DefaultMagazine = 5
	DefaultReload   = 3 * time.Second
)

// Scorer reports a hit to the session registry and returns the shooter's
// authoritative score.
type Scorer interface {
	Score(ctx context.Context, code, name string, target types.Color) (int64, error)
}

// Shot is the outcome of one Fire call.
type Shot struct {
	Fired  bool // false when the trigger was pulled on an empty or reloading gun
	Hit    bool
	Zone   string
	Target types.Color
	Aim    detect.Point
	Seq    uint64 // frame the shot was resolved against, 0 if none
}

// HitTest returns the first zone containing p, scanning catalogs in order
// and each catalog in zone order.
func HitTest(p detect.Point, catalogs []detect.Catalog) (detect.HitZone, bool) {
	for _, cat := range catalogs {
		for _, z := range cat {
			if z.Contains(p) {
				return z, true
			}
		}
	}
	return detect.HitZone{}, false
}

type Options struct {
	Magazine int
	Reload   time.Duration
}

// Resolver holds ammo, reload and local score state. It is not safe for
// concurrent use; one goroutine owns it.
type Resolver struct {
	magazine int
	reload   time.Duration

	ammo        int
	reloading   bool
	reloadStart time.Time
	progress    float64
	score       int64
}

func New(opts Options) *Resolver {
	if opts.Magazine <= 0 {
		opts.Magazine = DefaultMagazine
	}
	if opts.Reload <= 0 {
		opts.Reload = DefaultReload
	}
	return &Resolver{magazine: opts.Magazine, reload: opts.Reload, ammo: opts.Magazine}
}

func (r *Resolver) Ammo() int          { return r.ammo }
func (r *Resolver) Magazine() int      { return r.magazine }
func (r *Resolver) Reloading() bool    { return r.reloading }
func (r *Resolver) Progress() float64  { return r.progress }
func (r *Resolver) Score() int64       { return r.score }
func (r *Resolver) ApplyScore(n int64) { r.score = n }

// Fire spends one round and hit-tests the crosshair against f. It does
// nothing while the magazine is empty or reloading. A nil frame is a miss.
func (r *Resolver) Fire(now time.Time, f *detect.Frame) Shot {
	if r.ammo <= 0 || r.reloading {
		return Shot{}
	}

	r.ammo--
	if r.ammo == 0 {
		r.reloading = true
		r.reloadStart = now
		r.progress = 0
	}

	shot := Shot{Fired: true}
	if f == nil {
		return shot
	}
	shot.Aim = f.Crosshair()
	shot.Seq = f.Seq
	if z, ok := HitTest(shot.Aim, f.Catalogs); ok {
		shot.Hit = true
		shot.Zone = z.Name
		shot.Target = z.Owner
	}
	return shot
}

// Advance samples the reload clock. It returns the progress observed at now
// (0-100) and whether this call completed the reload, in which case the
// magazine is full again and progress resets to 0.
func (r *Resolver) Advance(now time.Time) (progress float64, reloaded bool) {
	if !r.reloading {
		return r.progress, false
	}

	elapsed := now.Sub(r.reloadStart)
	p := math.Min(float64(elapsed)/float64(r.reload)*100, 100)
	if p > r.progress {
		r.progress = p
	}
	if elapsed < r.reload {
		return r.progress, false
	}

	r.ammo = r.magazine
	r.reloading = false
	r.progress = 0
	return 100, true
}

// Countdown is the whole seconds left on the current reload, rounded up.
func (r *Resolver) Countdown() int {
	if !r.reloading {
		return 0
	}
	return int(math.Ceil((100 - r.progress) / 100 * r.reload.Seconds()))
}
