// Package synthetic produces tracking frames for demos and tests: objects
// orbit a centre point in alternating directions and report collisions
// whenever two of them pass close to each other.
package synthetic

import (
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/banshee-data/projector/internal/projection/protocol"
	"github.com/banshee-data/projector/internal/timeutil"
)

type pair struct{ a, b int32 }

// Generator generates synthetic tracking frames. It is not safe for
// concurrent use apart from FrameID.
type Generator struct {
	frameID atomic.Uint64
	clock   timeutil.Clock
	start   time.Time

	// Configuration
	ObjectCount       int     // number of orbiting objects
	CenterX           float64 // pixels
	CenterY           float64 // pixels
	OrbitRadius       float64 // pixels, outermost orbit; inner orbits are at most 5% smaller
	Speed             float64 // pixels per second along the orbit
	ObjectSize        int32   // pixels, width and height of each object
	CollisionDistance float64 // pixels between centres that counts as contact
	VelocityNoise     float64 // pixels per second added to raw velocity

	// Internal state
	rng    *rand.Rand
	radii  []float64
	phases []float64
	active map[pair]bool
}

// NewGenerator creates a generator with a 1080p arena. seed fixes the orbit
// layout and velocity noise.
func NewGenerator(clock timeutil.Clock, seed int64) *Generator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Generator{
		clock:             clock,
		start:             clock.Now(),
		ObjectCount:       4,
		CenterX:           960,
		CenterY:           540,
		OrbitRadius:       400,
		Speed:             250,
		ObjectSize:        48,
		CollisionDistance: 48,
		VelocityNoise:     5,
		rng:               rand.New(rand.NewSource(seed)),
		active:            map[pair]bool{},
	}
}

// FrameID returns the id of the most recently generated frame.
func (g *Generator) FrameID() uint64 { return g.frameID.Load() }

// layout assigns each object an orbit radius and starting phase the first
// time it is needed, or again after ObjectCount changes.
func (g *Generator) layout() {
	if len(g.radii) == g.ObjectCount {
		return
	}
	g.radii = make([]float64, g.ObjectCount)
	g.phases = make([]float64, g.ObjectCount)
	for i := range g.radii {
		g.radii[i] = g.OrbitRadius * (1 - 0.05*g.rng.Float64())
		g.phases[i] = float64(i) * 2 * math.Pi / float64(g.ObjectCount)
	}
	g.active = map[pair]bool{}
}

// NextFrame generates the next frame at the clock's current time.
func (g *Generator) NextFrame() *protocol.Frame {
	g.layout()
	id := g.frameID.Add(1)
	now := g.clock.Now()
	elapsed := now.Sub(g.start).Seconds()

	objects := make([]protocol.TrackedObject, g.ObjectCount)
	for i := range objects {
		objects[i] = g.object(i, int64(id), elapsed)
	}
	return protocol.NewFrame(id, objects, g.collisions(objects), nil, now)
}

func (g *Generator) object(i int, frame int64, elapsed float64) protocol.TrackedObject {
	// Even objects orbit anticlockwise, odd ones clockwise, so paths cross.
	dir := 1.0
	if i%2 == 1 {
		dir = -1
	}
	r := g.radii[i]
	angle := g.phases[i] + dir*elapsed*g.Speed/r

	vx := -dir * g.Speed * math.Sin(angle)
	vy := dir * g.Speed * math.Cos(angle)
	accel := g.Speed * g.Speed / r

	return protocol.TrackedObject{
		ID:            int32(i + 1),
		PosX:          g.CenterX + r*math.Cos(angle),
		PosY:          g.CenterY + r*math.Sin(angle),
		VelocityX:     vx,
		VelocityY:     vy,
		RawVelocityX:  vx + (g.rng.Float64()*2-1)*g.VelocityNoise,
		RawVelocityY:  vy + (g.rng.Float64()*2-1)*g.VelocityNoise,
		AccelerationX: -accel * math.Cos(angle),
		AccelerationY: -accel * math.Sin(angle),
		Width:         g.ObjectSize,
		Height:        g.ObjectSize,
		Frame:         frame,
	}
}

// collisions returns every pair closer than CollisionDistance. A pair is new
// on the first frame it is seen after being apart.
func (g *Generator) collisions(objects []protocol.TrackedObject) []protocol.Collision {
	var out []protocol.Collision
	seen := make(map[pair]bool)
	for i := 0; i < len(objects); i++ {
		for j := i + 1; j < len(objects); j++ {
			a, b := objects[i], objects[j]
			if math.Hypot(a.PosX-b.PosX, a.PosY-b.PosY) >= g.CollisionDistance {
				continue
			}
			p := pair{a.ID, b.ID}
			seen[p] = true
			out = append(out, protocol.Collision{
				PosX:      (a.PosX + b.PosX) / 2,
				PosY:      (a.PosY + b.PosY) / 2,
				Width:     g.ObjectSize,
				Height:    g.ObjectSize,
				ObjectID1: a.ID,
				ObjectID2: b.ID,
				IsNew:     !g.active[p],
			})
		}
	}
	g.active = seen
	return out
}
