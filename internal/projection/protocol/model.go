// Package protocol holds the value types exchanged with the visualisation
// client and the codecs that turn them into payload bytes.
//
// Frames travel producer → client; commands travel client → producer. All
// types are plain values: the producer's slices are copied when a Frame is
// built, so nothing is shared with the tracking loop after the call returns.
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrDecode wraps every decode failure. Decoders never return a partially
// populated value alongside it.
var ErrDecode = errors.New("protocol: decode failed")

func decodeErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// TrackedObject is one tracked object ("bey") in a frame.
type TrackedObject struct {
	ID            int32
	PosX          float64
	PosY          float64
	VelocityX     float64
	VelocityY     float64
	RawVelocityX  float64 // before smoothing
	RawVelocityY  float64
	AccelerationX float64
	AccelerationY float64
	Width         int32
	Height        int32
	Frame         int64 // frame the object was last observed in
}

// Collision is a contact between two tracked objects ("hit").
type Collision struct {
	PosX      float64
	PosY      float64
	Width     int32
	Height    int32
	ObjectID1 int32
	ObjectID2 int32
	IsNew     bool // first frame the collision was observed
}

// DisplayConfig describes the projector output the client should render to.
type DisplayConfig struct {
	Width        int32
	Height       int32
	DisplayIndex int32
	Fullscreen   bool
	RefreshRate  int32
}

// NewDisplayConfig returns a config for the given resolution with the
// client's defaults: primary display, fullscreen, 60 Hz.
func NewDisplayConfig(width, height int) DisplayConfig {
	return DisplayConfig{
		Width:       int32(width),
		Height:      int32(height),
		Fullscreen:  true,
		RefreshRate: 60,
	}
}

// Frame is the unit of outbound transmission.
type Frame struct {
	FrameID    uint64
	Timestamp  float64 // seconds
	Objects    []TrackedObject
	Collisions []Collision
	Display    *DisplayConfig
}

// NewFrame builds a frame, copying objects, collisions and display so the
// caller may reuse its buffers immediately.
func NewFrame(frameID uint64, objects []TrackedObject, collisions []Collision, display *DisplayConfig, ts time.Time) *Frame {
	f := &Frame{
		FrameID:    frameID,
		Timestamp:  float64(ts.UnixNano()) / 1e9,
		Objects:    make([]TrackedObject, len(objects)),
		Collisions: make([]Collision, len(collisions)),
	}
	copy(f.Objects, objects)
	copy(f.Collisions, collisions)
	if display != nil {
		d := *display
		f.Display = &d
	}
	return f
}

// NewCollisions returns the collisions flagged as newly detected.
func (f *Frame) NewCollisions() []Collision {
	var out []Collision
	for _, c := range f.Collisions {
		if c.IsNew {
			out = append(out, c)
		}
	}
	return out
}

// CommandKind identifies an inbound command.
type CommandKind int

const (
	CommandCalibrate       CommandKind = 1
	CommandThresholdAdjust CommandKind = 2
	CommandConfigChange    CommandKind = 3
	CommandHeartbeat       CommandKind = 4
	CommandShutdown        CommandKind = 5
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	return k >= CommandCalibrate && k <= CommandShutdown
}

func (k CommandKind) String() string {
	switch k {
	case CommandCalibrate:
		return "calibrate"
	case CommandThresholdAdjust:
		return "threshold_adjust"
	case CommandConfigChange:
		return "config_change"
	case CommandHeartbeat:
		return "heartbeat"
	case CommandShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("command(%d)", int(k))
	}
}

// Command is a client → producer request. Params values are limited to
// string, int64, float64 and bool so every codec can carry them.
type Command struct {
	Kind      CommandKind
	Params    map[string]any
	Timestamp float64 // seconds
}

// NewCommand returns a command stamped with ts.
func NewCommand(kind CommandKind, params map[string]any, ts time.Time) Command {
	if params == nil {
		params = map[string]any{}
	}
	return Command{Kind: kind, Params: params, Timestamp: float64(ts.UnixNano()) / 1e9}
}
