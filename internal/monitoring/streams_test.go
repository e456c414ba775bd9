package monitoring

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreams_FollowSetLogWriters(t *testing.T) {
	saved := Writers()
	defer SetLogWriters(saved)

	s := NewStreams("[unit] ")
	var ops, diag bytes.Buffer
	SetLogWriters(LogWriters{Ops: &ops, Diag: &diag})

	s.Opsf("dropped %d frames", 3)
	s.Diagf("connected")
	s.Tracef("frame %d", 1)

	assert.True(t, strings.HasPrefix(ops.String(), "[unit] "))
	assert.Contains(t, ops.String(), "dropped 3 frames")
	assert.Contains(t, diag.String(), "connected")
	assert.NotContains(t, diag.String(), "frame 1")
}

func TestStreams_Mute(t *testing.T) {
	saved := Writers()
	defer SetLogWriters(saved)

	var buf bytes.Buffer
	SetLogWriters(LogWriters{Ops: &buf, Diag: &buf, Trace: &buf})
	s := NewStreams("[mute] ")
	Mute()

	s.Opsf("nothing")
	s.Diagf("nothing")
	s.Tracef("nothing")
	assert.Zero(t, buf.Len())
	assert.Equal(t, LogWriters{}, Writers())
}

func TestNewStreams_PicksUpCurrentWriters(t *testing.T) {
	saved := Writers()
	defer SetLogWriters(saved)

	var buf bytes.Buffer
	SetLogWriters(LogWriters{Trace: &buf})
	s := NewStreams("[late] ")
	s.Tracef("hello")
	assert.Contains(t, buf.String(), "[late] ")
}
