package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFrame() *Frame {
	objects := []TrackedObject{
		{ID: 1, PosX: 100, PosY: 200, VelocityX: 1.5, VelocityY: -2.25, RawVelocityX: 1.75, RawVelocityY: -2.5,
			AccelerationX: 0.125, AccelerationY: -0.5, Width: 40, Height: 42, Frame: 12345},
		{ID: -3, PosX: 300.5, PosY: 400, Width: 38, Height: 39, Frame: 12344},
	}
	collisions := []Collision{
		{PosX: 150, PosY: 250, Width: 20, Height: 20, ObjectID1: 1, ObjectID2: -3, IsNew: true},
		{PosX: 10, PosY: 20, Width: 5, Height: 6, ObjectID1: 7, ObjectID2: 8},
	}
	return NewFrame(12345, objects, collisions, nil, time.Unix(1700000000, 250_000_000))
}

func TestNewFrame_CopiesInputs(t *testing.T) {
	objects := []TrackedObject{{ID: 1, PosX: 1}}
	display := NewDisplayConfig(1920, 1080)
	f := NewFrame(1, objects, nil, &display, time.Unix(10, 0))

	objects[0].PosX = 99
	display.Width = 1

	assert.Equal(t, 1.0, f.Objects[0].PosX)
	assert.Equal(t, int32(1920), f.Display.Width)
	assert.Equal(t, 10.0, f.Timestamp)
	assert.NotNil(t, f.Collisions)
}

func TestNewDisplayConfig_Defaults(t *testing.T) {
	d := NewDisplayConfig(1280, 720)
	assert.Equal(t, DisplayConfig{Width: 1280, Height: 720, DisplayIndex: 0, Fullscreen: true, RefreshRate: 60}, d)
}

func TestLosslessStrategies_RoundTrip(t *testing.T) {
	display := NewDisplayConfig(1920, 1080)
	withDisplay := sampleFrame()
	withDisplay.Display = &display
	configOnly := NewFrame(0, nil, nil, &display, time.Unix(0, 0))
	empty := NewFrame(7, nil, nil, nil, time.Unix(1, 0))

	frames := map[string]*Frame{
		"tracking":    sampleFrame(),
		"with config": withDisplay,
		"config only": configOnly,
		"empty":       empty,
	}

	for _, name := range []string{NameCBOR, NameJSON, NameProto} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		require.True(t, Lossless(name))
		for fname, f := range frames {
			t.Run(name+"/"+fname, func(t *testing.T) {
				b, err := s.EncodeFrame(f)
				require.NoError(t, err)
				got, err := s.DecodeFrame(b)
				require.NoError(t, err)
				if diff := cmp.Diff(f, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("round trip mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestLosslessStrategies_BatchRoundTrip(t *testing.T) {
	a := sampleFrame()
	b := NewFrame(12346, a.Objects[:1], nil, nil, time.Unix(1700000000, 266_000_000))
	frames := []Frame{*a, *b}

	for _, name := range []string{NameCBOR, NameJSON, NameProto} {
		t.Run(name, func(t *testing.T) {
			s, err := StrategyByName(name)
			require.NoError(t, err)
			enc, err := s.EncodeBatch(frames)
			require.NoError(t, err)
			got, err := s.DecodeBatch(enc)
			require.NoError(t, err)
			if diff := cmp.Diff(frames, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("batch round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestJSON_MapKeys(t *testing.T) {
	f := sampleFrame()
	b, err := JSON{}.EncodeFrame(f)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.ElementsMatch(t, []string{"frame_id", "timestamp", "beys", "hits", "projection_config"}, keys(m))
	assert.Nil(t, m["projection_config"])

	bey := m["beys"].([]any)[0].(map[string]any)
	assert.ElementsMatch(t, []string{
		"id", "pos_x", "pos_y", "velocity_x", "velocity_y", "raw_velocity_x", "raw_velocity_y",
		"acceleration_x", "acceleration_y", "width", "height", "frame",
	}, keys(bey))

	hit := m["hits"].([]any)[0].(map[string]any)
	assert.ElementsMatch(t, []string{"pos_x", "pos_y", "width", "height", "bey_id_1", "bey_id_2", "is_new_hit"}, keys(hit))

	batch, err := JSON{}.EncodeBatch([]Frame{*f})
	require.NoError(t, err)
	var bm map[string]any
	require.NoError(t, json.Unmarshal(batch, &bm))
	assert.Equal(t, "batch", bm["type"])
	assert.Equal(t, 1.0, bm["count"])
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestCompact_Format(t *testing.T) {
	b, err := Compact{}.EncodeFrame(sampleFrame())
	require.NoError(t, err)
	assert.Equal(t, "12345, beys:(1, 100, 200)(-3, 300.5, 400), hits:(150, 250)", string(b))
}

func TestCompact_DecodeKeepsIDsAndPositions(t *testing.T) {
	f := sampleFrame()
	b, err := Compact{}.EncodeFrame(f)
	require.NoError(t, err)

	got, err := Compact{}.DecodeFrame(b)
	require.NoError(t, err)
	want := &Frame{
		FrameID: 12345,
		Objects: []TrackedObject{{ID: 1, PosX: 100, PosY: 200}, {ID: -3, PosX: 300.5, PosY: 400}},
		Collisions: []Collision{{PosX: 150, PosY: 250, IsNew: true}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("compact decode mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, Lossless(NameCompact))
}

func TestCompact_Batch(t *testing.T) {
	frames := []Frame{
		{FrameID: 1, Objects: []TrackedObject{{ID: 1, PosX: 10, PosY: 20}}},
		{FrameID: 2, Collisions: []Collision{{PosX: 5, PosY: 6, IsNew: true}}},
	}
	b, err := Compact{}.EncodeBatch(frames)
	require.NoError(t, err)
	assert.Equal(t, "BATCH:2;1,beys:(1,10,20),hits:;2,beys:,hits:(5,6);", string(b))

	got, err := Compact{}.DecodeBatch(b)
	require.NoError(t, err)
	if diff := cmp.Diff(frames, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("compact batch mismatch (-want +got):\n%s", diff)
	}
}

func TestDecoders_FailClosed(t *testing.T) {
	display := NewDisplayConfig(800, 600)
	f := sampleFrame()
	f.Display = &display

	truncated := func(s Strategy) []byte {
		b, err := s.EncodeFrame(f)
		require.NoError(t, err)
		return b[:len(b)-3]
	}

	tests := []struct {
		name  string
		s     Strategy
		input []byte
	}{
		{"cbor truncated", CBOR{}, truncated(CBOR{})},
		{"cbor garbage", CBOR{}, []byte{0xff, 0x00, 0x13}},
		{"cbor missing keys", CBOR{}, mustCBOR(t, map[string]any{"frame_id": 1})},
		{"json truncated", JSON{}, truncated(JSON{})},
		{"json missing hits", JSON{}, []byte(`{"frame_id":1,"timestamp":0,"beys":[]}`)},
		{"json wrong type", JSON{}, []byte(`{"frame_id":"one","timestamp":0,"beys":[],"hits":[]}`)},
		{"proto truncated", Proto{}, truncated(Proto{})},
		{"proto wrong wire type", Proto{}, []byte{0x0d, 0x01, 0x02, 0x03, 0x04}},
		{"compact no beys", Compact{}, []byte("hello")},
		{"compact bad group", Compact{}, []byte("1, beys:(1, 2), hits:")},
		{"compact unclosed", Compact{}, []byte("1, beys:(1, 2, 3, hits:")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.s.DecodeFrame(tt.input)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Nil(t, got)
		})
	}
}

func TestDecodeBatch_CountMismatch(t *testing.T) {
	_, err := JSON{}.DecodeBatch([]byte(`{"type":"batch","count":2,"events":[]}`))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = JSON{}.DecodeBatch([]byte(`{"type":"frame","count":0,"events":[]}`))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Compact{}.DecodeBatch([]byte("BATCH:3;1,beys:,hits:;"))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = Compact{}.DecodeBatch([]byte("BATCH:1;1,beys:,hits:"))
	assert.ErrorIs(t, err, ErrDecode)
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cborEnc.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCommand_RoundTrip(t *testing.T) {
	c := NewCommand(CommandThresholdAdjust, map[string]any{
		"direction": "up",
		"step":      int64(2),
		"negative":  int64(-4),
		"gain":      1.5,
		"enabled":   true,
	}, time.Unix(1700000000, 500_000_000))

	b, err := EncodeCommand(&c)
	require.NoError(t, err)
	got, err := DecodeCommand(b)
	require.NoError(t, err)
	if diff := cmp.Diff(&c, got); diff != "" {
		t.Errorf("command round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCommand_NormalizesParams(t *testing.T) {
	c := Command{Kind: CommandConfigChange, Params: map[string]any{"fps": 60, "scale": float32(0.5)}}
	b, err := EncodeCommand(&c)
	require.NoError(t, err)
	got, err := DecodeCommand(b)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"fps": int64(60), "scale": 0.5}, got.Params)
}

func TestCommand_Rejects(t *testing.T) {
	_, err := EncodeCommand(&Command{Kind: 9})
	assert.Error(t, err)

	_, err = EncodeCommand(&Command{Kind: CommandCalibrate, Params: map[string]any{"x": []int{1}}})
	assert.Error(t, err)

	_, err = DecodeCommand(mustCBOR(t, map[string]any{"command_type": 42, "parameters": map[string]any{}}))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeCommand(mustCBOR(t, map[string]any{"parameters": map[string]any{}}))
	assert.ErrorIs(t, err, ErrDecode)

	_, err = DecodeCommand([]byte{0xa1})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestParseLineCommand(t *testing.T) {
	tests := []struct {
		line string
		kind CommandKind
		dir  string
		ok   bool
	}{
		{"calibrate", CommandCalibrate, "", true},
		{"  Calibrate\r", CommandCalibrate, "", true},
		{"threshold_up", CommandThresholdAdjust, "up", true},
		{"threshold_down", CommandThresholdAdjust, "down", true},
		{"heartbeat", CommandHeartbeat, "", true},
		{"shutdown", CommandShutdown, "", true},
		{"dance", 0, "", false},
		{"", 0, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			c, ok := ParseLineCommand(tt.line)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.kind, c.Kind)
			if tt.dir != "" {
				assert.Equal(t, tt.dir, c.Params["direction"])
			}
		})
	}
	assert.Equal(t, "threshold:16", ThresholdResponse(16))
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"cbor", "compact", "json", "proto"}, Strategies())
	_, err := StrategyByName("msgpack")
	assert.Error(t, err)
	s, err := StrategyByName("proto")
	require.NoError(t, err)
	assert.Equal(t, "proto", s.Name())
}

func TestCommandKind_String(t *testing.T) {
	assert.Equal(t, "threshold_adjust", CommandThresholdAdjust.String())
	assert.Equal(t, "command(9)", CommandKind(9).String())
	assert.False(t, CommandKind(0).Valid())
}

func TestNewCollisions(t *testing.T) {
	got := sampleFrame().NewCollisions()
	require.Len(t, got, 1)
	assert.True(t, got[0].IsNew)
}
