package protocol

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Proto encodes frames in protobuf wire format. The message layout is
// equivalent to:
//
//	message Frame {
//	  uint64 frame_id = 1;
//	  double timestamp = 2;
//	  repeated Bey beys = 3;
//	  repeated Hit hits = 4;
//	  DisplayConfig projection_config = 5;
//	}
//	message Bey {
//	  int32 id = 1;
//	  double pos_x = 2;  double pos_y = 3;
//	  double velocity_x = 4;  double velocity_y = 5;
//	  double raw_velocity_x = 6;  double raw_velocity_y = 7;
//	  double acceleration_x = 8;  double acceleration_y = 9;
//	  int32 width = 10;  int32 height = 11;
//	  int64 frame = 12;
//	}
//	message Hit {
//	  double pos_x = 1;  double pos_y = 2;
//	  int32 width = 3;  int32 height = 4;
//	  int32 bey_id_1 = 5;  int32 bey_id_2 = 6;
//	  bool is_new_hit = 7;
//	}
//	message DisplayConfig {
//	  int32 width = 1;  int32 height = 2;  int32 display_index = 3;
//	  bool fullscreen = 4;  int32 refresh_rate = 5;
//	}
//	message Batch {
//	  uint32 count = 1;
//	  repeated Frame events = 2;
//	}
//
// Zero-valued scalars are omitted, as proto3 does.
type Proto struct{}

func (Proto) Name() string { return NameProto }

func (Proto) EncodeFrame(f *Frame) ([]byte, error) {
	return appendFrame(nil, f), nil
}

func (Proto) DecodeFrame(b []byte) (*Frame, error) {
	return consumeFrame(b)
}

func (Proto) EncodeBatch(frames []Frame) ([]byte, error) {
	var b []byte
	b = appendUint(b, 1, uint64(len(frames)))
	for i := range frames {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, appendFrame(nil, &frames[i]))
	}
	return b, nil
}

func (Proto) DecodeBatch(b []byte) ([]Frame, error) {
	var (
		count  uint64
		frames = []Frame{}
	)
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			if typ != protowire.VarintType {
				return decodeErr("proto batch: count wire type %d", typ)
			}
			count = v
		case 2:
			if typ != protowire.BytesType {
				return decodeErr("proto batch: events wire type %d", typ)
			}
			f, err := consumeFrame(raw)
			if err != nil {
				return err
			}
			frames = append(frames, *f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if count != uint64(len(frames)) {
		return nil, decodeErr("proto batch: count %d but %d events", count, len(frames))
	}
	return frames, nil
}

func appendFrame(b []byte, f *Frame) []byte {
	b = appendUint(b, 1, f.FrameID)
	b = appendDouble(b, 2, f.Timestamp)
	for i := range f.Objects {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBey(nil, &f.Objects[i]))
	}
	for i := range f.Collisions {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHit(nil, &f.Collisions[i]))
	}
	if f.Display != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, appendDisplay(nil, f.Display))
	}
	return b
}

func appendBey(b []byte, o *TrackedObject) []byte {
	b = appendInt(b, 1, int64(o.ID))
	b = appendDouble(b, 2, o.PosX)
	b = appendDouble(b, 3, o.PosY)
	b = appendDouble(b, 4, o.VelocityX)
	b = appendDouble(b, 5, o.VelocityY)
	b = appendDouble(b, 6, o.RawVelocityX)
	b = appendDouble(b, 7, o.RawVelocityY)
	b = appendDouble(b, 8, o.AccelerationX)
	b = appendDouble(b, 9, o.AccelerationY)
	b = appendInt(b, 10, int64(o.Width))
	b = appendInt(b, 11, int64(o.Height))
	b = appendInt(b, 12, o.Frame)
	return b
}

func appendHit(b []byte, c *Collision) []byte {
	b = appendDouble(b, 1, c.PosX)
	b = appendDouble(b, 2, c.PosY)
	b = appendInt(b, 3, int64(c.Width))
	b = appendInt(b, 4, int64(c.Height))
	b = appendInt(b, 5, int64(c.ObjectID1))
	b = appendInt(b, 6, int64(c.ObjectID2))
	b = appendBool(b, 7, c.IsNew)
	return b
}

func appendDisplay(b []byte, d *DisplayConfig) []byte {
	b = appendInt(b, 1, int64(d.Width))
	b = appendInt(b, 2, int64(d.Height))
	b = appendInt(b, 3, int64(d.DisplayIndex))
	b = appendBool(b, 4, d.Fullscreen)
	b = appendInt(b, 5, int64(d.RefreshRate))
	return b
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// int32 and int64 share the same varint encoding; negatives take ten bytes.
func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	return appendUint(b, num, protowire.EncodeBool(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, bits)
}

// walkFields calls fn for each field in b. Scalar values arrive in v;
// length-delimited values arrive in raw. Unknown wire types are skipped.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return decodeErr("proto tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v32 uint32
			v32, n = protowire.ConsumeFixed32(b)
			v = uint64(v32)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return decodeErr("proto field %d: %v", num, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return decodeErr("proto field %d: %v", num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

// expect returns a decode error when a known field carries the wrong wire type.
func expect(msg string, num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return decodeErr("proto %s field %d: wire type %d, want %d", msg, num, got, want)
	}
	return nil
}

func consumeFrame(b []byte) (*Frame, error) {
	f := &Frame{Objects: []TrackedObject{}, Collisions: []Collision{}}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case 1:
			if err := expect("frame", num, typ, protowire.VarintType); err != nil {
				return err
			}
			f.FrameID = v
		case 2:
			if err := expect("frame", num, typ, protowire.Fixed64Type); err != nil {
				return err
			}
			f.Timestamp = math.Float64frombits(v)
		case 3:
			if err := expect("frame", num, typ, protowire.BytesType); err != nil {
				return err
			}
			o, err := consumeBey(raw)
			if err != nil {
				return err
			}
			f.Objects = append(f.Objects, o)
		case 4:
			if err := expect("frame", num, typ, protowire.BytesType); err != nil {
				return err
			}
			c, err := consumeHit(raw)
			if err != nil {
				return err
			}
			f.Collisions = append(f.Collisions, c)
		case 5:
			if err := expect("frame", num, typ, protowire.BytesType); err != nil {
				return err
			}
			d, err := consumeDisplay(raw)
			if err != nil {
				return err
			}
			f.Display = &d
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

func consumeBey(b []byte) (TrackedObject, error) {
	var o TrackedObject
	doubles := map[protowire.Number]*float64{
		2: &o.PosX, 3: &o.PosY,
		4: &o.VelocityX, 5: &o.VelocityY,
		6: &o.RawVelocityX, 7: &o.RawVelocityY,
		8: &o.AccelerationX, 9: &o.AccelerationY,
	}
	ints := map[protowire.Number]*int32{1: &o.ID, 10: &o.Width, 11: &o.Height}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if p, ok := doubles[num]; ok {
			if err := expect("bey", num, typ, protowire.Fixed64Type); err != nil {
				return err
			}
			*p = math.Float64frombits(v)
			return nil
		}
		if p, ok := ints[num]; ok {
			if err := expect("bey", num, typ, protowire.VarintType); err != nil {
				return err
			}
			*p = int32(v)
			return nil
		}
		if num == 12 {
			if err := expect("bey", num, typ, protowire.VarintType); err != nil {
				return err
			}
			o.Frame = int64(v)
		}
		return nil
	})
	return o, err
}

func consumeHit(b []byte) (Collision, error) {
	var c Collision
	doubles := map[protowire.Number]*float64{1: &c.PosX, 2: &c.PosY}
	ints := map[protowire.Number]*int32{3: &c.Width, 4: &c.Height, 5: &c.ObjectID1, 6: &c.ObjectID2}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if p, ok := doubles[num]; ok {
			if err := expect("hit", num, typ, protowire.Fixed64Type); err != nil {
				return err
			}
			*p = math.Float64frombits(v)
			return nil
		}
		if p, ok := ints[num]; ok {
			if err := expect("hit", num, typ, protowire.VarintType); err != nil {
				return err
			}
			*p = int32(v)
			return nil
		}
		if num == 7 {
			if err := expect("hit", num, typ, protowire.VarintType); err != nil {
				return err
			}
			c.IsNew = protowire.DecodeBool(v)
		}
		return nil
	})
	return c, err
}

func consumeDisplay(b []byte) (DisplayConfig, error) {
	var d DisplayConfig
	ints := map[protowire.Number]*int32{1: &d.Width, 2: &d.Height, 3: &d.DisplayIndex, 5: &d.RefreshRate}
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, v uint64, _ []byte) error {
		if p, ok := ints[num]; ok {
			if err := expect("display", num, typ, protowire.VarintType); err != nil {
				return err
			}
			*p = int32(v)
			return nil
		}
		if num == 4 {
			if err := expect("display", num, typ, protowire.VarintType); err != nil {
				return err
			}
			d.Fullscreen = protowire.DecodeBool(v)
		}
		return nil
	})
	return d, err
}
