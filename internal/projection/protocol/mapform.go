package protocol

// The map form is shared by the CBOR and JSON strategies. Field tags are
// read by both encoding/json and fxamacker/cbor. The wire structs mirror
// the model types field for field so they convert directly.

type wireBey struct {
	ID            int32   `json:"id"`
	PosX          float64 `json:"pos_x"`
	PosY          float64 `json:"pos_y"`
	VelocityX     float64 `json:"velocity_x"`
	VelocityY     float64 `json:"velocity_y"`
	RawVelocityX  float64 `json:"raw_velocity_x"`
	RawVelocityY  float64 `json:"raw_velocity_y"`
	AccelerationX float64 `json:"acceleration_x"`
	AccelerationY float64 `json:"acceleration_y"`
	Width         int32   `json:"width"`
	Height        int32   `json:"height"`
	Frame         int64   `json:"frame"`
}

type wireHit struct {
	PosX      float64 `json:"pos_x"`
	PosY      float64 `json:"pos_y"`
	Width     int32   `json:"width"`
	Height    int32   `json:"height"`
	ObjectID1 int32   `json:"bey_id_1"`
	ObjectID2 int32   `json:"bey_id_2"`
	IsNew     bool    `json:"is_new_hit"`
}

type wireDisplay struct {
	Width        int32 `json:"width"`
	Height       int32 `json:"height"`
	DisplayIndex int32 `json:"display_index"`
	Fullscreen   bool  `json:"fullscreen"`
	RefreshRate  int32 `json:"refresh_rate"`
}

// Top-level keys are pointers so a missing key can be told apart from a
// zero value.
type wireFrame struct {
	FrameID          *uint64      `json:"frame_id"`
	Timestamp        *float64     `json:"timestamp"`
	Beys             *[]wireBey   `json:"beys"`
	Hits             *[]wireHit   `json:"hits"`
	ProjectionConfig *wireDisplay `json:"projection_config"`
}

type wireBatch struct {
	Type   string       `json:"type"`
	Count  *int         `json:"count"`
	Events *[]wireFrame `json:"events"`
}

const batchType = "batch"

func toWire(f *Frame) wireFrame {
	beys := make([]wireBey, len(f.Objects))
	for i, o := range f.Objects {
		beys[i] = wireBey(o)
	}
	hits := make([]wireHit, len(f.Collisions))
	for i, c := range f.Collisions {
		hits[i] = wireHit(c)
	}
	id, ts := f.FrameID, f.Timestamp
	w := wireFrame{FrameID: &id, Timestamp: &ts, Beys: &beys, Hits: &hits}
	if f.Display != nil {
		d := wireDisplay(*f.Display)
		w.ProjectionConfig = &d
	}
	return w
}

func fromWire(w wireFrame) (*Frame, error) {
	switch {
	case w.FrameID == nil:
		return nil, decodeErr("missing frame_id")
	case w.Timestamp == nil:
		return nil, decodeErr("missing timestamp")
	case w.Beys == nil:
		return nil, decodeErr("missing beys")
	case w.Hits == nil:
		return nil, decodeErr("missing hits")
	}
	f := &Frame{
		FrameID:    *w.FrameID,
		Timestamp:  *w.Timestamp,
		Objects:    make([]TrackedObject, len(*w.Beys)),
		Collisions: make([]Collision, len(*w.Hits)),
	}
	for i, b := range *w.Beys {
		f.Objects[i] = TrackedObject(b)
	}
	for i, h := range *w.Hits {
		f.Collisions[i] = Collision(h)
	}
	if w.ProjectionConfig != nil {
		d := DisplayConfig(*w.ProjectionConfig)
		f.Display = &d
	}
	return f, nil
}

func batchToWire(frames []Frame) wireBatch {
	events := make([]wireFrame, len(frames))
	for i := range frames {
		events[i] = toWire(&frames[i])
	}
	n := len(frames)
	return wireBatch{Type: batchType, Count: &n, Events: &events}
}

func batchFromWire(w wireBatch) ([]Frame, error) {
	if w.Type != batchType {
		return nil, decodeErr("batch type %q", w.Type)
	}
	if w.Count == nil || w.Events == nil {
		return nil, decodeErr("batch missing count or events")
	}
	if *w.Count != len(*w.Events) {
		return nil, decodeErr("batch count %d but %d events", *w.Count, len(*w.Events))
	}
	out := make([]Frame, len(*w.Events))
	for i, e := range *w.Events {
		f, err := fromWire(e)
		if err != nil {
			return nil, err
		}
		out[i] = *f
	}
	return out, nil
}
