package protocol

import (
	"encoding/json"
)

// JSON encodes frames as the same map as CBOR, in text form.
type JSON struct{}

func (JSON) Name() string { return NameJSON }

func (JSON) EncodeFrame(f *Frame) ([]byte, error) {
	return json.Marshal(toWire(f))
}

func (JSON) DecodeFrame(b []byte) (*Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, decodeErr("json frame: %v", err)
	}
	return fromWire(w)
}

func (JSON) EncodeBatch(frames []Frame) ([]byte, error) {
	return json.Marshal(batchToWire(frames))
}

func (JSON) DecodeBatch(b []byte) ([]Frame, error) {
	var w wireBatch
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, decodeErr("json batch: %v", err)
	}
	return batchFromWire(w)
}
