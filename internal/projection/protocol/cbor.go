package protocol

import (
	"github.com/fxamacker/cbor/v2"
)

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.EncOptions{ShortestFloat: cbor.ShortestFloatNone}.EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// CBOR encodes frames as a self-describing binary map. It is the default
// for the shared-memory channel.
type CBOR struct{}

func (CBOR) Name() string { return NameCBOR }

func (CBOR) EncodeFrame(f *Frame) ([]byte, error) {
	return cborEnc.Marshal(toWire(f))
}

func (CBOR) DecodeFrame(b []byte) (*Frame, error) {
	var w wireFrame
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return nil, decodeErr("cbor frame: %v", err)
	}
	return fromWire(w)
}

func (CBOR) EncodeBatch(frames []Frame) ([]byte, error) {
	return cborEnc.Marshal(batchToWire(frames))
}

func (CBOR) DecodeBatch(b []byte) ([]Frame, error) {
	var w wireBatch
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return nil, decodeErr("cbor batch: %v", err)
	}
	return batchFromWire(w)
}
