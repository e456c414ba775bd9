package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type wireCommand struct {
	CommandType *int           `json:"command_type"`
	Parameters  map[string]any `json:"parameters"`
	Timestamp   *float64       `json:"timestamp"`
}

// EncodeCommand serializes c as the CBOR map read from the command region.
func EncodeCommand(c *Command) ([]byte, error) {
	if !c.Kind.Valid() {
		return nil, fmt.Errorf("encode command: unknown kind %d", int(c.Kind))
	}
	params, err := normalizeParams(c.Params)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	kind, ts := int(c.Kind), c.Timestamp
	return cborEnc.Marshal(wireCommand{CommandType: &kind, Parameters: params, Timestamp: &ts})
}

// DecodeCommand parses a command map. Unknown kinds and parameter values
// outside string/int64/float64/bool are rejected.
func DecodeCommand(b []byte) (*Command, error) {
	var w wireCommand
	if err := cborDec.Unmarshal(b, &w); err != nil {
		return nil, decodeErr("command: %v", err)
	}
	if w.CommandType == nil {
		return nil, decodeErr("command: missing command_type")
	}
	kind := CommandKind(*w.CommandType)
	if !kind.Valid() {
		return nil, decodeErr("command: unknown command_type %d", *w.CommandType)
	}
	params, err := normalizeParams(w.Parameters)
	if err != nil {
		return nil, decodeErr("command: %v", err)
	}
	c := &Command{Kind: kind, Params: params}
	if w.Timestamp != nil {
		c.Timestamp = *w.Timestamp
	}
	return c, nil
}

// normalizeParams widens integer and float parameters to int64 and float64
// so values compare equal after a round trip through any codec.
func normalizeParams(in map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case string, bool, int64, float64:
			out[k] = x
		case int:
			out[k] = int64(x)
		case int8:
			out[k] = int64(x)
		case int16:
			out[k] = int64(x)
		case int32:
			out[k] = int64(x)
		case uint8:
			out[k] = int64(x)
		case uint16:
			out[k] = int64(x)
		case uint32:
			out[k] = int64(x)
		case uint:
			if uint64(x) > math.MaxInt64 {
				return nil, fmt.Errorf("parameter %q overflows int64", k)
			}
			out[k] = int64(x)
		case uint64:
			if x > math.MaxInt64 {
				return nil, fmt.Errorf("parameter %q overflows int64", k)
			}
			out[k] = int64(x)
		case float32:
			out[k] = float64(x)
		default:
			return nil, fmt.Errorf("parameter %q has unsupported type %T", k, v)
		}
	}
	return out, nil
}

// Line commands arrive on the socket command channel, one per line.
const (
	LineCalibrate     = "calibrate"
	LineThresholdUp   = "threshold_up"
	LineThresholdDown = "threshold_down"
	LineHeartbeat     = "heartbeat"
	LineShutdown      = "shutdown"

	// ResponseCalibrated acknowledges a calibrate request.
	ResponseCalibrated = "calibrated"
)

// ParseLineCommand maps a text command to a Command. Threshold commands
// carry a "direction" parameter of "up" or "down".
func ParseLineCommand(line string) (Command, bool) {
	var (
		kind   CommandKind
		params = map[string]any{}
	)
	switch strings.ToLower(strings.TrimSpace(line)) {
	case LineCalibrate:
		kind = CommandCalibrate
	case LineThresholdUp:
		kind = CommandThresholdAdjust
		params["direction"] = "up"
	case LineThresholdDown:
		kind = CommandThresholdAdjust
		params["direction"] = "down"
	case LineHeartbeat:
		kind = CommandHeartbeat
	case LineShutdown:
		kind = CommandShutdown
	default:
		return Command{}, false
	}
	return Command{Kind: kind, Params: params}, true
}

// ThresholdResponse formats the reply to a threshold command.
func ThresholdResponse(value int) string {
	return "threshold:" + strconv.Itoa(value)
}
