package protocol

import (
	"strconv"
	"strings"
)

// Compact is the plain-text line form understood by the legacy client:
//
//	<frame_id>, beys:(<id>, <x>, <y>)(<id>, <x>, <y>), hits:(<x>, <y>)
//
// Only ids, positions and newly detected collisions are carried, so a
// decoded frame holds far less than the encoded one.
type Compact struct{}

const (
	compactBatchPrefix = "BATCH:"
	compactSep         = ";"
)

func (Compact) Name() string { return NameCompact }

func (Compact) EncodeFrame(f *Frame) ([]byte, error) {
	return []byte(formatCompact(f, ", ")), nil
}

// EncodeBatch writes "BATCH:<n>;" followed by each frame in the tighter
// unspaced form, each terminated by ';'.
func (Compact) EncodeBatch(frames []Frame) ([]byte, error) {
	var sb strings.Builder
	sb.WriteString(compactBatchPrefix)
	sb.WriteString(strconv.Itoa(len(frames)))
	sb.WriteString(compactSep)
	for i := range frames {
		sb.WriteString(formatCompact(&frames[i], ","))
		sb.WriteString(compactSep)
	}
	return []byte(sb.String()), nil
}

func (Compact) DecodeFrame(b []byte) (*Frame, error) {
	return parseCompact(string(b))
}

func (Compact) DecodeBatch(b []byte) ([]Frame, error) {
	s := string(b)
	if !strings.HasPrefix(s, compactBatchPrefix) {
		return nil, decodeErr("compact batch: missing %q prefix", compactBatchPrefix)
	}
	parts := strings.Split(strings.TrimPrefix(s, compactBatchPrefix), compactSep)
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 0 {
		return nil, decodeErr("compact batch: bad count %q", parts[0])
	}
	body := parts[1:]
	// A well-formed batch ends with the separator, leaving one empty tail.
	if len(body) == 0 || body[len(body)-1] != "" {
		return nil, decodeErr("compact batch: unterminated")
	}
	body = body[:len(body)-1]
	if len(body) != n {
		return nil, decodeErr("compact batch: count %d but %d events", n, len(body))
	}
	out := make([]Frame, 0, n)
	for _, p := range body {
		f, err := parseCompact(p)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, nil
}

func formatCompact(f *Frame, sep string) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatUint(f.FrameID, 10))
	sb.WriteString(sep)
	sb.WriteString("beys:")
	for _, o := range f.Objects {
		sb.WriteByte('(')
		sb.WriteString(strconv.FormatInt(int64(o.ID), 10))
		sb.WriteString(sep)
		sb.WriteString(formatCoord(o.PosX))
		sb.WriteString(sep)
		sb.WriteString(formatCoord(o.PosY))
		sb.WriteByte(')')
	}
	sb.WriteString(sep)
	sb.WriteString("hits:")
	for _, c := range f.Collisions {
		if !c.IsNew {
			continue
		}
		sb.WriteByte('(')
		sb.WriteString(formatCoord(c.PosX))
		sb.WriteString(sep)
		sb.WriteString(formatCoord(c.PosY))
		sb.WriteByte(')')
	}
	return sb.String()
}

// formatCoord prints whole pixel positions without a decimal point.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseCompact(s string) (*Frame, error) {
	bi := strings.Index(s, "beys:")
	if bi < 0 {
		return nil, decodeErr("compact: missing beys section")
	}
	head := strings.TrimSuffix(strings.TrimSpace(s[:bi]), ",")
	id, err := strconv.ParseUint(strings.TrimSpace(head), 10, 64)
	if err != nil {
		return nil, decodeErr("compact: frame id %q", head)
	}
	rest := s[bi+len("beys:"):]
	hi := strings.LastIndex(rest, "hits:")
	if hi < 0 {
		return nil, decodeErr("compact: missing hits section")
	}
	beyPart := strings.TrimSuffix(strings.TrimSpace(rest[:hi]), ",")
	hitPart := strings.TrimSpace(rest[hi+len("hits:"):])

	f := &Frame{FrameID: id, Objects: []TrackedObject{}, Collisions: []Collision{}}
	beys, err := parseGroups(beyPart, 3)
	if err != nil {
		return nil, err
	}
	for _, g := range beys {
		oid, err := strconv.ParseInt(g[0], 10, 32)
		if err != nil {
			return nil, decodeErr("compact: bey id %q", g[0])
		}
		x, y, err := parseXY(g[1], g[2])
		if err != nil {
			return nil, err
		}
		f.Objects = append(f.Objects, TrackedObject{ID: int32(oid), PosX: x, PosY: y})
	}
	hits, err := parseGroups(hitPart, 2)
	if err != nil {
		return nil, err
	}
	for _, g := range hits {
		x, y, err := parseXY(g[0], g[1])
		if err != nil {
			return nil, err
		}
		f.Collisions = append(f.Collisions, Collision{PosX: x, PosY: y, IsNew: true})
	}
	return f, nil
}

// parseGroups splits "(a, b)(c, d)" into [[a b] [c d]], requiring every
// group to hold exactly width fields.
func parseGroups(s string, width int) ([][]string, error) {
	var out [][]string
	for s != "" {
		if s[0] != '(' {
			return nil, decodeErr("compact: expected '(' in %q", s)
		}
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, decodeErr("compact: unclosed group in %q", s)
		}
		fields := strings.Split(s[1:end], ",")
		if len(fields) != width {
			return nil, decodeErr("compact: group %q has %d fields, want %d", s[:end+1], len(fields), width)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}
		out = append(out, fields)
		s = strings.TrimSpace(s[end+1:])
	}
	return out, nil
}

func parseXY(xs, ys string) (float64, float64, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return 0, 0, decodeErr("compact: x %q", xs)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return 0, 0, decodeErr("compact: y %q", ys)
	}
	return x, y, nil
}
