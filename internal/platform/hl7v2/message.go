package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message is a flat HL7v2 message: the MSH header fields most callers need
// and the segments in wire order. Placement into a structure tree is done by
// Placer.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ADT^A01" or "ORU^R01^ORU_R01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Segments     []Segment
}

// Segment represents a single HL7v2 segment.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Fields []Field
}

// Field represents a field which can have components and repetitions.
type Field struct {
	Value      string
	Components []string   // Component-separated (^)
	Repeats    [][]string // Repetition-separated (~), each with components
}

// delimiters are the separators declared by MSH-1 and MSH-2.
type delimiters struct {
	field      string
	component  string
	repetition string
}

var defaultDelimiters = delimiters{field: "|", component: "^", repetition: "~"}

// mshDelimiters reads the separators from an MSH line. Missing encoding
// characters fall back to the standard ones.
func mshDelimiters(line string) (delimiters, error) {
	d := defaultDelimiters
	if len(line) < 4 {
		return d, nil
	}
	d.field = line[3:4]
	enc := strings.SplitN(line[4:], d.field, 2)[0]
	if len(enc) > 0 {
		d.component = enc[0:1]
	}
	if len(enc) > 1 {
		d.repetition = enc[1:2]
	}
	if d.field == d.component || d.field == d.repetition || d.component == d.repetition {
		return d, fmt.Errorf("hl7v2: MSH declares conflicting separators %q", line[3:min(len(line), 8)])
	}
	return d, nil
}

// Parse parses raw HL7v2 message bytes into a flat Message. Fields,
// components and repetitions are split on the separators MSH declares.
// It supports \r, \n, and \r\n line endings for segment separation.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := string(raw)
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var segmentLines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	d, err := mshDelimiters(segmentLines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{}
	for _, line := range segmentLines {
		seg, err := parseSegment(line, d)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: failed to parse segment: %w", err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}

	seg := Segment{}

	// MSH-1 is the field separator itself, so MSH fields are stored from
	// MSH-1: Fields[0] = "|", Fields[1] = encoding characters, ...
	if strings.HasPrefix(line, "MSH") {
		seg.Name = "MSH"
		if len(line) < 4 {
			return seg, nil
		}

		seg.Fields = append(seg.Fields, Field{Value: d.field, Components: []string{d.field}})
		for i, part := range strings.Split(line[4:], d.field) {
			if i == 0 {
				// MSH-2 holds the encoding characters themselves
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	parts := strings.SplitN(line, d.field, 2)
	seg.Name = parts[0]
	if len(seg.Name) != 3 {
		return Segment{}, fmt.Errorf("bad segment name %q", seg.Name)
	}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], d.field) {
			seg.Fields = append(seg.Fields, parseField(f, d))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling components and repetitions.
func parseField(raw string, d delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, d.repetition) {
		f.Repeats = append(f.Repeats, strings.Split(rep, d.component))
	}
	f.Components = f.Repeats[0]
	return f
}

// extractMSHFields copies commonly used MSH fields into the Message.
func (m *Message) extractMSHFields() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}

	m.SendingApp = msh.GetField(3)
	m.SendingFac = msh.GetField(4)
	m.ReceivingApp = msh.GetField(5)
	m.ReceivingFac = msh.GetField(6)
	if ts := msh.GetField(7); ts != "" {
		if t, err := parseHL7Timestamp(ts); err == nil {
			m.Timestamp = t
		}
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// parseHL7Timestamp parses an HL7v2 timestamp string (YYYYMMDDHHmmss or YYYYMMDD).
func parseHL7Timestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// GetField returns the value of a field by 1-based index. For MSH, MSH-1 is
// the field separator, so index n maps to Fields[n-1] for every segment.
func (s *Segment) GetField(index int) string {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	return s.Fields[idx].Value
}

// GetComponent returns a component value by 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	idx := fieldIdx - 1
	if idx < 0 || idx >= len(s.Fields) {
		return ""
	}
	field := &s.Fields[idx]

	ci := compIdx - 1
	if ci < 0 || ci >= len(field.Components) {
		return ""
	}
	return field.Components[ci]
}

// Values returns the raw field values of the segment.
func (s *Segment) Values() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Value
	}
	return out
}

// delimiters returns the separators declared by the message's MSH, or the
// standard ones when there is no MSH.
func (m *Message) delimiters() delimiters {
	msh := m.GetSegment("MSH")
	if msh == nil || len(msh.Fields) == 0 {
		return defaultDelimiters
	}
	line := "MSH" + msh.GetField(1) + msh.GetField(2)
	d, err := mshDelimiters(line)
	if err != nil {
		return defaultDelimiters
	}
	return d
}

// typeKey returns MSH-9 with its components joined by "^", the form
// structure names are resolved from.
func (m *Message) typeKey() string {
	if c := m.delimiters().component; c != "^" {
		return strings.ReplaceAll(m.Type, c, "^")
	}
	return m.Type
}

// segmentFromValues rebuilds a Segment from raw field values.
func segmentFromValues(name string, values []string, d delimiters) Segment {
	seg := Segment{Name: name, Fields: make([]Field, len(values))}
	for i, v := range values {
		if name == "MSH" && i < 2 {
			seg.Fields[i] = Field{Value: v, Components: []string{v}}
			continue
		}
		seg.Fields[i] = parseField(v, d)
	}
	return seg
}

// SerializeMessage converts a Message back into raw HL7v2 bytes with \r
// segment separators, using the field separator MSH declares.
func SerializeMessage(msg *Message) []byte {
	sep := msg.delimiters().field
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg, sep))
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment converts a Segment back into its HL7v2 string form.
func serializeSegment(seg Segment, sep string) string {
	if seg.Name == "MSH" {
		// MSH is special: Fields[0] is the field separator itself and
		// Fields[1] the encoding characters, so emit MSH + sep + MSH-2...
		if len(seg.Fields) > 0 && seg.Fields[0].Value != "" {
			sep = seg.Fields[0].Value
		}
		if len(seg.Fields) < 2 {
			return "MSH" + sep
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH" + sep + strings.Join(parts, sep)
	}

	if len(seg.Fields) == 0 {
		return seg.Name
	}
	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + sep + strings.Join(parts, sep)
}
