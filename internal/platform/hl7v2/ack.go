package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/hl7struct/internal/platform/hl7v2/schema"
)

// Acknowledgment codes (MSA-1).
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// HL7 table 0357 codes used in ERR-3.
const (
	ErrCodeSegmentSequence = "100^Segment sequence error^HL70357"
	ErrCodeUnsupportedType = "200^Unsupported message type^HL70357"
	ErrCodeInternal        = "207^Application internal error^HL70357"
)

// AckIssue is reported as one ERR segment of an acknowledgment.
type AckIssue struct {
	Location string // ERR-2, e.g. the segment name
	Code     string // ERR-3
	Message  string // ERR-8
}

// GenerateACK creates an HL7v2 ACK message for the given incoming message.
// ackCode should be AckAccept, AckError or AckReject.
//
// The ACK swaps the sending and receiving application/facility from the
// original message and references the original control ID in MSA-2.
func GenerateACK(incoming *Message, ackCode string, issues ...AckIssue) *Message {
	// "ADT^A01" -> "A01"
	trigger := ""
	if parts := strings.Split(incoming.Type, "^"); len(parts) >= 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := newControlID()
	msgType := "ACK^" + trigger

	ack := &Message{
		Type:         msgType,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := segmentFromValues("MSH", []string{
		"|",
		"^~\\&",
		ack.SendingApp,
		ack.SendingFac,
		ack.ReceivingApp,
		ack.ReceivingFac,
		timestamp,
		"",
		msgType,
		controlID,
		"P",
		incoming.Version,
	}, defaultDelimiters)
	msa := segmentFromValues("MSA", []string{ackCode, incoming.ControlID}, defaultDelimiters)

	ack.Segments = []Segment{msh, msa}
	for _, issue := range issues {
		ack.Segments = append(ack.Segments, segmentFromValues("ERR", []string{
			"", issue.Location, issue.Code, "E", "", "", "", issue.Message,
		}, defaultDelimiters))
	}
	return ack
}

// PlacementACK acknowledges a placed message: AA when every segment found a
// place, AE with one ERR per unplaced segment otherwise.
func PlacementACK(res *PlaceResult) *Message {
	if res.Complete() {
		return GenerateACK(res.Message, AckAccept)
	}
	issues := make([]AckIssue, len(res.Unplaced))
	for i, name := range res.Unplaced {
		issues[i] = AckIssue{
			Location: name,
			Code:     ErrCodeSegmentSequence,
			Message:  fmt.Sprintf("segment %s not allowed in %s", name, res.Structure),
		}
	}
	return GenerateACK(res.Message, AckError, issues...)
}

// RejectACK answers a message that could not be placed at all with AR.
// Message types without a structure are reported as unsupported.
func RejectACK(incoming *Message, err error) *Message {
	code := ErrCodeInternal
	if errors.Is(err, schema.ErrUnknownStructure) {
		code = ErrCodeUnsupportedType
	}
	return GenerateACK(incoming, AckReject, AckIssue{Location: "MSH^1^9", Code: code, Message: err.Error()})
}

// newControlID returns a 20 character message control id.
func newControlID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20]
}
