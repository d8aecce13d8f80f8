package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/caio-sobreiro/dicomnet/types"
)

// Command element tags, DICOM PS3.7 Annex E.
var (
	tagGroupLength                  = tag.Tag{Group: 0x0000, Element: 0x0000}
	tagAffectedSOPClassUID          = tag.Tag{Group: 0x0000, Element: 0x0002}
	tagRequestedSOPClassUID         = tag.Tag{Group: 0x0000, Element: 0x0003}
	tagCommandField                 = tag.Tag{Group: 0x0000, Element: 0x0100}
	tagMessageID                    = tag.Tag{Group: 0x0000, Element: 0x0110}
	tagMessageIDBeingRespondedTo    = tag.Tag{Group: 0x0000, Element: 0x0120}
	tagMoveDestination              = tag.Tag{Group: 0x0000, Element: 0x0600}
	tagPriority                     = tag.Tag{Group: 0x0000, Element: 0x0700}
	tagCommandDataSetType           = tag.Tag{Group: 0x0000, Element: 0x0800}
	tagStatus                       = tag.Tag{Group: 0x0000, Element: 0x0900}
	tagAffectedSOPInstanceUID       = tag.Tag{Group: 0x0000, Element: 0x1000}
	tagNumberOfRemainingSubOps      = tag.Tag{Group: 0x0000, Element: 0x1020}
	tagNumberOfCompletedSubOps      = tag.Tag{Group: 0x0000, Element: 0x1021}
	tagNumberOfFailedSubOps         = tag.Tag{Group: 0x0000, Element: 0x1022}
	tagNumberOfWarningSubOps        = tag.Tag{Group: 0x0000, Element: 0x1023}
)

// EncodeCommandSet serializes a DIMSE command set to bytes using Implicit VR
// Little Endian, as DICOM PS3.7 §6.3.1 requires regardless of the
// presentation context's negotiated transfer syntax.
//
// The command set is built as a suyashkumar/dicom Dataset so the same
// element-framing code the library uses for full datasets also drives the
// command set, the way giesekow-go-netdicom's CommandAssembler does.
func EncodeCommandSet(msg *types.Message) ([]byte, error) {
	var elements []*dicom.Element

	addStr := func(t tag.Tag, v string) {
		if v == "" {
			return
		}
		e, err := dicom.NewElement(t, []string{v})
		if err == nil {
			elements = append(elements, e)
		}
	}
	addUint16 := func(t tag.Tag, v uint16) {
		e, err := dicom.NewElement(t, []int{int(v)})
		if err == nil {
			elements = append(elements, e)
		}
	}

	addStr(tagAffectedSOPClassUID, msg.AffectedSOPClassUID)
	addStr(tagRequestedSOPClassUID, msg.RequestedSOPClassUID)
	addUint16(tagCommandField, msg.CommandField)
	if msg.MessageID > 0 && msg.MessageIDBeingRespondedTo == 0 {
		addUint16(tagMessageID, msg.MessageID)
	}
	if msg.MessageIDBeingRespondedTo > 0 {
		addUint16(tagMessageIDBeingRespondedTo, msg.MessageIDBeingRespondedTo)
	}
	addStr(tagMoveDestination, msg.MoveDestination)
	if msg.Priority != 0 {
		addUint16(tagPriority, msg.Priority)
	}
	addUint16(tagCommandDataSetType, msg.CommandDataSetType)
	addUint16(tagStatus, msg.Status)
	addStr(tagAffectedSOPInstanceUID, msg.AffectedSOPInstanceUID)
	if msg.NumberOfRemainingSuboperations != nil {
		addUint16(tagNumberOfRemainingSubOps, *msg.NumberOfRemainingSuboperations)
	}
	if msg.NumberOfCompletedSuboperations != nil {
		addUint16(tagNumberOfCompletedSubOps, *msg.NumberOfCompletedSuboperations)
	}
	if msg.NumberOfFailedSuboperations != nil {
		addUint16(tagNumberOfFailedSubOps, *msg.NumberOfFailedSuboperations)
	}
	if msg.NumberOfWarningSuboperations != nil {
		addUint16(tagNumberOfWarningSubOps, *msg.NumberOfWarningSuboperations)
	}

	var buf bytes.Buffer
	writer, err := dicom.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("dimse: create command writer: %w", err)
	}
	// Command sets are always Implicit VR Little Endian (PS3.7 §6.3.1).
	writer.SetTransferSyntax(binary.LittleEndian, true)
	for _, e := range elements {
		if err := writer.WriteElement(e); err != nil {
			return nil, fmt.Errorf("dimse: write command element %s: %w", e.Tag, err)
		}
	}

	body := buf.Bytes()
	groupLen, err := dicom.NewElement(tagGroupLength, []int{len(body)})
	if err != nil {
		return nil, fmt.Errorf("dimse: build group length element: %w", err)
	}
	var header bytes.Buffer
	headerWriter, err := dicom.NewWriter(&header)
	if err != nil {
		return nil, fmt.Errorf("dimse: create header writer: %w", err)
	}
	headerWriter.SetTransferSyntax(binary.LittleEndian, true)
	if err := headerWriter.WriteElement(groupLen); err != nil {
		return nil, fmt.Errorf("dimse: write group length: %w", err)
	}

	out := make([]byte, 0, header.Len()+len(body))
	out = append(out, header.Bytes()...)
	out = append(out, body...)
	return out, nil
}

// DecodeCommandSet parses a DIMSE command set previously produced by
// EncodeCommandSet (or by any conformant peer) back into a Message.
func DecodeCommandSet(data []byte) (*types.Message, error) {
	reader := bytes.NewReader(data)
	dataset, err := dicom.Parse(reader, int64(reader.Len()), nil,
		dicom.SkipPixelData(), dicom.SkipMetadataReadOnNewParserInit())
	if err != nil {
		return nil, fmt.Errorf("dimse: parse command set: %w", err)
	}

	msg := &types.Message{}
	for _, e := range dataset.Elements {
		switch e.Tag {
		case tagAffectedSOPClassUID:
			msg.AffectedSOPClassUID = firstString(e)
		case tagRequestedSOPClassUID:
			msg.RequestedSOPClassUID = firstString(e)
		case tagCommandField:
			msg.CommandField = firstUint16(e)
		case tagMessageID:
			msg.MessageID = firstUint16(e)
		case tagMessageIDBeingRespondedTo:
			msg.MessageIDBeingRespondedTo = firstUint16(e)
		case tagMoveDestination:
			msg.MoveDestination = firstString(e)
		case tagPriority:
			msg.Priority = firstUint16(e)
		case tagCommandDataSetType:
			msg.CommandDataSetType = firstUint16(e)
		case tagStatus:
			msg.Status = firstUint16(e)
		case tagAffectedSOPInstanceUID:
			msg.AffectedSOPInstanceUID = firstString(e)
		case tagNumberOfRemainingSubOps:
			v := firstUint16(e)
			msg.NumberOfRemainingSuboperations = &v
		case tagNumberOfCompletedSubOps:
			v := firstUint16(e)
			msg.NumberOfCompletedSuboperations = &v
		case tagNumberOfFailedSubOps:
			v := firstUint16(e)
			msg.NumberOfFailedSuboperations = &v
		case tagNumberOfWarningSubOps:
			v := firstUint16(e)
			msg.NumberOfWarningSuboperations = &v
		}
	}
	return msg, nil
}

func firstString(e *dicom.Element) string {
	if e == nil || e.Value == nil {
		return ""
	}
	if strs, ok := e.Value.GetValue().([]string); ok && len(strs) > 0 {
		return strs[0]
	}
	return ""
}

func firstUint16(e *dicom.Element) uint16 {
	if e == nil || e.Value == nil {
		return 0
	}
	switch v := e.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return uint16(v[0])
		}
	case []uint16:
		if len(v) > 0 {
			return v[0]
		}
	}
	return 0
}
