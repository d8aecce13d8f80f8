package association

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/caio-sobreiro/dicomnet/acse"
	"github.com/caio-sobreiro/dicomnet/pdu"
)

// Item type codes, DICOM PS3.8 table 9-12/9-13/9-18.
const (
	itemApplicationContext     = 0x10
	itemPresentationContextRQ  = 0x20
	itemPresentationContextAC  = 0x21
	itemAbstractSyntax         = 0x30
	itemTransferSyntax         = 0x40
	itemUserInformation        = 0x50
	itemMaxLength              = 0x51
	itemImplementationClassUID = 0x52
	itemImplementationVersion  = 0x55
)

const applicationContextUID = "1.2.840.10008.3.1.1.1"

// implementationClassUID/implementationVersionName identify this
// implementation in the User Information item, grounded on
// pdu.Layer.createAssociateAccept's equivalent constants.
const (
	implementationClassUID    = "1.2.840.10008.1.2.1"
	implementationVersionName = "DICOMNET_ASSOC_1.0"
)

// readRawPDU reads one PDU header+body off r, generalizing
// pdu.Layer.readPDU to operate on any io.Reader rather than a *Layer.
func readRawPDU(r io.Reader) (*pdu.PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading pdu body: %w", err)
	}
	return &pdu.PDU{Type: header[0], Length: length, Data: data}, nil
}

func writeRawPDU(w io.Writer, pduType byte, body []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func padAETitle(title string) []byte {
	buf := make([]byte, 16)
	copy(buf, title)
	for i := len(title); i < 16 && i >= 0; i++ {
		buf[i] = ' '
	}
	return buf
}

func trimPadded(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	length := make([]byte, 2)
	binary.BigEndian.PutUint16(length, uint16(len(value)))
	buf = append(buf, length...)
	return append(buf, value...)
}

func appendUserInformation(buf []byte, maxPDULength uint32) []byte {
	maxLenValue := make([]byte, 4)
	binary.BigEndian.PutUint32(maxLenValue, maxPDULength)

	var userInfo []byte
	userInfo = appendItem(userInfo, itemMaxLength, maxLenValue)
	userInfo = appendItem(userInfo, itemImplementationClassUID, []byte(implementationClassUID))
	userInfo = appendItem(userInfo, itemImplementationVersion, []byte(implementationVersionName))

	return appendItem(buf, itemUserInformation, userInfo)
}

// writeAssociateRQ builds and sends an A-ASSOCIATE-RQ proposing contexts,
// grounded on client.Association.sendAssociateRQ/addPresentationContext
// generalized to an arbitrary context list instead of five hardcoded ones.
func writeAssociateRQ(w io.Writer, callingAE, calledAE string, maxPDULength uint32, contexts []acse.ProposedContext) error {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAETitle(calledAE))
	copy(fixed[20:36], padAETitle(callingAE))

	body := append([]byte{}, fixed...)
	body = appendItem(body, itemApplicationContext, []byte(applicationContextUID))

	for _, ctx := range contexts {
		var pc []byte
		pc = append(pc, ctx.ID, 0x00, 0x00, 0x00)
		pc = appendItem(pc, itemAbstractSyntax, []byte(ctx.AbstractSyntax))
		for _, ts := range ctx.TransferSyntaxes {
			pc = appendItem(pc, itemTransferSyntax, []byte(ts))
		}
		body = appendItem(body, itemPresentationContextRQ, pc)
	}

	body = appendUserInformation(body, maxPDULength)

	return writeRawPDU(w, pdu.TypeAssociateRQ, body)
}

// RequestedAssociation is the parsed form of an incoming A-ASSOCIATE-RQ,
// the acceptor-side counterpart of writeAssociateRQ's input.
type RequestedAssociation struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32
	Contexts       []acse.ProposedContext
}

// parseAssociateRQ is pdu.Layer.parseAssociationRequest generalized to
// return parsed data instead of mutating a *Layer's associationCtx field.
func parseAssociateRQ(data []byte) (*RequestedAssociation, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association request too short: %d bytes", len(data))
	}
	req := &RequestedAssociation{
		CalledAETitle:  trimPadded(data[4:20]),
		CallingAETitle: trimPadded(data[20:36]),
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case itemPresentationContextRQ:
			ctx, err := parseProposedContext(itemData)
			if err != nil {
				return nil, err
			}
			req.Contexts = append(req.Contexts, ctx)
		case itemUserInformation:
			req.MaxPDULength = parseMaxPDULength(itemData)
		}
		offset = valueEnd
	}
	return req, nil
}

func parseProposedContext(data []byte) (acse.ProposedContext, error) {
	if len(data) < 4 {
		return acse.ProposedContext{}, fmt.Errorf("presentation context item too short")
	}
	ctx := acse.ProposedContext{ID: data[0]}
	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return acse.ProposedContext{}, fmt.Errorf("presentation context %d sub-item exceeds length", ctx.ID)
		}
		value := data[valueStart:valueEnd]
		switch subType {
		case itemAbstractSyntax:
			ctx.AbstractSyntax = trimPadded(value)
		case itemTransferSyntax:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, trimPadded(value))
		}
		offset = valueEnd
	}
	return ctx, nil
}

func parseMaxPDULength(data []byte) uint32 {
	offset := 0
	var maxLen uint32
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			break
		}
		if subType == itemMaxLength && subLength == 4 {
			maxLen = binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return maxLen
}

// writeAssociateAC builds and sends an A-ASSOCIATE-AC, grounded on
// pdu.Layer.createAssociateAccept. Unlike the teacher's version, it never
// silently skips rejected contexts: DICOM PS3.8 §9.3.3.3 requires every
// proposed context to get a result item back, and the contexts this
// function receives have already survived acse.Evaluate's policy.
func writeAssociateAC(w io.Writer, callingAE, calledAE string, maxPDULength uint32, resolved []acse.ResolvedContext) error {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], padAETitle(calledAE))
	copy(fixed[20:36], padAETitle(callingAE))

	body := append([]byte{}, fixed...)
	body = appendItem(body, itemApplicationContext, []byte(applicationContextUID))

	for _, ctx := range resolved {
		var pc []byte
		pc = append(pc, ctx.ID, ctx.Result, 0x00, 0x00)
		if ctx.Result == acse.ResultAcceptance {
			pc = appendItem(pc, itemTransferSyntax, []byte(ctx.TransferSyntax))
		}
		body = appendItem(body, itemPresentationContextAC, pc)
	}

	body = appendUserInformation(body, maxPDULength)

	return writeRawPDU(w, pdu.TypeAssociateAC, body)
}

// AcceptedAssociation is the requestor-side parsed form of an incoming
// A-ASSOCIATE-AC.
type AcceptedAssociation struct {
	MaxPDULength uint32
	Contexts     []acse.ResolvedContext
}

func parseAssociateAC(data []byte) (*AcceptedAssociation, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("association accept too short: %d bytes", len(data))
	}
	result := &AcceptedAssociation{}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case itemPresentationContextAC:
			if len(itemData) < 4 {
				return nil, fmt.Errorf("presentation context result too short")
			}
			ctx := acse.ResolvedContext{ID: itemData[0], Result: itemData[1]}
			if ctx.Result == acse.ResultAcceptance {
				subOffset := 4
				for subOffset+4 <= len(itemData) {
					subType := itemData[subOffset]
					subLength := binary.BigEndian.Uint16(itemData[subOffset+2 : subOffset+4])
					subValueStart := subOffset + 4
					subValueEnd := subValueStart + int(subLength)
					if subValueEnd > len(itemData) {
						break
					}
					if subType == itemTransferSyntax {
						ctx.TransferSyntax = trimPadded(itemData[subValueStart:subValueEnd])
					}
					subOffset = subValueEnd
				}
			}
			result.Contexts = append(result.Contexts, ctx)
		case itemUserInformation:
			result.MaxPDULength = parseMaxPDULength(itemData)
		}
		offset = valueEnd
	}
	return result, nil
}

// writeAssociateRJ sends an A-ASSOCIATE-RJ, the rejection path
// pdu.Layer never implements (it only ever accepts).
func writeAssociateRJ(w io.Writer, result, source, reason byte) error {
	body := []byte{0x00, result, source, reason}
	return writeRawPDU(w, pdu.TypeAssociateRJ, body)
}

func parseAssociateRJ(data []byte) (result, source, reason byte, err error) {
	if len(data) < 4 {
		return 0, 0, 0, fmt.Errorf("association reject too short")
	}
	return data[1], data[2], data[3], nil
}

// writeReleaseRQ/writeReleaseRP mirror pdu.Layer.handleReleaseRequest's
// response bytes and client.Association.sendReleaseRQ, generalized to
// either role since both send and receive these in different orders.
func writeReleaseRQ(w io.Writer) error {
	return writeRawPDU(w, pdu.TypeReleaseRQ, make([]byte, 4))
}

func writeReleaseRP(w io.Writer) error {
	return writeRawPDU(w, pdu.TypeReleaseRP, make([]byte, 4))
}

// writeAbort sends an A-ABORT PDU per DICOM PS3.8 §9.3.8.
func writeAbort(w io.Writer, source, reason byte) error {
	body := []byte{0x00, 0x00, source, reason}
	return writeRawPDU(w, pdu.TypeAbort, body)
}

func parseAbort(data []byte) (source, reason byte, err error) {
	if len(data) < 4 {
		return 0, 0, fmt.Errorf("abort PDU too short")
	}
	return data[2], data[3], nil
}

// maxPDVBodyLength is the largest command/dataset fragment that fits a
// single PDV given the peer's negotiated maximum PDU length, mirroring
// pdu.Layer.SendDIMSEResponse's single-PDV assumption but computed
// explicitly so callers can fragment large datasets across many PDVs
// instead of assuming everything fits in one, which is the gap spec.md's
// P-DATA-TF fragmentation requirement calls out.
func maxPDVBodyLength(maxPDULength uint32) int {
	if maxPDULength == 0 {
		return 1 << 20 // unlimited: fragment at a sane 1MiB ceiling anyway
	}
	// PDU header (6) + PDV length field (4) + context ID + control header (2).
	n := int(maxPDULength) - 6 - 4 - 2
	if n < 1 {
		n = 1
	}
	return n
}

// writePDataTF writes data as one or more P-DATA-TF PDUs, splitting into
// PDVs no larger than maxFragment and marking the Message Control Header's
// last-fragment bit (0x02) correctly on the final PDV. isCommand sets bit
// 0x01 (command) vs dataset.
func writePDataTF(w io.Writer, presContextID byte, isCommand bool, data []byte, maxFragment int) error {
	if maxFragment < 1 {
		maxFragment = len(data)
	}
	if len(data) == 0 {
		data = []byte{}
	}
	offset := 0
	for {
		end := offset + maxFragment
		last := false
		if end >= len(data) {
			end = len(data)
			last = true
		}
		chunk := data[offset:end]

		ctrl := byte(0x00)
		if isCommand {
			ctrl |= 0x01
		}
		if last {
			ctrl |= 0x02
		}
		// Message Control Header bit layout, DICOM PS3.8 §9.3.1.1:
		// bit 0 = command(1)/dataset(0), bit 1 = last fragment.
		pdv := append([]byte{presContextID, ctrl}, chunk...)

		pdvLength := make([]byte, 4)
		binary.BigEndian.PutUint32(pdvLength, uint32(len(pdv)))
		body := append(pdvLength, pdv...)

		if err := writeRawPDU(w, pdu.TypePDataTF, body); err != nil {
			return err
		}
		offset = end
		if last {
			break
		}
	}
	return nil
}

// PDV is one decoded Presentation Data Value from a P-DATA-TF PDU.
type PDV struct {
	PresContextID byte
	IsCommand     bool
	LastFragment  bool
	Data          []byte
}

func parsePDataTF(body []byte) ([]PDV, error) {
	var pdvs []PDV
	offset := 0
	for offset+4 <= len(body) {
		pdvLength := binary.BigEndian.Uint32(body[offset : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(pdvLength)
		if valueEnd > len(body) {
			return nil, fmt.Errorf("PDV exceeds P-DATA-TF body length")
		}
		if pdvLength < 2 {
			return nil, fmt.Errorf("PDV too short")
		}
		presContextID := body[valueStart]
		ctrl := body[valueStart+1]
		pdvs = append(pdvs, PDV{
			PresContextID: presContextID,
			IsCommand:     ctrl&0x01 != 0,
			LastFragment:  ctrl&0x02 != 0,
			Data:          body[valueStart+2 : valueEnd],
		})
		offset = valueEnd
	}
	return pdvs, nil
}
