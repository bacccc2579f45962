package scp

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// PDU type constants (PS3.8)
const (
	pduTypeAssociateRQ = 0x01
	pduTypeAssociateAC = 0x02
	pduTypeAssociateRJ = 0x03
	pduTypePDataTF     = 0x04
	pduTypeReleaseRQ   = 0x05
	pduTypeReleaseRP   = 0x06
	pduTypeAbort       = 0x07
)

// applicationContextUID is the single DICOM application context.
const applicationContextUID = "1.2.840.10008.3.1.1.1"

const (
	implementationClassUID  = "1.2.826.0.1.3680043.2.1396.1"
	implementationVersionNm = "IMAGING_GW_10"
)

// maxPDUSize caps what we advertise and accept.
const maxPDUSize = 1 << 20

// presentation context negotiation results
const (
	presAcceptance           byte = 0x00
	presRejectAbstractSyntax byte = 0x03
	presRejectTransferSyntax byte = 0x04
)

// pdu is one raw protocol data unit.
type pdu struct {
	Type byte
	Data []byte
}

// readPDU reads a complete PDU from the connection.
func readPDU(r io.Reader) (*pdu, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxPDUSize*16 {
		return nil, fmt.Errorf("pdu length %d exceeds limit", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read pdu data: %w", err)
	}
	return &pdu{Type: header[0], Data: data}, nil
}

// writePDU frames and writes one PDU.
func writePDU(w io.Writer, pduType byte, data []byte) error {
	header := make([]byte, 6)
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(data)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// proposedContext is one presentation context from an A-ASSOCIATE-RQ.
type proposedContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
}

// acceptedContext is the negotiation outcome for one context.
type acceptedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// associateRQ is a parsed A-ASSOCIATE-RQ.
type associateRQ struct {
	CalledAETitle  string
	CallingAETitle string
	MaxPDULength   uint32
	Contexts       []proposedContext
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimAETitle(raw []byte) string {
	s := string(raw)
	if idx := strings.IndexByte(s, 0); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// parseAssociateRQ decodes the fixed fields and variable items of an
// A-ASSOCIATE-RQ PDU.
func parseAssociateRQ(data []byte) (*associateRQ, error) {
	if len(data) < 68 {
		return nil, fmt.Errorf("associate request too short: %d bytes", len(data))
	}

	rq := &associateRQ{
		CalledAETitle:  trimAETitle(data[4:20]),
		CallingAETitle: trimAETitle(data[20:36]),
		MaxPDULength:   16384,
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("associate item exceeds pdu length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x20: // Presentation Context
			ctx, err := parseProposedContext(itemData)
			if err != nil {
				return nil, err
			}
			rq.Contexts = append(rq.Contexts, *ctx)
		case 0x50: // User Information
			if maxPDU := parseUserInformation(itemData); maxPDU > 0 {
				rq.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}
	return rq, nil
}

func parseProposedContext(data []byte) (*proposedContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context too short")
	}
	ctx := &proposedContext{ID: data[0]}
	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctx.ID)
		}
		value := data[valueStart:valueEnd]
		switch subType {
		case 0x30:
			ctx.AbstractSyntax = normalizeUID(value)
		case 0x40:
			ctx.TransferSyntaxes = append(ctx.TransferSyntaxes, normalizeUID(value))
		}
		offset = valueEnd
	}
	if ctx.AbstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d missing abstract syntax", ctx.ID)
	}
	return ctx, nil
}

func parseUserInformation(data []byte) uint32 {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(value)))
	buf = append(buf, lenBytes...)
	return append(buf, value...)
}

// buildAssociateAC encodes the A-ASSOCIATE-AC for the negotiated contexts.
// Rejected contexts are included with no transfer-syntax sub-item.
func buildAssociateAC(rq *associateRQ, accepted []acceptedContext) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], fmt.Sprintf("%-16s", truncateAE(rq.CalledAETitle)))
	copy(fixed[20:36], fmt.Sprintf("%-16s", truncateAE(rq.CallingAETitle)))

	var items []byte
	items = appendItem(items, 0x10, []byte(applicationContextUID))

	for _, ctx := range accepted {
		var body []byte
		body = append(body, ctx.ID, ctx.Result, 0x00, 0x00)
		if ctx.Result == presAcceptance {
			body = appendItem(body, 0x40, []byte(ctx.TransferSyntax))
		}
		items = appendItem(items, 0x21, body)
	}

	var userInfo []byte
	maxPDU := make([]byte, 4)
	binary.BigEndian.PutUint32(maxPDU, maxPDUSize)
	userInfo = appendItem(userInfo, 0x51, maxPDU)
	userInfo = appendItem(userInfo, 0x52, []byte(implementationClassUID))
	userInfo = appendItem(userInfo, 0x55, []byte(implementationVersionNm))
	items = appendItem(items, 0x50, userInfo)

	return append(fixed, items...)
}

// RejectReason identifies why an association was refused.
type RejectReason struct {
	// Result: 1 permanent, 2 transient
	Result byte
	// Source: 1 service user, 2 provider (ACSE), 3 provider (presentation)
	Source byte
	Reason byte
	Label  string
}

// Well-known rejection outcomes used by the admission policy.
var (
	RejectCallingAENotRecognized = RejectReason{Result: 1, Source: 1, Reason: 3, Label: "calling-ae-not-recognized"}
	RejectCalledAENotRecognized  = RejectReason{Result: 1, Source: 1, Reason: 7, Label: "called-ae-not-recognized"}
	RejectLocalLimitExceeded     = RejectReason{Result: 2, Source: 3, Reason: 2, Label: "local-limit-exceeded"}
	RejectNoReasonGiven          = RejectReason{Result: 1, Source: 1, Reason: 1, Label: "no-reason-given"}
)

// buildAssociateRJ encodes an A-ASSOCIATE-RJ.
func buildAssociateRJ(reason RejectReason) []byte {
	return []byte{0x00, reason.Result, reason.Source, reason.Reason}
}

// buildAbort encodes an A-ABORT from the service provider.
func buildAbort(reason byte) []byte {
	return []byte{0x00, 0x00, 0x02, reason}
}

func truncateAE(s string) string {
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

// pdv is one presentation data value within a P-DATA-TF.
type pdv struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

// parsePDataTF splits a P-DATA-TF PDU into its PDVs.
func parsePDataTF(data []byte) ([]pdv, error) {
	var pdvs []pdv
	offset := 0
	for offset+6 <= len(data) {
		length := binary.BigEndian.Uint32(data[offset : offset+4])
		if length < 2 || offset+4+int(length) > len(data) {
			return nil, fmt.Errorf("invalid pdv length %d", length)
		}
		header := data[offset+4+1]
		pdvs = append(pdvs, pdv{
			ContextID: data[offset+4],
			IsCommand: header&0x01 != 0,
			IsLast:    header&0x02 != 0,
			Data:      data[offset+6 : offset+4+int(length)],
		})
		offset += 4 + int(length)
	}
	if len(pdvs) == 0 {
		return nil, fmt.Errorf("p-data-tf carries no pdv")
	}
	return pdvs, nil
}

// buildPDataTF frames one fragment as a P-DATA-TF payload.
func buildPDataTF(contextID byte, isCommand, isLast bool, fragment []byte) []byte {
	var header byte
	if isCommand {
		header |= 0x01
	}
	if isLast {
		header |= 0x02
	}
	out := make([]byte, 0, len(fragment)+6)
	lenBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBytes, uint32(len(fragment)+2))
	out = append(out, lenBytes...)
	out = append(out, contextID, header)
	return append(out, fragment...)
}
