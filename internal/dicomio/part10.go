package dicomio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	implementationClassUID  = "1.2.826.0.1.3680043.2.1396.999"
	implementationVersionNm = "IMAGING_GW_10"
)

// WrapPart10 wraps a bare transfer-syntax-encoded dataset (as received over
// C-STORE) into a Part-10 stream: 128-byte preamble, DICM magic and the
// explicit-VR file meta group carrying the negotiated transfer syntax.
func WrapPart10(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) []byte {
	meta := &bytes.Buffer{}
	writeMetaElement(meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeMetaElement(meta, 0x0002, 0x0002, "UI", padUID(sopClassUID))
	writeMetaElement(meta, 0x0002, 0x0003, "UI", padUID(sopInstanceUID))
	writeMetaElement(meta, 0x0002, 0x0010, "UI", padUID(transferSyntaxUID))
	writeMetaElement(meta, 0x0002, 0x0012, "UI", padUID(implementationClassUID))
	writeMetaElement(meta, 0x0002, 0x0013, "SH", padText(implementationVersionNm))

	out := &bytes.Buffer{}
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	// File Meta Information Group Length (0002,0000)
	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(meta.Len()))
	writeMetaElement(out, 0x0002, 0x0000, "UL", groupLen)

	out.Write(meta.Bytes())
	out.Write(dataset)
	return out.Bytes()
}

// writeMetaElement encodes one explicit-VR little-endian element. OB uses the
// 32-bit length form with reserved bytes.
func writeMetaElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	tagBytes := make([]byte, 4)
	binary.LittleEndian.PutUint16(tagBytes[0:2], group)
	binary.LittleEndian.PutUint16(tagBytes[2:4], element)
	buf.Write(tagBytes)
	buf.WriteString(vr)

	switch vr {
	case "OB", "OW", "OF", "SQ", "UN", "UT":
		buf.Write([]byte{0x00, 0x00})
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, uint32(len(value)))
		buf.Write(lenBytes)
	default:
		lenBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(lenBytes, uint16(len(value)))
		buf.Write(lenBytes)
	}
	buf.Write(value)
}

// padUID null-pads a UID to even length per PS3.5.
func padUID(uid string) []byte {
	if len(uid)%2 == 1 {
		return []byte(uid + "\x00")
	}
	return []byte(uid)
}

// padText space-pads a text value to even length.
func padText(s string) []byte {
	if len(s)%2 == 1 {
		return []byte(s + " ")
	}
	return []byte(s)
}

// HasPart10Header reports whether data carries the preamble and DICM magic.
func HasPart10Header(data []byte) bool {
	return len(data) >= 132 && string(data[128:132]) == "DICM"
}

// StripPart10 removes the preamble and file meta group, returning the bare
// dataset and the transfer syntax declared in (0002,0010). DIMSE sends want
// the dataset only.
func StripPart10(data []byte) ([]byte, string, error) {
	if !HasPart10Header(data) {
		return nil, "", fmt.Errorf("not a DICOM Part 10 stream")
	}

	offset := 132
	var transferSyntaxUID string

	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset : offset+2])
		element := binary.LittleEndian.Uint16(data[offset+2 : offset+4])
		if group != 0x0002 {
			break
		}

		vr := string(data[offset+4 : offset+6])
		var length uint32
		var valueOffset int
		switch vr {
		case "OB", "OW", "OF", "SQ", "UN", "UT":
			if offset+12 > len(data) {
				return nil, "", fmt.Errorf("truncated file meta element")
			}
			length = binary.LittleEndian.Uint32(data[offset+8 : offset+12])
			valueOffset = offset + 12
		default:
			length = uint32(binary.LittleEndian.Uint16(data[offset+6 : offset+8]))
			valueOffset = offset + 8
		}
		if valueOffset+int(length) > len(data) {
			return nil, "", fmt.Errorf("file meta element exceeds stream")
		}

		if element == 0x0010 {
			transferSyntaxUID = strings.TrimRight(string(data[valueOffset:valueOffset+int(length)]), "\x00 ")
		}
		offset = valueOffset + int(length)
	}

	if offset >= len(data) {
		return nil, "", fmt.Errorf("no dataset after file meta information")
	}
	return data[offset:], transferSyntaxUID, nil
}
