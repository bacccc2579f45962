// Package testutil builds minimal DICOM streams for tests.
package testutil

import (
	"bytes"
	"encoding/binary"

	"github.com/otcheredev/imaging-gateway/internal/dicomio"
)

// Identifiers shared by tests.
const (
	SecondaryCaptureSOPClass = "1.2.840.10008.5.1.4.1.1.7"
	CTImageStorageSOPClass   = "1.2.840.10008.5.1.4.1.1.2"
)

// implicitElement encodes one implicit-VR little-endian string element.
func implicitElement(buf *bytes.Buffer, group, element uint16, value string) {
	if len(value)%2 == 1 {
		value += "\x00"
	}
	tag := make([]byte, 4)
	binary.LittleEndian.PutUint16(tag[0:2], group)
	binary.LittleEndian.PutUint16(tag[2:4], element)
	buf.Write(tag)
	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(value)))
	buf.Write(length)
	buf.WriteString(value)
}

// ImplicitDataset builds a bare implicit-VR dataset carrying the UID
// hierarchy of one instance.
func ImplicitDataset(sopClassUID, sopInstanceUID, studyUID, seriesUID string) []byte {
	buf := &bytes.Buffer{}
	implicitElement(buf, 0x0008, 0x0016, sopClassUID)
	implicitElement(buf, 0x0008, 0x0018, sopInstanceUID)
	implicitElement(buf, 0x0010, 0x0010, "DOE^JANE")
	implicitElement(buf, 0x0020, 0x000D, studyUID)
	implicitElement(buf, 0x0020, 0x000E, seriesUID)
	return buf.Bytes()
}

// Part10 wraps an implicit-VR dataset into a complete Part-10 stream.
func Part10(sopClassUID, sopInstanceUID, studyUID, seriesUID string) []byte {
	dataset := ImplicitDataset(sopClassUID, sopInstanceUID, studyUID, seriesUID)
	return dicomio.WrapPart10(sopClassUID, sopInstanceUID, dicomio.ImplicitVRLittleEndian, dataset)
}
