package dimse

import (
	"context"
	"encoding/binary"
	"fmt"
)

// CEcho verifies connectivity with the remote AE.
func (a *Association) CEcho(ctx context.Context) error {
	if err := a.Connect(ctx); err != nil {
		return err
	}

	contextID, err := a.contextFor(verificationSOPClass)
	if err != nil {
		return err
	}

	command := buildCommand(commandFields{
		CommandField:        0x0030, // C-ECHO-RQ
		MessageID:           a.messageID(),
		AffectedSOPClassUID: verificationSOPClass,
		DataSetType:         0x0101,
	})
	if err := a.writePDataTF(contextID, true, true, command); err != nil {
		return fmt.Errorf("failed to send C-ECHO: %w", err)
	}

	status, err := a.readResponseStatus()
	if err != nil {
		return fmt.Errorf("failed to read C-ECHO response: %w", err)
	}
	if status != 0x0000 {
		return fmt.Errorf("C-ECHO returned status 0x%04x", status)
	}
	a.UpdateLastUsed()
	return nil
}

// commandFields carries the elements of an outbound command set.
type commandFields struct {
	CommandField           uint16
	MessageID              uint16
	Priority               uint16
	DataSetType            uint16
	AffectedSOPClassUID    string
	AffectedSOPInstanceUID string
}

// buildCommand encodes an implicit-VR command set with a leading group
// length element.
func buildCommand(f commandFields) []byte {
	var elements []byte

	appendUID := func(element uint16, uid string) {
		if uid == "" {
			return
		}
		uid = padUID(uid)
		elements = append(elements, 0x00, 0x00, byte(element), byte(element>>8))
		lenBytes := make([]byte, 4)
		binary.LittleEndian.PutUint32(lenBytes, uint32(len(uid)))
		elements = append(elements, lenBytes...)
		elements = append(elements, []byte(uid)...)
	}
	appendUS := func(element uint16, value uint16) {
		elements = append(elements, 0x00, 0x00, byte(element), byte(element>>8))
		elements = append(elements, 0x02, 0x00, 0x00, 0x00)
		valueBytes := make([]byte, 2)
		binary.LittleEndian.PutUint16(valueBytes, value)
		elements = append(elements, valueBytes...)
	}

	appendUID(0x0002, f.AffectedSOPClassUID)
	appendUS(0x0100, f.CommandField)
	appendUS(0x0110, f.MessageID)
	if f.CommandField == 0x0001 { // C-STORE-RQ carries priority
		appendUS(0x0700, f.Priority)
	}
	appendUS(0x0800, f.DataSetType)
	appendUID(0x1000, f.AffectedSOPInstanceUID)

	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(len(elements)))
	out := []byte{0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00}
	out = append(out, groupLen...)
	return append(out, elements...)
}
