package dimse

import (
	"context"
	"fmt"
)

// CStore transmits one composite object. dataset must be the bare
// transfer-syntax-encoded dataset (no Part-10 header).
func (a *Association) CStore(ctx context.Context, sopClassUID, sopInstanceUID string, dataset []byte) error {
	if len(dataset) == 0 {
		return fmt.Errorf("dataset is empty")
	}
	if err := a.Connect(ctx); err != nil {
		return err
	}

	contextID, err := a.contextFor(sopClassUID)
	if err != nil {
		return err
	}

	command := buildCommand(commandFields{
		CommandField:           0x0001, // C-STORE-RQ
		MessageID:              a.messageID(),
		Priority:               0x0000,
		DataSetType:            0x0000,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	})
	if err := a.writePDataTF(contextID, true, true, command); err != nil {
		return fmt.Errorf("failed to send C-STORE command: %w", err)
	}

	// Fragment the dataset below the max PDU length this association
	// proposed, leaving room for the PDV header. The peer's own limit from
	// the A-ASSOCIATE-AC is not read.
	chunk := int(a.maxPDULength) - 6
	if chunk < 1024 {
		chunk = 1024
	}
	for offset := 0; offset < len(dataset); offset += chunk {
		end := offset + chunk
		last := false
		if end >= len(dataset) {
			end = len(dataset)
			last = true
		}
		if err := a.writePDataTF(contextID, false, last, dataset[offset:end]); err != nil {
			return fmt.Errorf("failed to send C-STORE dataset: %w", err)
		}
	}

	status, err := a.readResponseStatus()
	if err != nil {
		return fmt.Errorf("failed to read C-STORE response: %w", err)
	}
	if status != 0x0000 {
		return fmt.Errorf("C-STORE returned status 0x%04x", status)
	}
	a.UpdateLastUsed()
	return nil
}
