package dimse

import (
	"fmt"
	"log/slog"

	"github.com/caio-sobreiro/dicomnet/types"
)

// parseDIMSECommand parses a DIMSE command set, always Implicit VR Little
// Endian regardless of the presentation context's negotiated transfer
// syntax (DICOM PS3.7 §6.3.1).
func parseDIMSECommand(data []byte) (*types.Message, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("DIMSE data too short: %d bytes", len(data))
	}

	slog.Debug("Parsing DIMSE command data", "size_bytes", len(data))

	msg, err := DecodeCommandSet(data)
	if err != nil {
		return nil, err
	}

	slog.Debug("Parsed DIMSE command",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID)
	return msg, nil
}

// createDIMSECommand creates a DIMSE command set as bytes.
func createDIMSECommand(msg *types.Message) []byte {
	data, err := EncodeCommandSet(msg)
	if err != nil {
		slog.Error("failed to encode DIMSE command set", "error", err)
		return nil
	}
	return data
}
