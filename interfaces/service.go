// Package interfaces contains all service and handler interfaces
package interfaces

import (
	"context"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/types"
)

// MessageContext carries the presentation-context metadata a handler needs to
// interpret a DIMSE message's dataset bytes: which context it arrived on,
// which transfer syntax was negotiated for that context, and the dataset
// already decoded against it (nil when the message carries no dataset).
type MessageContext struct {
	PresentationContextID byte
	TransferSyntaxUID     string
	Dataset               *dicom.Dataset
}

// ServiceHandler handles a single-response DIMSE operation (C-ECHO, C-STORE).
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext) (*types.Message, *dicom.Dataset, error)
}

// StreamingServiceHandler handles a multi-response DIMSE operation
// (C-FIND, C-GET, C-MOVE), emitting zero or more intermediate responses
// through responder before returning.
type StreamingServiceHandler interface {
	HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender sends one intermediate or final response for a streaming
// operation. transferSyntaxUID may be empty, in which case the context's
// negotiated transfer syntax is used.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset *dicom.Dataset, transferSyntaxUID string) error
}

// CGetResponder extends ResponseSender with the ability to issue C-STORE
// sub-operations on the same association, as C-GET requires.
type CGetResponder interface {
	ResponseSender
	// SendCStore sends a C-STORE sub-operation on the same association.
	SendCStore(sopClassUID, sopInstanceUID string, data []byte) error
}

// DIMSEHandler lets the PDU layer hand fragment data up to the DIMSE layer.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, pduLayer PDULayer) error
}

// PDULayer lets the DIMSE layer send responses and query negotiated state
// back down through the PDU layer.
type PDULayer interface {
	SendDIMSEResponse(presContextID byte, commandData []byte) error
	SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, dataset []byte) error
	GetTransferSyntax(presContextID byte) (string, error)
}
