package association

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/caio-sobreiro/dicomnet/acse"
	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/errors"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/services"
	"github.com/caio-sobreiro/dicomnet/transport"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/caio-sobreiro/dicomnet/ulstate"
)

// TestDialConn_CalledAETitleMismatch_Rejected exercises the called-AE-title
// mismatch rejection path: result=1 (rejected-permanent), source=1
// (service-user), reason=7 (called AE title not recognized), per
// acse.Evaluate's RequireCalledAET check.
func TestDialConn_CalledAETitleMismatch_Rejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	policy := acse.Policy{
		CalledAETitle:      "SCP_AE",
		RequireCalledAET:   true,
		SupportsAbstract:   func(uid string) bool { return uid == types.VerificationSOPClass },
		SupportsTransfer:   func(uid string) bool { return uid == "1.2.840.10008.1.2" },
		LocalMaxPDULength:  16384,
		AcceptorSCPDefault: true,
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Accept(serverConn, echoHandler{}, policy, WithAETitle("SCP_AE"))
	}()

	contexts := []acse.ProposedContext{
		{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}
	_, err := dialConn(clientConn, "SCU_AE", "WRONG_AE", contexts, WithAETitle("SCU_AE"))
	if err == nil {
		t.Fatal("dialConn() error = nil, want rejection error")
	}
	assocErr, ok := err.(*errors.AssociationError)
	if !ok {
		t.Fatalf("dialConn() error type = %T, want *errors.AssociationError", err)
	}
	if assocErr.Source != errors.RejectSourceServiceUser {
		t.Errorf("Source = %v, want RejectSourceServiceUser", assocErr.Source)
	}
	if assocErr.Reason != errors.RejectReasonCalledAETitleNotRecognized {
		t.Errorf("Reason = %v, want RejectReasonCalledAETitleNotRecognized", assocErr.Reason)
	}

	<-serverDone
}

// hangingHandler never answers, simulating a peer that stops responding
// mid-DIMSE-exchange so the requestor's read deadline fires.
type hangingHandler struct {
	release chan struct{}
}

func (h hangingHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	<-h.release
	return &types.Message{
		CommandField:              dimse.CEchoRSP,
		MessageIDBeingRespondedTo: msg.MessageID,
		CommandDataSetType:        0x0101,
		Status:                    dimse.StatusSuccess,
	}, nil, nil
}

// TestSendCEcho_DIMSETimeout_AbortsAssociation exercises scenario 3: a DIMSE
// response that never arrives within DIMSETimeout surfaces a timeout error
// and leaves the association aborted (Sta13), per abortOnTimeout.
func TestSendCEcho_DIMSETimeout_AbortsAssociation(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	release := make(chan struct{})
	defer close(release)

	go func() {
		_ = Accept(serverConn, hangingHandler{release: release}, acceptorPolicy(), WithAETitle("SCP_AE"))
	}()

	contexts := []acse.ProposedContext{
		{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}
	assoc, err := dialConn(clientConn, "SCU_AE", "SCP_AE", contexts,
		WithAETitle("SCU_AE"), WithDIMSETimeout(100*time.Millisecond))
	if err != nil {
		t.Fatalf("dialConn() error = %v", err)
	}

	_, err = assoc.SendCEcho()
	if err == nil {
		t.Fatal("SendCEcho() error = nil, want timeout error")
	}
	var timeoutErr *errors.TimeoutError
	if te, ok := err.(*errors.TimeoutError); ok {
		timeoutErr = te
	}
	if timeoutErr == nil || !timeoutErr.Timeout() {
		t.Errorf("SendCEcho() error = %v (%T), want *errors.TimeoutError", err, err)
	}
	if assoc.state != ulstate.Sta13 {
		t.Errorf("state = %v, want Sta13 (awaiting transport close after local abort)", assoc.state)
	}
}

// pdvBody hand-crafts a single-PDV P-DATA-TF body in the wire format
// parsePDataTF expects: a 4-byte big-endian PDV length followed by the
// presentation context ID, the message control header, and the payload.
func pdvBody(contextID byte, isCommand, lastFragment bool, data []byte) []byte {
	ctrl := byte(0x00)
	if isCommand {
		ctrl |= 0x01
	}
	if lastFragment {
		ctrl |= 0x02
	}
	pdv := append([]byte{contextID, ctrl}, data...)
	length := make([]byte, 4)
	binary.BigEndian.PutUint32(length, uint32(len(pdv)))
	return append(length, pdv...)
}

// TestDispatchDataTF_UnrecognizedContextID_Aborts exercises scenario 4: a
// P-DATA-TF referencing a presentation context ID never negotiated aborts
// the association (Evt19, ActionAA8, Sta13) instead of being forwarded to
// the DIMSE layer.
func TestDispatchDataTF_UnrecognizedContextID_Aborts(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	drained := make(chan struct{})
	go func() {
		io.Copy(io.Discard, clientConn)
		close(drained)
	}()

	a := &Association{
		conn:  transport.Wrap(serverConn, slog.Default()),
		cfg:   Config{Logger: slog.Default()},
		role:  ulstate.RoleAcceptor,
		state: ulstate.Sta6,
		presentationTable: presentation.NewTable([]*presentation.Context{
			{ID: 1, AbstractSyntax: types.VerificationSOPClass, TransferSyntax: "1.2.840.10008.1.2", Accepted: true, SCPRole: true},
		}),
	}

	body := pdvBody(99, true, true, []byte{0x00})

	err := a.dispatchDataTF(body)
	if err == nil {
		t.Fatal("dispatchDataTF() error = nil, want error for unrecognized context ID")
	}
	if a.state != ulstate.Sta13 {
		t.Errorf("state = %v, want Sta13 (awaiting transport close after abort)", a.state)
	}

	clientConn.Close()
	<-drained
}

const getStoreSOPClassUID = types.CTImageStorage

// getSCPHandler answers a C-GET-RQ by streaming two C-STORE sub-operations
// back on the same association before the final success response,
// exercising cGetResponder.SendCStore end to end.
type getSCPHandler struct{}

func (getSCPHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCStoreResponse(msg, dimse.StatusSuccess), nil, nil
}

func (getSCPHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	cGetResponder, ok := responder.(interfaces.CGetResponder)
	if !ok {
		return responder.SendResponse(services.NewCGetErrorResponse(msg, dimse.StatusFailure), nil, "")
	}

	instances := []string{"1.2.3.4.1", "1.2.3.4.2"}
	for i, sopInstanceUID := range instances {
		remaining := uint16(len(instances) - i - 1)
		completed := uint16(i)
		if err := responder.SendResponse(services.NewCGetPendingResponse(msg, completed, 0, 0, remaining), nil, ""); err != nil {
			return err
		}
		if err := cGetResponder.SendCStore(getStoreSOPClassUID, sopInstanceUID, []byte{0xde, 0xad}); err != nil {
			return err
		}
	}
	return responder.SendResponse(services.NewCGetSuccessResponse(msg, uint16(len(instances)), 0, 0), nil, "")
}

// getRequestorStoreHandler answers the C-STORE-RQ sub-operations a C-GET
// drives back to the requestor, recording each received SOP instance UID.
type getRequestorStoreHandler struct {
	received []string
}

func (h *getRequestorStoreHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	h.received = append(h.received, msg.AffectedSOPInstanceUID)
	return services.NewCStoreResponse(msg, dimse.StatusSuccess), nil, nil
}

func getPolicy() acse.Policy {
	return acse.Policy{
		CalledAETitle:      "SCP_AE",
		SupportsAbstract:   func(uid string) bool { return uid == getStoreSOPClassUID },
		SupportsTransfer:   func(uid string) bool { return uid == "1.2.840.10008.1.2" },
		LocalMaxPDULength:  16384,
		AcceptorSCPDefault: true,
	}
}

// TestSendCGet_TwoSubStores exercises scenario 5: a C-GET whose SCP streams
// two C-STORE sub-operations back on the same association before the final
// success response, both of which the requestor's store handler must see.
func TestSendCGet_TwoSubStores(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Accept(serverConn, getSCPHandler{}, getPolicy(), WithAETitle("SCP_AE"))
	}()

	contexts := []acse.ProposedContext{
		{ID: 1, AbstractSyntax: getStoreSOPClassUID, TransferSyntaxes: []string{"1.2.840.10008.1.2"}, RequestorSCU: true, RequestorSCP: true},
	}
	assoc, err := dialConn(clientConn, "SCU_AE", "SCP_AE", contexts, WithAETitle("SCU_AE"))
	if err != nil {
		t.Fatalf("dialConn() error = %v", err)
	}

	storeHandler := &getRequestorStoreHandler{}
	responses, err := assoc.SendCGet(&CGetRequest{SOPClassUID: getStoreSOPClassUID, Dataset: dicom.NewDataset()}, storeHandler)
	if err != nil {
		t.Fatalf("SendCGet() error = %v", err)
	}
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3 (2 pending + 1 final)", len(responses))
	}
	final := responses[len(responses)-1]
	if final.Status != dimse.StatusSuccess {
		t.Errorf("final status = 0x%04x, want success", final.Status)
	}
	if len(storeHandler.received) != 2 {
		t.Fatalf("requestor received %d sub-operation stores, want 2", len(storeHandler.received))
	}
	if storeHandler.received[0] != "1.2.3.4.1" || storeHandler.received[1] != "1.2.3.4.2" {
		t.Errorf("received SOP instance UIDs = %v, want [1.2.3.4.1 1.2.3.4.2]", storeHandler.received)
	}

	if err := assoc.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	select {
	case err := <-serverDone:
		if err != nil {
			t.Errorf("Accept() returned error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptor to finish")
	}
}

const moveStatusMoveDestinationUnknown = 0xA801

// moveUnknownDestinationHandler answers a C-MOVE-RQ as an SCP that cannot
// resolve the requested move destination, responding with status 0xA801
// and no sub-operations, per DICOM PS3.7's C-MOVE status reporting.
type moveUnknownDestinationHandler struct{}

func (moveUnknownDestinationHandler) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext) (*types.Message, *dicom.Dataset, error) {
	return services.NewCStoreResponse(msg, dimse.StatusSuccess), nil, nil
}

func (moveUnknownDestinationHandler) HandleDIMSEStreaming(ctx context.Context, msg *types.Message, data []byte, meta interfaces.MessageContext, responder interfaces.ResponseSender) error {
	return responder.SendResponse(services.NewCMoveErrorResponse(msg, moveStatusMoveDestinationUnknown), nil, "")
}

func movePolicy() acse.Policy {
	return acse.Policy{
		CalledAETitle:      "SCP_AE",
		SupportsAbstract:   func(uid string) bool { return uid == studyRootFindSOPClassUID },
		SupportsTransfer:   func(uid string) bool { return uid == "1.2.840.10008.1.2" },
		LocalMaxPDULength:  16384,
		AcceptorSCPDefault: true,
	}
}

// TestSendCMove_UnknownDestination exercises scenario 6: an SCP that cannot
// resolve the move destination answers with status 0xA801 and no
// sub-operations, and SendCMove must surface that status rather than error.
func TestSendCMove_UnknownDestination(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- Accept(serverConn, moveUnknownDestinationHandler{}, movePolicy(), WithAETitle("SCP_AE"))
	}()

	contexts := []acse.ProposedContext{
		{ID: 1, AbstractSyntax: studyRootFindSOPClassUID, TransferSyntaxes: []string{"1.2.840.10008.1.2"}},
	}
	assoc, err := dialConn(clientConn, "SCU_AE", "SCP_AE", contexts, WithAETitle("SCU_AE"))
	if err != nil {
		t.Fatalf("dialConn() error = %v", err)
	}

	responses, err := assoc.SendCMove(&CMoveRequest{
		SOPClassUID:     studyRootFindSOPClassUID,
		MoveDestination: "UNKNOWN_AE",
		Dataset:         dicom.NewDataset(),
	}, nil)
	if err != nil {
		t.Fatalf("SendCMove() error = %v", err)
	}
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].Status != moveStatusMoveDestinationUnknown {
		t.Errorf("status = 0x%04x, want 0xA801", responses[0].Status)
	}

	if err := assoc.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	select {
	case err := <-serverDone:
		if err != nil {
			t.Errorf("Accept() returned error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acceptor to finish")
	}
}
