package association

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/types"
)

// CGetRequest describes a C-GET query. Matching instances arrive back as
// C-STORE-RQ sub-operations on this same association.
type CGetRequest struct {
	SOPClassUID string
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CGetResponse is one C-GET-RSP reporting sub-operation progress or the
// final outcome.
type CGetResponse struct {
	Status                         uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
}

// SendCGet issues a C-GET-RQ and services every C-STORE-RQ sub-operation
// the peer sends back on this association until the final C-GET-RSP
// arrives, per the same-association retrieval model in DICOM PS3.7
// §9.1.3. storeHandler receives each retrieved instance exactly as an
// acceptor's ServiceHandler would for an ordinary C-STORE.
//
// Grounded on client.Association.SendCGet and dimse.Service's C-STORE
// dispatch, folded into the requestor path since the sub-operations ride
// the same connection as the outer C-GET-RQ.
func (a *Association) SendCGet(req *CGetRequest, storeHandler interfaces.ServiceHandler) ([]*CGetResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("association: c-get request requires a dataset")
	}
	if storeHandler == nil {
		return nil, fmt.Errorf("association: c-get requires a store handler for sub-operations")
	}

	ctx, err := a.presentationTable.SelectContext(req.SOPClassUID, "", presentation.RoleSCU, nil, false)
	if err != nil {
		return nil, err
	}

	datasetData := req.Dataset.EncodeDataset()

	a.messageIDCounter++
	cmd := &types.Message{
		CommandField:        dimse.CGetRQ,
		MessageID:           a.messageIDCounter,
		Priority:            req.Priority,
		AffectedSOPClassUID: req.SOPClassUID,
		CommandDataSetType:  datasetTypeFor(datasetData),
	}
	encoded, err := dimse.EncodeCommandSet(cmd)
	if err != nil {
		return nil, err
	}

	if err := a.conn.SetDeadlines(a.cfg.DIMSETimeout, a.cfg.DIMSETimeout); err != nil {
		return nil, err
	}
	if err := a.sendCommandAndDataset(ctx.ID, encoded, datasetData); err != nil {
		return nil, err
	}

	var responses []*CGetResponse
	for {
		msg, datasetData, presContextID, err := a.readDIMSEMessage()
		if err != nil {
			return responses, err
		}

		switch msg.CommandField {
		case dimse.CGetRSP:
			responses = append(responses, &CGetResponse{
				Status:                         msg.Status,
				NumberOfRemainingSuboperations: msg.NumberOfRemainingSuboperations,
				NumberOfCompletedSuboperations: msg.NumberOfCompletedSuboperations,
				NumberOfFailedSuboperations:    msg.NumberOfFailedSuboperations,
				NumberOfWarningSuboperations:   msg.NumberOfWarningSuboperations,
			})
			if msg.Status != dimse.StatusPending {
				return responses, nil
			}
		case dimse.CStoreRQ:
			if err := a.serviceSubOperationStore(presContextID, msg, datasetData, storeHandler); err != nil {
				return responses, err
			}
		default:
			return responses, fmt.Errorf("association: unexpected command 0x%04x during c-get", msg.CommandField)
		}
	}
}

// serviceSubOperationStore answers one C-STORE-RQ sub-operation delivered
// on a C-GET/C-MOVE association, grounded on pdu.Layer's acceptor-side
// C-STORE handling. Run inline on the requestor's read loop rather than
// through dimse.Service, since this sub-operation's command — not the
// outer C-GET-RQ/C-MOVE-RQ — owns the exchange on this context.
func (a *Association) serviceSubOperationStore(presContextID byte, msg *types.Message, datasetData []byte, handler interfaces.ServiceHandler) error {
	respond := func(status uint16) error {
		resp := &types.Message{
			CommandField:              dimse.CStoreRSP,
			MessageIDBeingRespondedTo: msg.MessageID,
			AffectedSOPClassUID:       msg.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    msg.AffectedSOPInstanceUID,
			CommandDataSetType:        0x0101, // no dataset
			Status:                    status,
		}
		encoded, err := dimse.EncodeCommandSet(resp)
		if err != nil {
			return err
		}
		return a.SendDIMSEResponse(presContextID, encoded)
	}

	// spec: an incoming C-STORE on a context not accepted in the reverse
	// (SCP) role yields 0x0122, SOP class not supported.
	ctx, ok := a.presentationTable.Lookup(presContextID)
	if !ok || !ctx.Accepted || !ctx.SCPRole {
		return respond(statusSOPClassNotSupported)
	}

	var dataset *dicom.Dataset
	if len(datasetData) > 0 {
		var err error
		dataset, err = dicom.ParseDataset(datasetData)
		if err != nil {
			return err
		}
	}

	meta := interfaces.MessageContext{
		PresentationContextID: presContextID,
		TransferSyntaxUID:     ctx.TransferSyntax,
		Dataset:               dataset,
	}

	resp, _, err := handler.HandleDIMSE(context.Background(), msg, datasetData, meta)
	if err != nil {
		return respond(statusHandlerException)
	}
	if resp == nil {
		return respond(statusHandlerNoStatus)
	}
	resp.CommandField = dimse.CStoreRSP
	resp.MessageIDBeingRespondedTo = msg.MessageID
	resp.AffectedSOPClassUID = msg.AffectedSOPClassUID
	resp.AffectedSOPInstanceUID = msg.AffectedSOPInstanceUID
	resp.CommandDataSetType = 0x0101 // no dataset

	encoded, err := dimse.EncodeCommandSet(resp)
	if err != nil {
		return err
	}
	return a.SendDIMSEResponse(presContextID, encoded)
}

// Sub-operation status codes for the requestor-as-SCP path, per DICOM
// PS3.7's C-STORE status reporting during C-GET/same-association C-MOVE.
const (
	statusSOPClassNotSupported = 0x0122
	statusHandlerException     = 0xC211
	statusHandlerNoStatus      = 0xC002
)
