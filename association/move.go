package association

import (
	"fmt"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/types"
)

// CMoveRequest describes a C-MOVE query targeting moveDestination, an AE
// title the SCP resolves to a retrieve address out of band.
type CMoveRequest struct {
	SOPClassUID     string
	MoveDestination string
	Priority        uint16
	Dataset         *dicom.Dataset
}

// CMoveResponse is one C-MOVE-RSP reporting sub-operation progress or the
// final outcome; Dataset carries the FailedSOPInstanceUIDList element set
// the SCP attaches to a final warning/failure status, when present.
type CMoveResponse struct {
	Status                         uint16
	NumberOfRemainingSuboperations *uint16
	NumberOfCompletedSuboperations *uint16
	NumberOfFailedSuboperations    *uint16
	NumberOfWarningSuboperations   *uint16
	Dataset                        *dicom.Dataset
}

// SendCMove issues a C-MOVE-RQ asking the SCP to retrieve matching
// instances to moveDestination. The ordinary retrieval model delivers the
// C-STORE sub-operations over a separate sub-association the SCP opens to
// the destination AE, so storeHandler is only consulted for the rarer
// same-association case where the SCP streams sub-operations back on this
// connection; pass nil when the destination is a distinct AE.
//
// Grounded on client.Association (which has no C-MOVE support) generalized
// from SendCGet's sub-operation handling, since both operations share the
// same wire shape (C-xRQ with identifier, C-xRSP stream with
// sub-operation counters) per DICOM PS3.7 §9.1.4.
func (a *Association) SendCMove(req *CMoveRequest, storeHandler interfaces.ServiceHandler) ([]*CMoveResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("association: c-move request requires a dataset")
	}
	if req.MoveDestination == "" {
		return nil, fmt.Errorf("association: c-move request requires a move destination AE title")
	}

	ctx, err := a.presentationTable.SelectContext(req.SOPClassUID, "", presentation.RoleSCU, nil, false)
	if err != nil {
		return nil, err
	}

	datasetData := req.Dataset.EncodeDataset()

	a.messageIDCounter++
	cmd := &types.Message{
		CommandField:        dimse.CMoveRQ,
		MessageID:           a.messageIDCounter,
		Priority:            req.Priority,
		AffectedSOPClassUID: req.SOPClassUID,
		MoveDestination:     req.MoveDestination,
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

	var responses []*CMoveResponse
	for {
		msg, datasetData, presContextID, err := a.readDIMSEMessage()
		if err != nil {
			return responses, err
		}

		switch msg.CommandField {
		case dimse.CMoveRSP:
			var dataset *dicom.Dataset
			if len(datasetData) > 0 {
				dataset, err = dicom.ParseDataset(datasetData)
				if err != nil {
					return responses, err
				}
			}
			responses = append(responses, &CMoveResponse{
				Status:                         msg.Status,
				NumberOfRemainingSuboperations: msg.NumberOfRemainingSuboperations,
				NumberOfCompletedSuboperations: msg.NumberOfCompletedSuboperations,
				NumberOfFailedSuboperations:    msg.NumberOfFailedSuboperations,
				NumberOfWarningSuboperations:   msg.NumberOfWarningSuboperations,
				Dataset:                        dataset,
			})
			if msg.Status != dimse.StatusPending {
				return responses, nil
			}
		case dimse.CStoreRQ:
			if storeHandler == nil {
				return responses, fmt.Errorf("association: received same-association C-STORE sub-operation with no store handler configured")
			}
			if err := a.serviceSubOperationStore(presContextID, msg, datasetData, storeHandler); err != nil {
				return responses, err
			}
		default:
			return responses, fmt.Errorf("association: unexpected command 0x%04x during c-move", msg.CommandField)
		}
	}
}
