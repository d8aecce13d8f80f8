package association

import (
	"fmt"

	"github.com/caio-sobreiro/dicomnet/dicom"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/types"
)

// CFindRequest describes a C-FIND query, grounded on client.CFindRequest.
type CFindRequest struct {
	SOPClassUID string
	Priority    uint16
	Dataset     *dicom.Dataset
}

// CFindResponse is one C-FIND-RSP: either an intermediate match
// (Status == dimse.StatusPending, Dataset set) or the final terminator
// (Dataset nil).
type CFindResponse struct {
	Status  uint16
	Dataset *dicom.Dataset
}

// SendCFind issues a C-FIND-RQ over the matching SOP class context and
// collects every C-FIND-RSP until the SCP sends a non-pending final status,
// grounded on client.Association.SendCFind.
func (a *Association) SendCFind(req *CFindRequest) ([]*CFindResponse, error) {
	if req == nil || req.Dataset == nil {
		return nil, fmt.Errorf("association: c-find request requires a dataset")
	}

	ctx, err := a.presentationTable.SelectContext(req.SOPClassUID, "", presentation.RoleSCU, nil, false)
	if err != nil {
		return nil, err
	}

	datasetData := req.Dataset.EncodeDataset()

	a.messageIDCounter++
	cmd := &types.Message{
		CommandField:        dimse.CFindRQ,
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

	var responses []*CFindResponse
	for {
		msg, datasetData, _, err := a.readDIMSEMessage()
		if err != nil {
			return responses, err
		}
		if msg.CommandField != dimse.CFindRSP {
			return responses, fmt.Errorf("association: unexpected command 0x%04x, want C-FIND-RSP", msg.CommandField)
		}

		var dataset *dicom.Dataset
		if len(datasetData) > 0 {
			dataset, err = dicom.ParseDataset(datasetData)
			if err != nil {
				return responses, err
			}
		}
		responses = append(responses, &CFindResponse{Status: msg.Status, Dataset: dataset})

		if msg.Status != dimse.StatusPending {
			return responses, nil
		}
	}
}
