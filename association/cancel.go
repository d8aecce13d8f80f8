package association

import (
	"fmt"

	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/types"
)

// SendCCancel issues a C-CANCEL-RQ over sopClassUID's presentation context,
// asking the SCP to stop sending further responses for the outstanding
// C-FIND/C-GET/C-MOVE identified by messageID. C-CANCEL has no response;
// the cancelled operation's own response stream reports the terminal
// Cancel status (0xFE00), grounded on client.Association.SendCCancel.
func (a *Association) SendCCancel(messageID uint16, sopClassUID string) error {
	if messageID == 0 {
		return fmt.Errorf("association: messageID must be non-zero for C-CANCEL")
	}
	if sopClassUID == "" {
		return fmt.Errorf("association: sopClassUID must be provided for C-CANCEL")
	}

	ctx, err := a.presentationTable.SelectContext(sopClassUID, "", presentation.RoleSCU, nil, false)
	if err != nil {
		return err
	}

	cmd := &types.Message{
		CommandField:              dimse.CCancelRQ,
		MessageIDBeingRespondedTo: messageID,
		CommandDataSetType:        0x0101, // no dataset
	}
	encoded, err := dimse.EncodeCommandSet(cmd)
	if err != nil {
		return err
	}

	return a.SendDIMSEResponse(ctx.ID, encoded)
}
