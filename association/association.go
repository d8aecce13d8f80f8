// Package association implements the Association Reactor: the single
// goroutine per connection that drives the Upper Layer state machine,
// negotiates presentation contexts, and exposes the DIMSE service
// primitives on top of an established association.
//
// Grounded on server.Server.handleConnection (one goroutine per accepted
// connection, blocking reads/writes in sequence) and client.Connect
// (requestor-side dial-then-negotiate flow), generalized so both roles
// share one type instead of two independent hand-rolled ones.
package association

import (
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/caio-sobreiro/dicomnet/acse"
	"github.com/caio-sobreiro/dicomnet/dimse"
	"github.com/caio-sobreiro/dicomnet/errors"
	"github.com/caio-sobreiro/dicomnet/interfaces"
	"github.com/caio-sobreiro/dicomnet/presentation"
	"github.com/caio-sobreiro/dicomnet/transport"
	"github.com/caio-sobreiro/dicomnet/types"
	"github.com/caio-sobreiro/dicomnet/ulstate"
)

// Association is an established (or establishing) DICOM Upper Layer
// association, acting as either requestor or acceptor.
type Association struct {
	conn              *transport.Conn
	cfg               Config
	role              ulstate.Role
	state             ulstate.State
	local             string
	peer              string
	presentationTable *presentation.Table
	peerMaxPDULength  uint32
	dimseService      *dimse.Service
	messageIDCounter  uint16
}

// step feeds event through ulstate.Step and records the resulting state,
// logging the transition the way the teacher logs PDU handling.
func (a *Association) step(event ulstate.Event, accepted bool) ([]ulstate.Action, error) {
	next, actions, err := ulstate.Step(a.state, event, ulstate.Context{Role: a.role, Accepted: accepted})
	if err != nil {
		return nil, err
	}
	a.cfg.Logger.Debug("upper layer transition",
		"from", a.state, "event", event, "to", next, "actions", actions)
	a.state = next
	return actions, nil
}

// Dial establishes a TCP connection and requests an association as the
// requestor role, grounded on client.Association.Connect.
func Dial(address, localAETitle, calledAETitle string, contexts []acse.ProposedContext, opts ...Option) (*Association, error) {
	cfg, err := resolve(opts)
	if err != nil {
		return nil, err
	}
	cfg.AETitle = localAETitle
	if cfg.Logger == nil {
		cfg.Logger = resolveLogger(cfg)
	}

	netConn, err := net.DialTimeout("tcp", address, cfg.ConnectionTimeout)
	if err != nil {
		return nil, errors.NewNetworkError("dial", err)
	}

	return dialConn(netConn, localAETitle, calledAETitle, contexts, opts...)
}

// dialConn runs the requestor-side negotiation over an already-connected
// net.Conn, factored out of Dial so tests can drive it over net.Pipe
// (which has no real dialer to exercise net.DialTimeout against).
func dialConn(netConn net.Conn, localAETitle, calledAETitle string, contexts []acse.ProposedContext, opts ...Option) (*Association, error) {
	cfg, err := resolve(opts)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	cfg.AETitle = localAETitle
	if cfg.Logger == nil {
		cfg.Logger = resolveLogger(cfg)
	}

	conn := transport.Wrap(netConn, cfg.Logger)

	a := &Association{conn: conn, cfg: cfg, role: ulstate.RoleRequestor, state: ulstate.Sta1, local: localAETitle, peer: calledAETitle}
	if _, err := a.step(ulstate.Evt1, false); err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := a.step(ulstate.Evt2, false); err != nil {
		conn.Close()
		return nil, err
	}

	if err := conn.SetDeadlines(cfg.ACSETimeout, cfg.ACSETimeout); err != nil {
		conn.Close()
		return nil, err
	}

	if err := writeAssociateRQ(conn, localAETitle, calledAETitle, cfg.MaxPDULength, contexts); err != nil {
		conn.Close()
		return nil, errors.NewNetworkError("send associate-rq", err)
	}

	pdu, err := readRawPDU(conn)
	if err != nil {
		conn.Close()
		return nil, errors.NewNetworkError("read associate response", err)
	}

	switch pdu.Type {
	case pduTypeAssociateAC:
		ac, err := parseAssociateAC(pdu.Data)
		if err != nil {
			a.abortLocal(errors.AbortReasonInvalidPDUParameterValue)
			return nil, err
		}
		if _, err := a.step(ulstate.Evt3, false); err != nil {
			conn.Close()
			return nil, err
		}
		a.peerMaxPDULength = ac.MaxPDULength
		a.presentationTable = presentation.NewTable(toPresentationContexts(ac.Contexts, contexts))
		if err := conn.SetDeadlines(0, 0); err != nil {
			conn.Close()
			return nil, err
		}
		return a, nil
	case pduTypeAssociateRJ:
		result, source, reason, perr := parseAssociateRJ(pdu.Data)
		if perr != nil {
			result, source, reason = 0x01, 0x02, 0x00
		}
		a.step(ulstate.Evt4, false)
		conn.Close()
		return nil, errors.NewAssociationError(errors.AssociationRejectSource(source), errors.AssociationRejectReason(reason), fmt.Sprintf("association rejected, result=0x%02x", result))
	default:
		a.step(ulstate.Evt19, false)
		conn.Close()
		return nil, errors.NewPDUError(pdu.Type, "expected A-ASSOCIATE-AC or A-ASSOCIATE-RJ")
	}
}

// Mirrors of pdu.Type* defined locally because the decoded PDU is always
// bound to a variable named pdu in this file, which would otherwise shadow
// the pdu package itself.
const (
	pduTypeAssociateAC = 0x02
	pduTypeAssociateRJ = 0x03
)

func toPresentationContexts(resolved []acse.ResolvedContext, proposed []acse.ProposedContext) []*presentation.Context {
	abstractByID := make(map[byte]string, len(proposed))
	for _, p := range proposed {
		abstractByID[p.ID] = p.AbstractSyntax
	}
	out := make([]*presentation.Context, 0, len(resolved))
	for _, r := range resolved {
		out = append(out, &presentation.Context{
			ID:             r.ID,
			AbstractSyntax: abstractByID[r.ID],
			TransferSyntax: r.TransferSyntax,
			Accepted:       r.Result == acse.ResultAcceptance,
			SCURole:        true,
			SCPRole:        r.SCPRole,
		})
	}
	return out
}

func resolveLogger(cfg Config) *slog.Logger {
	if cfg.Logger != nil {
		return cfg.Logger
	}
	return slog.Default()
}

// Accept negotiates an inbound association as the acceptor role over an
// already-accepted net.Conn, grounded on pdu.Layer.HandleConnection's
// association phase, and then runs the DIMSE reactor loop to completion.
// handler serves DIMSE requests the way server.Server wires dimse.Service.
func Accept(conn net.Conn, handler interfaces.ServiceHandler, policy acse.Policy, opts ...Option) error {
	cfg, err := resolve(opts)
	if err != nil {
		return err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wrapped := transport.Wrap(conn, cfg.Logger)
	defer wrapped.Close()

	a := &Association{conn: wrapped, cfg: cfg, role: ulstate.RoleAcceptor, state: ulstate.Sta1, local: cfg.AETitle}
	if _, err := a.step(ulstate.Evt5, false); err != nil {
		return err
	}

	if err := wrapped.SetDeadlines(cfg.ACSETimeout, cfg.ACSETimeout); err != nil {
		return err
	}

	pdu, err := readRawPDU(wrapped)
	if err != nil {
		return errors.NewNetworkError("read associate request", err)
	}
	if pdu.Type != pduTypeAssociateRQ {
		a.step(ulstate.Evt19, false)
		a.writeAbortAndClose(errors.AbortReasonUnexpectedPDU)
		return errors.NewPDUError(pdu.Type, "expected A-ASSOCIATE-RQ")
	}

	reqPDU, err := parseAssociateRQ(pdu.Data)
	if err != nil {
		a.writeAbortAndClose(errors.AbortReasonInvalidPDUParameterValue)
		return err
	}
	a.peer = reqPDU.CallingAETitle

	result, err := acse.Evaluate(acse.Request{
		ProtocolVersion: 0x0001,
		CalledAETitle:   reqPDU.CalledAETitle,
		CallingAETitle:  reqPDU.CallingAETitle,
		PeerMaxPDULen:   reqPDU.MaxPDULength,
		Contexts:        reqPDU.Contexts,
	}, policy, nil)
	if err != nil {
		a.writeAbortAndClose(errors.AbortReasonUnexpectedPDUParameter)
		return err
	}

	if !result.Accepted {
		a.step(ulstate.Evt6, false)
		writeAssociateRJ(wrapped, result.RejectResult, result.RejectSource, result.RejectReason)
		a.step(ulstate.Evt8, false)
		return acse.RejectError(result)
	}

	if _, err := a.step(ulstate.Evt6, true); err != nil {
		return err
	}
	if err := writeAssociateAC(wrapped, reqPDU.CallingAETitle, reqPDU.CalledAETitle, cfg.MaxPDULength, result.Contexts); err != nil {
		return errors.NewNetworkError("send associate-ac", err)
	}

	a.peerMaxPDULength = result.MaxPDULength
	a.presentationTable = presentation.NewTable(toPresentationContexts(result.Contexts, reqPDU.Contexts))
	a.dimseService = dimse.NewService(handler, cfg.Logger)

	if err := wrapped.SetDeadlines(0, 0); err != nil {
		return err
	}

	return a.serveAcceptor()
}

const pduTypeAssociateRQ = 0x01

// serveAcceptor is the acceptor-side reactor loop: read a PDU, feed
// ulstate, dispatch DIMSE or release/abort, repeat. One goroutine, one
// connection, matching spec.md §5's single-writer rule and
// server.Server.handleConnection's existing structure.
func (a *Association) serveAcceptor() error {
	for {
		if a.cfg.NetworkTimeout > 0 {
			a.conn.SetDeadlines(a.cfg.NetworkTimeout, 0)
		}

		pdu, err := readRawPDU(a.conn)
		if err != nil {
			if err == io.EOF {
				a.step(ulstate.Evt17, false)
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return a.handleNetworkTimeout()
			}
			return errors.NewNetworkError("read pdu", err)
		}

		switch pdu.Type {
		case pduTypePDataTF:
			if _, err := a.step(ulstate.Evt10, false); err != nil {
				return err
			}
			if err := a.dispatchDataTF(pdu.Data); err != nil {
				return err
			}
		case pduTypeReleaseRQ:
			if _, err := a.step(ulstate.Evt12, false); err != nil {
				return err
			}
			if err := writeReleaseRP(a.conn); err != nil {
				return errors.NewNetworkError("send release-rp", err)
			}
			a.step(ulstate.Evt14, false)
			return nil
		case pduTypeAbort:
			source, reason, _ := parseAbort(pdu.Data)
			a.step(ulstate.Evt16, false)
			a.cfg.Logger.Info("association aborted by peer", "source", source, "reason", reason)
			return errors.NewAbortError(source, reason)
		default:
			a.step(ulstate.Evt19, false)
			a.writeAbortAndClose(errors.AbortReasonUnexpectedPDU)
			return errors.NewPDUError(pdu.Type, "unexpected PDU in data transfer state")
		}
	}
}

const (
	pduTypePDataTF   = 0x04
	pduTypeReleaseRQ = 0x05
	pduTypeReleaseRP = 0x06
	pduTypeAbort     = 0x07
)

func (a *Association) handleNetworkTimeout() error {
	if a.cfg.NetworkTimeoutResponse == NetworkTimeoutRelease {
		a.step(ulstate.Evt11, false)
		writeReleaseRQ(a.conn)
		a.step(ulstate.Evt13, false)
		return errors.NewTimeoutError("network_timeout", a.cfg.NetworkTimeout.String())
	}
	a.writeAbortAndClose(errors.AbortReasonNotSpecified)
	return errors.NewTimeoutError("network_timeout", a.cfg.NetworkTimeout.String())
}

func (a *Association) dispatchDataTF(body []byte) error {
	pdvs, err := parsePDataTF(body)
	if err != nil {
		return err
	}
	for _, pdv := range pdvs {
		ctx, ok := a.presentationTable.Lookup(pdv.PresContextID)
		if !ok || !ctx.Accepted {
			a.step(ulstate.Evt19, false)
			a.writeAbortAndClose(errors.AbortReasonUnrecognizedPDUParameter)
			a.cfg.Logger.Warn("Received DIMSE message with invalid or rejected context ID",
				"context_id", pdv.PresContextID)
			return errors.NewPDUError(pduTypePDataTF, "received DIMSE message with invalid or rejected context ID")
		}
		ctrl := byte(0x00)
		if pdv.IsCommand {
			ctrl |= 0x01
		}
		if pdv.LastFragment {
			ctrl |= 0x02
		}
		if err := a.dimseService.HandleDIMSEMessage(pdv.PresContextID, ctrl, pdv.Data, a); err != nil {
			return fmt.Errorf("dimse dispatch: %w", err)
		}
	}
	return nil
}

// SendDIMSEResponse implements dimse.PDULayer, sending a command-only
// P-DATA-TF, grounded on pdu.Layer.SendDIMSEResponse.
func (a *Association) SendDIMSEResponse(presContextID byte, commandData []byte) error {
	return writePDataTF(a.conn, presContextID, true, commandData, a.fragmentSize())
}

// SendDIMSEResponseWithDataset implements dimse.PDULayer.
func (a *Association) SendDIMSEResponseWithDataset(presContextID byte, commandData []byte, datasetData []byte) error {
	if err := writePDataTF(a.conn, presContextID, true, commandData, a.fragmentSize()); err != nil {
		return err
	}
	if len(datasetData) == 0 {
		return nil
	}
	return writePDataTF(a.conn, presContextID, false, datasetData, a.fragmentSize())
}

// GetTransferSyntax implements dimse.PDULayer.
func (a *Association) GetTransferSyntax(presContextID byte) (string, error) {
	ctx, ok := a.presentationTable.Lookup(presContextID)
	if !ok || !ctx.Accepted {
		return "", fmt.Errorf("no accepted presentation context %d", presContextID)
	}
	return ctx.TransferSyntax, nil
}

// ReceiveDIMSEResponse implements dimse.PDULayer, letting a same-association
// sub-operation (a C-GET SCP's C-STORE pushback) block for its C-STORE-RSP
// before reporting its own outer C-xRSP, grounded on readCommandResponse's
// single-PDU command read.
func (a *Association) ReceiveDIMSEResponse() (*types.Message, error) {
	return a.readCommandResponse()
}

func (a *Association) fragmentSize() int {
	return maxPDVBodyLength(a.peerMaxPDULength)
}

// datasetTypeFor returns the CommandDataSetType value matching whether an
// encoded identifier actually has bytes to send: 0x0101 ("no dataset")
// when empty, 0x0000 ("dataset present") otherwise. C-FIND/C-GET/C-MOVE
// identifiers are built from caller-supplied (possibly empty) dicom.Dataset
// values, unlike C-ECHO/C-STORE where dataset presence is fixed by the
// operation itself.
func datasetTypeFor(datasetData []byte) uint16 {
	if len(datasetData) == 0 {
		return 0x0101
	}
	return 0x0000
}

// sendCommandAndDataset writes commandData, and datasetData only if
// non-empty, matching datasetTypeFor's CommandDataSetType choice so the
// peer never blocks waiting for a dataset PDV that was never promised.
func (a *Association) sendCommandAndDataset(presContextID byte, commandData, datasetData []byte) error {
	if len(datasetData) == 0 {
		return a.SendDIMSEResponse(presContextID, commandData)
	}
	return a.SendDIMSEResponseWithDataset(presContextID, commandData, datasetData)
}

// Release performs a graceful A-RELEASE exchange (requestor-initiated),
// grounded on client.Association.Close/sendReleaseRQ/receiveReleaseRP.
func (a *Association) Release() error {
	if _, err := a.step(ulstate.Evt11, false); err != nil {
		return err
	}
	if err := a.conn.SetDeadlines(a.cfg.ACSETimeout, a.cfg.ACSETimeout); err != nil {
		return err
	}
	if err := writeReleaseRQ(a.conn); err != nil {
		return errors.NewNetworkError("send release-rq", err)
	}

	pdu, err := readRawPDU(a.conn)
	if err != nil {
		return errors.NewNetworkError("read release response", err)
	}
	switch pdu.Type {
	case pduTypeReleaseRP:
		a.step(ulstate.Evt13, false)
		return a.conn.Close()
	case pduTypeReleaseRQ:
		// Simultaneous release, AR-8: spec.md's tie-break resolves which
		// role proceeds to Sta9 vs Sta10; ulstate.Step returns the next
		// state accordingly and the caller (here) always sends RP then
		// waits for the peer's RP to finish.
		if _, err := a.step(ulstate.Evt12, false); err != nil {
			return err
		}
		if err := writeReleaseRP(a.conn); err != nil {
			return err
		}
		rp, err := readRawPDU(a.conn)
		if err != nil {
			return err
		}
		if rp.Type == pduTypeReleaseRP {
			a.step(ulstate.Evt13, false)
		}
		return a.conn.Close()
	default:
		return errors.NewPDUError(pdu.Type, "expected A-RELEASE-RP")
	}
}

// Abort sends an A-ABORT and closes the connection immediately without
// waiting for any response, per DICOM PS3.8 §9.3.8.
func (a *Association) Abort(reason errors.AbortReason) error {
	a.step(ulstate.Evt15, false)
	return a.writeAbortAndClose(reason)
}

func (a *Association) abortLocal(reason errors.AbortReason) {
	a.writeAbortAndClose(reason)
}

// writeAbortAndClose sends an A-ABORT and closes the connection. A
// protocol-error reason goes out with the DUL service-provider source;
// AbortReasonNotSpecified goes out as a service-user abort.
func (a *Association) writeAbortAndClose(reason errors.AbortReason) error {
	source := errors.AbortSourceServiceUser
	if reason != errors.AbortReasonNotSpecified {
		source = errors.AbortSourceServiceProviderDUL
	}
	_ = writeAbort(a.conn, byte(source), byte(reason))
	return a.conn.Close()
}

// SendCEcho issues a C-ECHO-RQ (spec.md's verification service) over the
// Verification SOP Class context and blocks for the matching C-ECHO-RSP,
// grounded on dimse.Service's CEchoRQ/CEchoRSP command fields.
func (a *Association) SendCEcho() (uint16, error) {
	ctx, err := a.presentationTable.SelectContext(types.VerificationSOPClass, "", presentation.RoleSCU, nil, false)
	if err != nil {
		return 0, err
	}

	a.messageIDCounter++
	cmd := &types.Message{
		CommandField:        dimse.CEchoRQ,
		MessageID:           a.messageIDCounter,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  0x0101, // no dataset
	}
	encoded, err := dimse.EncodeCommandSet(cmd)
	if err != nil {
		return 0, err
	}

	if err := a.conn.SetDeadlines(a.cfg.DIMSETimeout, a.cfg.DIMSETimeout); err != nil {
		return 0, err
	}
	if err := writePDataTF(a.conn, ctx.ID, true, encoded, a.fragmentSize()); err != nil {
		return 0, err
	}

	resp, err := a.readCommandResponse()
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// SendCStore issues a C-STORE-RQ carrying datasetData, already encoded in
// the negotiated transfer syntax, and blocks for the C-STORE-RSP status.
func (a *Association) SendCStore(sopClassUID, sopInstanceUID string, datasetData []byte) (uint16, error) {
	ctx, err := a.presentationTable.SelectContext(sopClassUID, "", presentation.RoleSCU, nil, true)
	if err != nil {
		return 0, err
	}

	a.messageIDCounter++
	cmd := &types.Message{
		CommandField:           dimse.CStoreRQ,
		MessageID:              a.messageIDCounter,
		Priority:               0x0000,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		CommandDataSetType:     0x0000, // dataset present
	}
	encoded, err := dimse.EncodeCommandSet(cmd)
	if err != nil {
		return 0, err
	}

	if err := a.conn.SetDeadlines(a.cfg.DIMSETimeout, a.cfg.DIMSETimeout); err != nil {
		return 0, err
	}
	if err := a.SendDIMSEResponseWithDataset(ctx.ID, encoded, datasetData); err != nil {
		return 0, err
	}

	resp, err := a.readCommandResponse()
	if err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// abortOnTimeout aborts the association before wrapping a requestor-side
// read error, matching serveAcceptor's handleNetworkTimeout so a stalled
// peer yields an aborted association on either side, not just a returned
// error the caller might ignore.
func (a *Association) abortOnTimeout(err error, op string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		a.Abort(errors.AbortReasonNotSpecified)
		return errors.NewTimeoutError(op, a.cfg.DIMSETimeout.String())
	}
	return errors.NewNetworkError(op, err)
}

// readCommandResponse reads one P-DATA-TF command PDV and decodes it,
// assuming (as C-ECHO/C-STORE responses always are) the command fits in a
// single PDU; multi-PDU command reassembly is handled by dimse.Service on
// the acceptor side, not needed on this synchronous request path.
func (a *Association) readCommandResponse() (*types.Message, error) {
	pdu, err := readRawPDU(a.conn)
	if err != nil {
		return nil, a.abortOnTimeout(err, "read dimse response")
	}
	if pdu.Type != pduTypePDataTF {
		return nil, errors.NewPDUError(pdu.Type, "expected P-DATA-TF")
	}
	pdvs, err := parsePDataTF(pdu.Data)
	if err != nil {
		return nil, err
	}
	var commandData []byte
	for _, pdv := range pdvs {
		if pdv.IsCommand {
			commandData = append(commandData, pdv.Data...)
		}
	}
	if len(commandData) == 0 {
		return nil, fmt.Errorf("dimse response carried no command data")
	}
	return dimse.DecodeCommandSet(commandData)
}

// readDIMSEMessage reads one full DIMSE message off the wire, reassembling
// P-DATA-TF PDV fragments until each part's last-fragment bit is set, the
// way dimse.Service reassembles inbound acceptor-side messages. Used by the
// streaming request paths (C-FIND/C-GET/C-MOVE) where, unlike C-ECHO/
// C-STORE, more than one response or an interleaved sub-operation request
// can arrive on the same association before the exchange is done.
func (a *Association) readDIMSEMessage() (msg *types.Message, datasetData []byte, presContextID byte, err error) {
	var commandData []byte
	var pending []PDV // dataset PDVs seen while still assembling the command, same PDU
	commandDone := false
	for !commandDone {
		pdu, err := readRawPDU(a.conn)
		if err != nil {
			return nil, nil, 0, a.abortOnTimeout(err, "read dimse message")
		}
		if pdu.Type != pduTypePDataTF {
			return nil, nil, 0, errors.NewPDUError(pdu.Type, "expected P-DATA-TF")
		}
		pdvs, err := parsePDataTF(pdu.Data)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, pdv := range pdvs {
			if !pdv.IsCommand {
				pending = append(pending, pdv)
				continue
			}
			presContextID = pdv.PresContextID
			commandData = append(commandData, pdv.Data...)
			if pdv.LastFragment {
				commandDone = true
			}
		}
	}

	msg, err = dimse.DecodeCommandSet(commandData)
	if err != nil {
		return nil, nil, 0, err
	}
	if msg.CommandDataSetType == 0x0101 {
		return msg, nil, presContextID, nil
	}

	datasetDone := false
	for _, pdv := range pending {
		if pdv.PresContextID != presContextID {
			continue
		}
		datasetData = append(datasetData, pdv.Data...)
		if pdv.LastFragment {
			datasetDone = true
		}
	}
	for !datasetDone {
		pdu, err := readRawPDU(a.conn)
		if err != nil {
			return nil, nil, 0, a.abortOnTimeout(err, "read dimse dataset")
		}
		pdvs, err := parsePDataTF(pdu.Data)
		if err != nil {
			return nil, nil, 0, err
		}
		for _, pdv := range pdvs {
			if pdv.IsCommand || pdv.PresContextID != presContextID {
				continue
			}
			datasetData = append(datasetData, pdv.Data...)
			if pdv.LastFragment {
				datasetDone = true
			}
		}
	}
	return msg, datasetData, presContextID, nil
}
