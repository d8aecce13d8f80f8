// Package acse implements A-ASSOCIATE negotiation: the policy that decides
// whether to accept an incoming association request and which transfer
// syntax and role each presentation context resolves to. It is lifted out
// of the PDU layer's wire encoding so the same policy can be exercised
// without a socket, the way presentation.SelectContext is exercised
// without one.
package acse

import (
	"strings"

	"github.com/caio-sobreiro/dicomnet/errors"
)

// Presentation result codes, DICOM PS3.8 Table 9-18.
const (
	ResultAcceptance           byte = 0x00
	ResultRejectAbstractSyntax byte = 0x03
	ResultRejectTransferSyntax byte = 0x04
)

// ProposedContext is one presentation context as proposed by the requestor.
type ProposedContext struct {
	ID                byte
	AbstractSyntax    string
	TransferSyntaxes  []string
	RequestorSCU      bool
	RequestorSCP      bool
	RoleSelectionSent bool
}

// ResolvedContext is the acceptor's decision for one proposed context.
type ResolvedContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
	SCURole        bool
	SCPRole        bool
}

// Policy carries the acceptor's configured negotiation policy: spec.md §6's
// require_called_aet / require_calling_aet, the supported abstract and
// transfer syntax catalogues, and the local max-PDU-length.
type Policy struct {
	CalledAETitle      string
	RequireCalledAET   bool
	AllowedCallingAETs []string // empty means unrestricted
	SupportsAbstract   func(uid string) bool
	SupportsTransfer   func(uid string) bool
	LocalMaxPDULength  uint32
	AcceptorSCPDefault bool // default acceptor role is SCP when no role item was sent
}

// Request is the inbound A-ASSOCIATE-RQ primitive.
type Request struct {
	ProtocolVersion uint16
	CalledAETitle   string
	CallingAETitle  string
	PeerMaxPDULen   uint32
	Contexts        []ProposedContext
}

// Hook mutates the resolved context list before the A-ASSOCIATE-AC is
// emitted (user-identity, SOP-class extended/common-extended negotiation,
// role selection). A hook returning an error is treated as "reject item
// omitted": the association continues using the context list as it stood
// before that hook ran.
type Hook func(contexts []ResolvedContext) ([]ResolvedContext, error)

// Result is the outcome of Evaluate: either an acceptance with resolved
// contexts and the agreed max-PDU-length, or a rejection.
type Result struct {
	Accepted     bool
	Contexts     []ResolvedContext
	MaxPDULength uint32
	RejectResult byte // valid only when !Accepted
	RejectSource byte
	RejectReason byte
}

// Evaluate runs the negotiation algorithm (spec.md §4.2, steps 1-6) against
// an inbound request and the acceptor's policy, in order, running hooks
// last over the resolved context list.
func Evaluate(req Request, policy Policy, hooks []Hook) (Result, error) {
	if req.ProtocolVersion&0x0001 == 0 {
		return Result{
			RejectResult: 0x01,
			RejectSource: 0x01,
			RejectReason: 0x02,
		}, nil
	}

	if policy.RequireCalledAET && !strings.EqualFold(req.CalledAETitle, policy.CalledAETitle) {
		return Result{
			RejectResult: 0x01,
			RejectSource: 0x01,
			RejectReason: 0x07,
		}, nil
	}

	if len(policy.AllowedCallingAETs) > 0 && !contains(policy.AllowedCallingAETs, req.CallingAETitle) {
		return Result{
			RejectResult: 0x01,
			RejectSource: 0x01,
			RejectReason: 0x03,
		}, nil
	}

	resolved := make([]ResolvedContext, 0, len(req.Contexts))
	for _, proposed := range req.Contexts {
		resolved = append(resolved, resolveContext(proposed, policy))
	}

	for _, hook := range hooks {
		next, err := hook(resolved)
		if err != nil {
			continue
		}
		resolved = next
	}

	maxPDU := negotiateMaxPDULength(req.PeerMaxPDULen, policy.LocalMaxPDULength)

	return Result{
		Accepted:     true,
		Contexts:     resolved,
		MaxPDULength: maxPDU,
	}, nil
}

func resolveContext(proposed ProposedContext, policy Policy) ResolvedContext {
	if !policy.SupportsAbstract(proposed.AbstractSyntax) {
		return ResolvedContext{
			ID:             proposed.ID,
			Result:         ResultRejectAbstractSyntax,
			AbstractSyntax: proposed.AbstractSyntax,
		}
	}

	for _, ts := range proposed.TransferSyntaxes {
		if policy.SupportsTransfer(ts) {
			scu, scp := resolveRoles(proposed, policy)
			return ResolvedContext{
				ID:             proposed.ID,
				Result:         ResultAcceptance,
				AbstractSyntax: proposed.AbstractSyntax,
				TransferSyntax: ts,
				SCURole:        scu,
				SCPRole:        scp,
			}
		}
	}

	return ResolvedContext{
		ID:             proposed.ID,
		Result:         ResultRejectTransferSyntax,
		AbstractSyntax: proposed.AbstractSyntax,
	}
}

// resolveRoles implements the "effective SCU role is requestor_scu AND
// acceptor_scu" rule (and symmetrically for SCP), defaulting to
// requestor=SCU, acceptor=SCP when no role item was exchanged.
func resolveRoles(proposed ProposedContext, policy Policy) (scu, scp bool) {
	if !proposed.RoleSelectionSent {
		return true, policy.AcceptorSCPDefault
	}
	acceptorSCU := policy.AcceptorSCPDefault
	acceptorSCP := policy.AcceptorSCPDefault
	return proposed.RequestorSCU && acceptorSCU, proposed.RequestorSCP && acceptorSCP
}

// negotiateMaxPDULength resolves spec.md §4.2 step 6: min(peer proposed,
// local configured), where 0 means unlimited.
func negotiateMaxPDULength(peer, local uint32) uint32 {
	if peer == 0 {
		return local
	}
	if local == 0 {
		return peer
	}
	if peer < local {
		return peer
	}
	return local
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// RejectError builds the typed error the reactor raises (Evt8, AE-8) for a
// rejected negotiation result.
func RejectError(r Result) error {
	return errors.NewAssociationError(
		errors.AssociationRejectSource(r.RejectSource),
		errors.AssociationRejectReason(r.RejectReason),
		"association negotiation rejected",
	)
}
