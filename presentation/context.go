// Package presentation maintains the negotiated presentation context table
// for an established association and implements context selection for
// outgoing DIMSE messages.
package presentation

import (
	"fmt"

	"github.com/caio-sobreiro/dicomnet/types"
)

// Role is the SCU/SCP role a peer plays for a given abstract syntax.
type Role int

const (
	RoleSCU Role = iota
	RoleSCP
)

// Context is a single negotiated presentation context, immutable once the
// association reaches the data-transfer state.
type Context struct {
	ID             byte
	AbstractSyntax string
	TransferSyntax string
	Accepted       bool
	SCURole        bool
	SCPRole        bool
}

// Table is the context-ID-keyed set of contexts negotiated for one
// association, the way pdu.Layer's AssociationContext.PresentationCtxs
// keeps them, lifted into its own type so both the requestor and the
// acceptor side of an association can share the same selection logic.
type Table struct {
	contexts map[byte]*Context
}

// NewTable builds a Table from the negotiated contexts. Only contexts
// already marked Accepted participate in selection.
func NewTable(contexts []*Context) *Table {
	t := &Table{contexts: make(map[byte]*Context, len(contexts))}
	for _, c := range contexts {
		t.contexts[c.ID] = c
	}
	return t
}

// upsSOPClasses lists the Unified Procedure Step SOP classes, in the
// fallback search order spec.md's UPS rule names: Push first (the caller's
// own request), then Pull, Watch, Event.
var upsSOPClasses = []string{
	types.UnifiedProcedureStepPushSOPClass,
	types.UnifiedProcedureStepPullSOPClass,
	types.UnifiedProcedureStepWatchSOPClass,
	types.UnifiedProcedureStepEventSOPClass,
}

func isUPSSOPClass(uid string) bool {
	for _, c := range upsSOPClasses {
		if c == uid {
			return true
		}
	}
	return false
}

func roleMatches(c *Context, role Role) bool {
	switch role {
	case RoleSCU:
		return c.SCURole
	case RoleSCP:
		return c.SCPRole
	default:
		return false
	}
}

// SelectContext implements spec.md §4.3's select_context operation.
//
// If contextID is non-nil, the lookup is exact: the context must exist,
// be accepted, and match abstractSyntax and role. Otherwise candidates are
// searched for an exact transfer-syntax match first; if none is found and
// allowConversion is true, any role- and abstract-syntax-matching context
// is returned. For the UPS Push SOP class specifically, a second pass
// additionally searches the sibling UPS classes (Pull, Watch, Event).
func (t *Table) SelectContext(abstractSyntax, transferSyntax string, role Role, contextID *byte, allowConversion bool) (*Context, error) {
	if contextID != nil {
		c, ok := t.contexts[*contextID]
		if !ok || !c.Accepted {
			return nil, fmt.Errorf("presentation: no presentation context for id %d", *contextID)
		}
		if c.AbstractSyntax != abstractSyntax || !roleMatches(c, role) {
			return nil, fmt.Errorf("presentation: context %d does not match abstract syntax %s or role", *contextID, abstractSyntax)
		}
		return c, nil
	}

	if c := t.findMatching(abstractSyntax, transferSyntax, role, true); c != nil {
		return c, nil
	}

	if isUPSSOPClass(abstractSyntax) {
		for _, candidate := range upsSOPClasses {
			if c := t.findMatching(candidate, transferSyntax, role, true); c != nil {
				return c, nil
			}
		}
	}

	if allowConversion {
		if c := t.findMatching(abstractSyntax, "", role, false); c != nil {
			return c, nil
		}
		if isUPSSOPClass(abstractSyntax) {
			for _, candidate := range upsSOPClasses {
				if c := t.findMatching(candidate, "", role, false); c != nil {
					return c, nil
				}
			}
		}
	}

	return nil, fmt.Errorf("presentation: no presentation context for %s", abstractSyntax)
}

// findMatching returns the first accepted context matching abstractSyntax
// and role; if requireExactTS is true and transferSyntax is non-empty, the
// context's transfer syntax must match exactly.
func (t *Table) findMatching(abstractSyntax, transferSyntax string, role Role, requireExactTS bool) *Context {
	for _, c := range t.contexts {
		if !c.Accepted || c.AbstractSyntax != abstractSyntax || !roleMatches(c, role) {
			continue
		}
		if requireExactTS && transferSyntax != "" && c.TransferSyntax != transferSyntax {
			continue
		}
		return c
	}
	return nil
}

// AcceptedContexts returns every accepted context, for use by the reactor
// when building the A-ASSOCIATE-AC response or validating an inbound PDV.
func (t *Table) AcceptedContexts() []*Context {
	var out []*Context
	for _, c := range t.contexts {
		if c.Accepted {
			out = append(out, c)
		}
	}
	return out
}

// Lookup returns the context for a context ID regardless of acceptance,
// used to validate PDV context IDs per spec.md §4.4's "value item arriving
// on a context ID that is not accepted" rule.
func (t *Table) Lookup(contextID byte) (*Context, bool) {
	c, ok := t.contexts[contextID]
	return c, ok
}
