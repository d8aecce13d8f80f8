package ulstate

import "fmt"

// Context carries the inputs Step needs to resolve branches the plain
// (state, event) lookup can't: which role this machine plays, and the
// outcome of negotiation handed down by the acse package for Evt6.
type Context struct {
	Role Role

	// Accepted is read only for the (Sta2, Evt6) transition: true if the
	// acse negotiation algorithm accepted the incoming A-ASSOCIATE-RQ.
	Accepted bool
}

// ErrUndefinedTransition is returned when (state, event) has no entry in
// the transition table. A decode failure (Evt19) or A-ABORT reception
// (Evt16) has a defined transition in every state except Sta1 and Sta4;
// a miss elsewhere means the driver fed an event the protocol does not
// allow in that state.
type ErrUndefinedTransition struct {
	State State
	Event Event
}

func (e *ErrUndefinedTransition) Error() string {
	return fmt.Sprintf("ulstate: no transition defined for %s on %s", e.Event, e.State)
}

type transitionKey struct {
	state State
	event Event
}

// plainTransitions holds every (state, event) pair whose next state does
// not depend on Context. The two exceptions - (Sta2, Evt6) and
// (Sta7, Evt12) - are resolved directly in Step.
var plainTransitions = map[transitionKey]struct {
	action Action
	next   State
}{
	{Sta1, Evt1}: {ActionAE1, Sta4},
	{Sta1, Evt5}: {ActionAE5, Sta2},

	{Sta2, Evt3}:  {ActionAA1, Sta13},
	{Sta2, Evt4}:  {ActionAA1, Sta13},
	{Sta2, Evt10}: {ActionAA1, Sta13},
	{Sta2, Evt12}: {ActionAA1, Sta13},
	{Sta2, Evt13}: {ActionAA1, Sta13},
	{Sta2, Evt16}: {ActionAA2, Sta1},
	{Sta2, Evt17}: {ActionAA5, Sta1},
	{Sta2, Evt18}: {ActionAA2, Sta1},
	{Sta2, Evt19}: {ActionAA1, Sta13},

	{Sta3, Evt3}:  {ActionAA8, Sta13},
	{Sta3, Evt4}:  {ActionAA8, Sta13},
	{Sta3, Evt6}:  {ActionAA8, Sta13},
	{Sta3, Evt7}:  {ActionAE7, Sta6},
	{Sta3, Evt8}:  {ActionAE8, Sta13},
	{Sta3, Evt10}: {ActionAA8, Sta13},
	{Sta3, Evt12}: {ActionAA8, Sta13},
	{Sta3, Evt13}: {ActionAA8, Sta13},
	{Sta3, Evt15}: {ActionAA1, Sta13},
	{Sta3, Evt16}: {ActionAA3, Sta1},
	{Sta3, Evt17}: {ActionAA4, Sta1},
	{Sta3, Evt19}: {ActionAA8, Sta13},

	{Sta4, Evt2}:  {ActionAE2, Sta5},
	{Sta4, Evt15}: {ActionAA2, Sta1},
	{Sta4, Evt17}: {ActionAA4, Sta1},

	{Sta5, Evt3}:  {ActionAE3, Sta6},
	{Sta5, Evt4}:  {ActionAE4, Sta1},
	{Sta5, Evt6}:  {ActionAA8, Sta13},
	{Sta5, Evt10}: {ActionAA8, Sta13},
	{Sta5, Evt12}: {ActionAA8, Sta13},
	{Sta5, Evt13}: {ActionAA8, Sta13},
	{Sta5, Evt15}: {ActionAA1, Sta13},
	{Sta5, Evt16}: {ActionAA3, Sta1},
	{Sta5, Evt17}: {ActionAA4, Sta1},
	{Sta5, Evt18}: {ActionAA8, Sta13},
	{Sta5, Evt19}: {ActionAA8, Sta13},

	{Sta6, Evt3}:  {ActionAA8, Sta13},
	{Sta6, Evt4}:  {ActionAA8, Sta13},
	{Sta6, Evt6}:  {ActionAA8, Sta13},
	{Sta6, Evt9}:  {ActionDT1, Sta6},
	{Sta6, Evt10}: {ActionDT2, Sta6},
	{Sta6, Evt11}: {ActionAR1, Sta7},
	{Sta6, Evt12}: {ActionAR2, Sta8},
	{Sta6, Evt13}: {ActionAA8, Sta13},
	{Sta6, Evt15}: {ActionAA1, Sta13},
	{Sta6, Evt16}: {ActionAA3, Sta1},
	{Sta6, Evt17}: {ActionAA4, Sta1},
	{Sta6, Evt19}: {ActionAA8, Sta13},

	{Sta7, Evt3}:  {ActionAA8, Sta13},
	{Sta7, Evt4}:  {ActionAA8, Sta13},
	{Sta7, Evt6}:  {ActionAA8, Sta13},
	{Sta7, Evt10}: {ActionAR6, Sta7},
	// {Sta7, Evt12} is the release-collision branch, resolved in Step.
	{Sta7, Evt13}: {ActionAR3, Sta1},
	{Sta7, Evt15}: {ActionAA1, Sta13},
	{Sta7, Evt16}: {ActionAA3, Sta1},
	{Sta7, Evt17}: {ActionAA4, Sta1},
	{Sta7, Evt19}: {ActionAA8, Sta13},

	{Sta8, Evt3}:  {ActionAA8, Sta13},
	{Sta8, Evt4}:  {ActionAA8, Sta13},
	{Sta8, Evt6}:  {ActionAA8, Sta13},
	{Sta8, Evt9}:  {ActionAR7, Sta8},
	{Sta8, Evt10}: {ActionAA8, Sta13},
	{Sta8, Evt12}: {ActionAA8, Sta13},
	{Sta8, Evt13}: {ActionAA8, Sta13},
	{Sta8, Evt14}: {ActionAR4, Sta13},
	{Sta8, Evt15}: {ActionAA1, Sta13},
	{Sta8, Evt16}: {ActionAA3, Sta1},
	{Sta8, Evt17}: {ActionAA4, Sta1},
	{Sta8, Evt19}: {ActionAA8, Sta13},

	{Sta9, Evt3}:  {ActionAA8, Sta13},
	{Sta9, Evt4}:  {ActionAA8, Sta13},
	{Sta9, Evt6}:  {ActionAA8, Sta13},
	{Sta9, Evt10}: {ActionAA8, Sta13},
	{Sta9, Evt12}: {ActionAA8, Sta13},
	{Sta9, Evt13}: {ActionAA8, Sta13},
	{Sta9, Evt14}: {ActionAR9, Sta11},
	{Sta9, Evt15}: {ActionAA1, Sta13},
	{Sta9, Evt16}: {ActionAA3, Sta1},
	{Sta9, Evt17}: {ActionAA4, Sta1},
	{Sta9, Evt19}: {ActionAA8, Sta13},

	{Sta10, Evt3}:  {ActionAA8, Sta13},
	{Sta10, Evt4}:  {ActionAA8, Sta13},
	{Sta10, Evt6}:  {ActionAA8, Sta13},
	{Sta10, Evt10}: {ActionAA8, Sta13},
	{Sta10, Evt12}: {ActionAA8, Sta13},
	{Sta10, Evt13}: {ActionAR10, Sta12},
	{Sta10, Evt15}: {ActionAA1, Sta13},
	{Sta10, Evt16}: {ActionAA3, Sta1},
	{Sta10, Evt17}: {ActionAA4, Sta1},
	{Sta10, Evt19}: {ActionAA8, Sta13},

	{Sta11, Evt3}:  {ActionAA8, Sta13},
	{Sta11, Evt4}:  {ActionAA8, Sta13},
	{Sta11, Evt6}:  {ActionAA8, Sta13},
	{Sta11, Evt10}: {ActionAA8, Sta13},
	{Sta11, Evt12}: {ActionAA8, Sta13},
	{Sta11, Evt13}: {ActionAR3, Sta1},
	{Sta11, Evt15}: {ActionAA1, Sta13},
	{Sta11, Evt16}: {ActionAA3, Sta1},
	{Sta11, Evt17}: {ActionAA4, Sta1},
	{Sta11, Evt19}: {ActionAA8, Sta13},

	{Sta12, Evt3}:  {ActionAA8, Sta13},
	{Sta12, Evt4}:  {ActionAA8, Sta13},
	{Sta12, Evt6}:  {ActionAA8, Sta13},
	{Sta12, Evt10}: {ActionAA8, Sta13},
	{Sta12, Evt12}: {ActionAA8, Sta13},
	{Sta12, Evt13}: {ActionAA8, Sta13},
	{Sta12, Evt14}: {ActionAR4, Sta13},
	{Sta12, Evt15}: {ActionAA1, Sta13},
	{Sta12, Evt16}: {ActionAA3, Sta1},
	{Sta12, Evt17}: {ActionAA4, Sta1},
	{Sta12, Evt19}: {ActionAA8, Sta13},

	{Sta13, Evt3}:  {ActionAA6, Sta13},
	{Sta13, Evt4}:  {ActionAA6, Sta13},
	{Sta13, Evt6}:  {ActionAA7, Sta13},
	{Sta13, Evt7}:  {ActionAA7, Sta13},
	{Sta13, Evt8}:  {ActionAA7, Sta13},
	{Sta13, Evt9}:  {ActionAA7, Sta13},
	{Sta13, Evt10}: {ActionAA6, Sta13},
	{Sta13, Evt11}: {ActionAA6, Sta13},
	{Sta13, Evt12}: {ActionAA6, Sta13},
	{Sta13, Evt13}: {ActionAA6, Sta13},
	{Sta13, Evt14}: {ActionAA6, Sta13},
	{Sta13, Evt15}: {ActionAA2, Sta1},
	{Sta13, Evt16}: {ActionAA2, Sta1},
	{Sta13, Evt17}: {ActionAR5, Sta1},
	{Sta13, Evt18}: {ActionAA2, Sta1},
	{Sta13, Evt19}: {ActionAA7, Sta13},
}

// Step advances the machine one event. It is a pure function: the same
// (state, event, ctx) always yields the same (next state, actions), and
// Step never blocks or performs I/O. The driver executes the returned
// actions, in order, before computing the next event.
func Step(state State, event Event, ctx Context) (State, []Action, error) {
	switch {
	case state == Sta2 && event == Evt6:
		if ctx.Accepted {
			return Sta3, []Action{ActionAE6Accept}, nil
		}
		return Sta13, []Action{ActionAE6Reject}, nil

	case state == Sta7 && event == Evt12:
		if ctx.Role == RoleAcceptor {
			return Sta9, []Action{ActionAR8}, nil
		}
		return Sta10, []Action{ActionAR8}, nil
	}

	t, ok := plainTransitions[transitionKey{state, event}]
	if !ok {
		return state, nil, &ErrUndefinedTransition{State: state, Event: event}
	}
	return t.next, []Action{t.action}, nil
}
