// Package ulstate implements the DICOM Upper Layer state machine as a pure
// function, grounded on the 13-state / 19-event table (DICOM PS3.8 §9.2.3
// state tables). Step is driven externally by the association reactor,
// which owns the socket, timers, and presentation context table; this
// package holds no I/O and no mutable state of its own.
package ulstate

import "fmt"

// State is one of the 13 states of the Upper Layer state machine.
type State int

const (
	Sta1 State = iota + 1
	Sta2
	Sta3
	Sta4
	Sta5
	Sta6
	Sta7
	Sta8
	Sta9
	Sta10
	Sta11
	Sta12
	Sta13
)

var stateDescriptions = map[State]string{
	Sta1:  "Idle",
	Sta2:  "Transport connection open, awaiting A-ASSOCIATE-RQ PDU",
	Sta3:  "Awaiting local A-ASSOCIATE response primitive",
	Sta4:  "Awaiting transport connect confirmation",
	Sta5:  "Awaiting A-ASSOCIATE-AC or A-ASSOCIATE-RJ PDU",
	Sta6:  "Association established, ready for data transfer",
	Sta7:  "Awaiting A-RELEASE-RP PDU",
	Sta8:  "Awaiting local A-RELEASE response primitive",
	Sta9:  "Release collision, acceptor side, awaiting local A-RELEASE response",
	Sta10: "Release collision, requestor side, awaiting A-RELEASE-RP PDU",
	Sta11: "Release collision, acceptor side, awaiting A-RELEASE-RP PDU",
	Sta12: "Release collision, requestor side, awaiting local A-RELEASE response",
	Sta13: "Awaiting transport connection close indication",
}

func (s State) String() string {
	if d, ok := stateDescriptions[s]; ok {
		return fmt.Sprintf("Sta%d(%s)", int(s), d)
	}
	return fmt.Sprintf("Sta%d(unknown)", int(s))
}

// Role distinguishes which side of the association a machine instance
// represents. AR-8's release-collision tie-break and a handful of abort
// actions depend on it.
type Role int

const (
	RoleRequestor Role = iota + 1
	RoleAcceptor
)

func (r Role) String() string {
	switch r {
	case RoleRequestor:
		return "requestor"
	case RoleAcceptor:
		return "acceptor"
	default:
		return "unknown"
	}
}
