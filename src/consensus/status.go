package consensus

import (
	"time"

	"github.com/trellis-network/trellis/src/types"
)

//Behavior tags how an election was started; it selects the admission limit
//the election counts against.
type Behavior int

const (
	BehaviorManual Behavior = iota
	BehaviorPriority
	BehaviorHinted
	BehaviorOptimistic
)

func (b Behavior) String() string {
	switch b {
	case BehaviorManual:
		return "manual"
	case BehaviorPriority:
		return "priority"
	case BehaviorHinted:
		return "hinted"
	case BehaviorOptimistic:
		return "optimistic"
	}
	return "unknown"
}

//State is the election state machine position
type State int

const (
	StatePassive State = iota
	StateActive
	StateConfirmed
	StateExpiredConfirmed
	StateExpiredUnconfirmed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePassive:
		return "passive"
	case StateActive:
		return "active"
	case StateConfirmed:
		return "confirmed"
	case StateExpiredConfirmed:
		return "expired_confirmed"
	case StateExpiredUnconfirmed:
		return "expired_unconfirmed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

//terminal reports whether no further transitions are possible
func (s State) terminal() bool {
	switch s {
	case StateExpiredConfirmed, StateExpiredUnconfirmed, StateCancelled:
		return true
	}
	return false
}

//StatusType records which path observed a block's confirmation first
type StatusType int

const (
	//Quorum was reached while the election was running
	StatusActiveConfirmedQuorum StatusType = iota
	//The cementing callback arrived while the election was still active
	StatusActiveConfirmationHeight
	//The cementing callback arrived with no live election for the root
	StatusInactiveConfirmationHeight
)

func (t StatusType) String() string {
	switch t {
	case StatusActiveConfirmedQuorum:
		return "active_confirmed_quorum"
	case StatusActiveConfirmationHeight:
		return "active_confirmation_height"
	case StatusInactiveConfirmationHeight:
		return "inactive_confirmation_height"
	}
	return "unknown"
}

//ElectionStatus is the observability record of a completed election
type ElectionStatus struct {
	Winner               *types.Block
	Tally                types.Amount
	BlockCount           int
	VoterCount           int
	ConfirmationRequests int
	Duration             time.Duration
	Time                 time.Time
	Type                 StatusType
}
