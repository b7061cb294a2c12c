package session

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

type State string

const (
	AwaitingParticipant State = "AWAITING_PARTICIPANT"
	AwaitingCoordinator State = "AWAITING_COORDINATOR"
	AwaitingAddress     State = "AWAITING_ADDRESS"
	TransferSent        State = "TRANSFER_SENT"
	AwaitingGameStart   State = "AWAITING_GAME_START"
	GameInProgress      State = "GAME_IN_PROGRESS"
	Complete            State = "COMPLETE"
	Cancelled           State = "CANCELLED"
)

// States lists every state in workflow order.
var States = []State{
	AwaitingParticipant,
	AwaitingCoordinator,
	AwaitingAddress,
	TransferSent,
	AwaitingGameStart,
	GameInProgress,
	Complete,
	Cancelled,
}

// transitions holds the forward edges. Cancelled is reachable from every
// non-terminal state and is added by CanTransition. The only back edge is
// the pre-payment reset from AwaitingAddress to AwaitingCoordinator.
var transitions = map[State][]State{
	AwaitingParticipant: {AwaitingCoordinator},
	AwaitingCoordinator: {AwaitingAddress},
	AwaitingAddress:     {TransferSent, AwaitingCoordinator},
	TransferSent:        {AwaitingGameStart},
	AwaitingGameStart:   {GameInProgress},
	GameInProgress:      {Complete},
}

func (s State) Terminal() bool {
	return s == Complete || s == Cancelled
}

// InGame reports whether dice results may arrive in this state.
func (s State) InGame() bool {
	return s == AwaitingGameStart || s == GameInProgress
}

func (s State) Valid() bool {
	for _, st := range States {
		if st == s {
			return true
		}
	}
	return false
}

func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Cancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func illegal(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
