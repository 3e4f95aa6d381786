package session

import (
	"fmt"
	"slices"
)

// PairState is the pairing lifecycle state of one session.
type PairState string

const (
	Unpaired     PairState = "unpaired"
	WaitingForQR PairState = "waiting_for_qr"
	Connected    PairState = "connected"
)

// validTransitions defines the allowed pairing transitions. A session
// may jump straight from unpaired to connected when pairing completes
// before the QR code is ever fetched.
var validTransitions = map[PairState][]PairState{
	Unpaired:     {WaitingForQR, Connected},
	WaitingForQR: {Connected, Unpaired},
	Connected:    {Unpaired},
}

// transition validates a pairing state change. The server is
// authoritative, so callers log and apply the target state even when
// the transition is unexpected; the error exists for visibility.
func transition(from, to PairState) error {
	if from == to {
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("unexpected pairing transition %s -> %s", from, to)
	}
	return nil
}
