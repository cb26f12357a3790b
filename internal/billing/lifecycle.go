package billing

import (
	"fmt"
	"time"

	"github.com/septivank/water-metering-portal/internal/db"
)

// Event triggers a bill status transition.
type Event string

const (
	// EventProofAccepted fires once a payment proof has been stored for the bill.
	EventProofAccepted Event = "proof_accepted"
)

// transitions lists the allowed moves. Paid has no outgoing edge.
var transitions = map[db.BillStatus]map[Event]db.BillStatus{
	db.BillStatusUnpaid: {
		EventProofAccepted: db.BillStatusPaid,
	},
}

// NextStatus returns the status reached from `from` on event, or
// ErrConcurrentModification when the move is not allowed.
func NextStatus(from db.BillStatus, event Event) (db.BillStatus, error) {
	to, ok := transitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: bill is %s, cannot apply %s", ErrConcurrentModification, from, event)
	}
	return to, nil
}

// IsTerminal reports whether no event can move a bill out of status.
func IsTerminal(status db.BillStatus) bool {
	return len(transitions[status]) == 0
}

// MarkPaid applies EventProofAccepted to bill in place.
func MarkPaid(bill *db.Bill, proofRef string, at time.Time) error {
	next, err := NextStatus(bill.Status, EventProofAccepted)
	if err != nil {
		return err
	}
	bill.Status = next
	bill.ProofRef = &proofRef
	bill.PaidAt = &at
	return nil
}
