// Package queue defines message payloads exchanged over the message broker.
package queue

// TransactionTerminalEvent is published when a transaction reaches a
// terminal state. It carries enough information for downstream
// consumers to log, notify, or trigger analytics without querying the
// primary database.
type TransactionTerminalEvent struct {
	TransactionID  string `json:"transaction_id"`
	BuyerID        uint64 `json:"buyer_id"`
	EventID        uint64 `json:"event_id"`
	State          string `json:"state"`
	RollbackState  string `json:"rollback_state"`
	AmountDueCents int64  `json:"amount_due_cents"`
	TerminalAt     string `json:"terminal_at"`
}

// RollbackAlertEvent is published when a transaction's rollback has
// failed at least the configured number of attempts and requires
// operator attention. The transaction stays eligible for retries; the
// alert exists so a stuck rollback surfaces to operations instead of
// being discovered by accident.
type RollbackAlertEvent struct {
	TransactionID string `json:"transaction_id"`
	BuyerID       uint64 `json:"buyer_id"`
	State         string `json:"state"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
	RaisedAt      string `json:"raised_at"`
}
