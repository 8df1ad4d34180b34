// internal/stream/types.go
package stream

import "time"

// Commitment levels accepted by the feed.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// SubscribeRequest is the first frame sent after dialing. The feed scopes
// the stream to transactions touching the named programs, with votes and
// failed transactions filtered server-side.
type SubscribeRequest struct {
	Transactions map[string]TransactionFilter `json:"transactions,omitempty"`
	Accounts     map[string]AccountFilter     `json:"accounts,omitempty"`
	Commitment   string                       `json:"commitment,omitempty"`

	// Resume point; nil means the tip of the chain.
	FromSlot *uint64 `json:"from_slot,omitempty"`
}

// TransactionFilter scopes a transaction subscription.
type TransactionFilter struct {
	AccountInclude []string `json:"account_include,omitempty"`
	Vote           *bool    `json:"vote,omitempty"`
	Failed         *bool    `json:"failed,omitempty"`
}

// AccountFilter scopes an account subscription by owner program.
type AccountFilter struct {
	Owner []string `json:"owner,omitempty"`
}

// Ping is a keepalive probe from the feed; the client echoes the id back.
type Ping struct {
	ID int `json:"id"`
}

// Pong answers a Ping.
type Pong struct {
	ID int `json:"id"`
}

// TransactionUpdate is one confirmed transaction.
type TransactionUpdate struct {
	Signature string   `json:"signature"`
	Slot      uint64   `json:"slot"`
	BlockTime int64    `json:"block_time"`
	Accounts  []string `json:"accounts"`
	Logs      []string `json:"logs"`
	Data      []byte   `json:"data,omitempty"`
	Vote      bool     `json:"vote,omitempty"`
	Failed    bool     `json:"failed,omitempty"`
}

// AccountUpdate is one account mutation.
type AccountUpdate struct {
	Pubkey   string `json:"pubkey"`
	Owner    string `json:"owner"`
	Lamports uint64 `json:"lamports"`
	Data     []byte `json:"data"`
	Slot     uint64 `json:"slot"`
}

// Update is one inbound frame; exactly one field is set.
type Update struct {
	Ping        *Ping              `json:"ping,omitempty"`
	Pong        *Pong              `json:"pong,omitempty"`
	Transaction *TransactionUpdate `json:"transaction,omitempty"`
	Account     *AccountUpdate     `json:"account,omitempty"`

	// Frame size in bytes, set by the transport. Not part of the wire format.
	Size int `json:"-"`
}

// BlockTimestamp converts the update's unix block time, falling back to the
// zero time when the feed omitted it.
func (t *TransactionUpdate) BlockTimestamp() time.Time {
	if t.BlockTime == 0 {
		return time.Time{}
	}
	return time.Unix(t.BlockTime, 0).UTC()
}
