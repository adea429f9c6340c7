package domain

import (
	"time"
)

// TransactionStatus is the biller outcome of one submission.
type TransactionStatus string

const (
	TransactionApproved TransactionStatus = "approved"
	TransactionDeclined TransactionStatus = "declined"
	TransactionPending  TransactionStatus = "pending"
	TransactionAborted  TransactionStatus = "aborted"
)

// Transaction is one biller interaction. Once recorded it is never changed.
type Transaction struct {
	TransactionID TransactionID     `json:"transaction_id"`
	Status        TransactionStatus `json:"status"`
	Biller        Biller            `json:"biller"`
	IsNSF         bool              `json:"is_nsf"`
	ThreeDSecured bool              `json:"three_d_secured"`
	Reason        string            `json:"reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// TransactionCollection is an append-only log.
type TransactionCollection struct {
	txs []Transaction
}

func (c *TransactionCollection) add(tx Transaction) {
	c.txs = append(c.txs, tx)
}

func (c TransactionCollection) Len() int { return len(c.txs) }

// Last returns the most recent transaction.
func (c TransactionCollection) Last() (Transaction, bool) {
	if len(c.txs) == 0 {
		return Transaction{}, false
	}
	return c.txs[len(c.txs)-1], true
}

// All returns a copy of the log.
func (c TransactionCollection) All() []Transaction {
	out := make([]Transaction, len(c.txs))
	copy(out, c.txs)
	return out
}

// Tax is the tax breakdown of a charge, in minor units.
type Tax struct {
	Amount int64   `json:"amount"`
	Rate   float64 `json:"rate"`
	Name   string  `json:"name,omitempty"`
}

// ChargeInformation describes what an item costs. Amounts are minor units.
type ChargeInformation struct {
	InitialAmount int64  `json:"initial_amount"`
	InitialDays   int    `json:"initial_days"`
	RebillAmount  int64  `json:"rebill_amount,omitempty"`
	RebillDays    int    `json:"rebill_days,omitempty"`
	Currency      string `json:"currency"`
	Tax           *Tax   `json:"tax,omitempty"`
}

// IsRebilling reports whether the item renews.
func (c ChargeInformation) IsRebilling() bool {
	return c.RebillDays > 0
}

// InitializedItem is one purchasable line. The first item of a purchase is
// the main product; the rest are cross-sales.
type InitializedItem struct {
	ItemID      ItemID
	BundleID    string
	AddonID     string
	SiteID      string
	Charge      ChargeInformation
	IsCrossSale bool
	IsSelected  bool

	transactions TransactionCollection
}

// ItemStatus summarises an item for results and postbacks.
type ItemStatus string

const (
	ItemNotAttempted ItemStatus = "not_attempted"
	ItemApproved     ItemStatus = "approved"
	ItemDeclined     ItemStatus = "declined"
	ItemPending      ItemStatus = "pending"
	ItemAborted      ItemStatus = "aborted"
)

func (i *InitializedItem) Transactions() TransactionCollection { return i.transactions }

func (i *InitializedItem) last() (Transaction, bool) { return i.transactions.Last() }

func (i *InitializedItem) WasAttempted() bool { return i.transactions.Len() > 0 }

func (i *InitializedItem) WasSuccessful() bool {
	tx, ok := i.last()
	return ok && tx.Status == TransactionApproved
}

func (i *InitializedItem) WasPending() bool {
	tx, ok := i.last()
	return ok && tx.Status == TransactionPending
}

func (i *InitializedItem) WasNSF() bool {
	tx, ok := i.last()
	return ok && tx.IsNSF
}

func (i *InitializedItem) Status() ItemStatus {
	tx, ok := i.last()
	if !ok {
		return ItemNotAttempted
	}
	return ItemStatus(tx.Status)
}

// ThreeDSInfo is the state of an in-flight 3-D Secure leg.
type ThreeDSInfo struct {
	TransactionID TransactionID `json:"transaction_id"`
	Biller        Biller        `json:"biller"`
	AuthURL       string        `json:"auth_url,omitempty"`
	PaReq         string        `json:"pareq,omitempty"`
	MD            string        `json:"md,omitempty"`
	Version       int           `json:"version,omitempty"`
	Completed     bool          `json:"completed"`
}

// ProcessedItem is the settled view of an item in a finalized purchase.
type ProcessedItem struct {
	ItemID       ItemID
	IsCrossSale  bool
	Status       ItemStatus
	Transactions []Transaction
}

// Purchase is the result of a processed purchase process.
type Purchase struct {
	PurchaseID     PurchaseID
	MemberID       MemberID
	ProcessedItems []ProcessedItem
}
