package domain

import (
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

type (
	sessionTag     struct{}
	purchaseTag    struct{}
	transactionTag struct{}
	memberTag      struct{}
	itemTag        struct{}
)

// ID is a UUID tagged with the kind of entity it identifies, so a session id
// cannot be passed where a transaction id is expected.
type ID[T any] struct {
	uuid uuid.UUID
}

type (
	SessionID     = ID[sessionTag]
	PurchaseID    = ID[purchaseTag]
	TransactionID = ID[transactionTag]
	MemberID      = ID[memberTag]
	ItemID        = ID[itemTag]
)

func NewSessionID() SessionID         { return SessionID{uuid: uuid.New()} }
func NewPurchaseID() PurchaseID       { return PurchaseID{uuid: uuid.New()} }
func NewTransactionID() TransactionID { return TransactionID{uuid: uuid.New()} }
func NewMemberID() MemberID           { return MemberID{uuid: uuid.New()} }
func NewItemID() ItemID               { return ItemID{uuid: uuid.New()} }

func ParseSessionID(s string) (SessionID, error)         { return parseID[sessionTag]("session id", s) }
func ParsePurchaseID(s string) (PurchaseID, error)       { return parseID[purchaseTag]("purchase id", s) }
func ParseTransactionID(s string) (TransactionID, error) { return parseID[transactionTag]("transaction id", s) }
func ParseMemberID(s string) (MemberID, error)           { return parseID[memberTag]("member id", s) }
func ParseItemID(s string) (ItemID, error)               { return parseID[itemTag]("item id", s) }

func parseID[T any](kind, s string) (ID[T], error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ID[T]{}, apperrors.InvalidInput(fmt.Sprintf("invalid %s %q", kind, s))
	}
	return ID[T]{uuid: u}, nil
}

// IDFromUUID tags an existing UUID.
func IDFromUUID[T any](u uuid.UUID) ID[T] {
	return ID[T]{uuid: u}
}

// UUID returns the underlying value.
func (id ID[T]) UUID() uuid.UUID { return id.uuid }

// IsZero reports whether the id was never assigned.
func (id ID[T]) IsZero() bool { return id.uuid == uuid.Nil }

// String returns the canonical form, or "" for the zero id.
func (id ID[T]) String() string {
	if id.IsZero() {
		return ""
	}
	return id.uuid.String()
}

func (id ID[T]) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID[T]) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID[T]{}
		return nil
	}
	u, err := uuid.ParseBytes(b)
	if err != nil {
		return fmt.Errorf("parse id %q: %w", string(b), err)
	}
	id.uuid = u
	return nil
}
