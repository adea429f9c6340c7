package repository

import (
	"context"
	"time"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
)

// SubmissionMarker is written before every biller submission so that a
// crash between submitting and persisting can be detected on replay.
type SubmissionMarker struct {
	State        domain.State `json:"state"`
	SubmitNumber int          `json:"submit_number"`
	WrittenAt    time.Time    `json:"written_at"`
}

// SessionStore persists purchase processes.
type SessionStore interface {
	// Get loads a session. Absent sessions yield an apperrors NotFound.
	Get(ctx context.Context, sid domain.SessionID) (*domain.PurchaseProcess, error)

	// Save writes p only if the stored version still equals p.Version()
	// and bumps the version on success. A stale write fails with
	// domain.ErrVersionConflict.
	Save(ctx context.Context, p *domain.PurchaseProcess) error

	// SetIfAbsent claims key for ttl and reports whether it was claimed.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) error

	PutMarker(ctx context.Context, sid domain.SessionID, m SubmissionMarker) error

	// GetMarker returns nil when no marker exists.
	GetMarker(ctx context.Context, sid domain.SessionID) (*SubmissionMarker, error)
}

// ReconciliationEntry records a terminal outcome the store failed to persist
// after a biller had already been charged.
type ReconciliationEntry struct {
	ID           int64
	SessionID    domain.SessionID
	State        domain.State
	SubmitNumber int
	Biller       domain.Biller
	Transactions []domain.TransactionID
	Reason       string
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

// ReconciliationRepository is the ledger operators work from.
type ReconciliationRepository interface {
	Record(ctx context.Context, e *ReconciliationEntry) error
	ListOpen(ctx context.Context, limit int) ([]ReconciliationEntry, error)
	Resolve(ctx context.Context, id int64) error
}

const keyPrefix = "purchase:"

func SessionKey(sid domain.SessionID) string  { return keyPrefix + "session:" + sid.String() }
func VersionKey(sid domain.SessionID) string  { return SessionKey(sid) + ":version" }
func LockKey(sid domain.SessionID) string     { return keyPrefix + "lock:" + sid.String() }
func MarkerKey(sid domain.SessionID) string   { return keyPrefix + "submission:" + sid.String() }
func PostbackKey(sid domain.SessionID) string { return keyPrefix + "postback:" + sid.String() }

// SessionKeys lists every key owned by a session except its lock.
func SessionKeys(sid domain.SessionID) []string {
	return []string{SessionKey(sid), VersionKey(sid), MarkerKey(sid), PostbackKey(sid)}
}
