// Package provider declares the downstream collaborators of the purchase
// engine: the transaction service that talks to billers, the fraud service
// and the biller configuration service.
package provider

import (
	"context"
	"fmt"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
)

// StepUpChallenge is returned when the biller demands 3-D Secure. An empty
// AuthURL means a device lookup is needed before the bank redirect.
type StepUpChallenge struct {
	TransactionID domain.TransactionID
	AuthURL       string
	PaReq         string
	MD            string
	Version       int
}

// Outcome is the biller's answer to one submission.
type Outcome struct {
	Status        domain.TransactionStatus
	TransactionID domain.TransactionID
	IsNSF         bool
	Reason        string
	ThreeDS       *StepUpChallenge
}

// SubmitRequest is a charge of one item on one biller.
type SubmitRequest struct {
	SessionID   domain.SessionID
	SiteID      string
	Biller      domain.Biller
	Mapping     *domain.BillerMapping
	Charge      domain.ChargeInformation
	Payment     domain.PaymentInfo
	Credentials domain.ChargeCredentials
	User        domain.UserInfo
	MemberID    domain.MemberID

	// IdempotencyKey lets the transaction service recognise a replay.
	IdempotencyKey string
	ForceThreeDS   bool
	// ReuseCardFromTransactionID charges the card of an earlier transaction
	// when credentials are no longer available (after a 3DS leg).
	ReuseCardFromTransactionID domain.TransactionID
	IsCrossSale                bool
	TermURL                    string
}

// LookupRequest sends device data for a pending 3DS transaction.
type LookupRequest struct {
	SessionID           domain.SessionID
	TransactionID       domain.TransactionID
	Biller              domain.Biller
	Mapping             *domain.BillerMapping
	Credentials         domain.ChargeCredentials
	DeviceFingerprintID string
	TermURL             string
}

// LookupResult carries either a final outcome or a challenge.
type LookupResult struct {
	Outcome   *Outcome
	Challenge *StepUpChallenge
}

type CompleteRequest struct {
	SessionID     domain.SessionID
	TransactionID domain.TransactionID
	Biller        domain.Biller
	PaRes         string
	MD            string
}

type SimplifiedCompleteRequest struct {
	SessionID     domain.SessionID
	TransactionID domain.TransactionID
	Biller        domain.Biller
	// Query is the bank's opaque query string, forwarded verbatim.
	Query string
}

// TransactionService submits charges to billers. Transport failures come
// back as errors, never as outcomes.
type TransactionService interface {
	Submit(ctx context.Context, req *SubmitRequest) (*Outcome, error)
	Lookup3DS(ctx context.Context, req *LookupRequest) (*LookupResult, error)
	Complete3DS(ctx context.Context, req *CompleteRequest) (*Outcome, error)
	SimplifiedComplete3DS(ctx context.Context, req *SimplifiedCompleteRequest) (*Outcome, error)
}

// FraudStage tells the fraud service which checkpoint is asking.
type FraudStage string

const (
	FraudStageInit    FraudStage = "init"
	FraudStageProcess FraudStage = "process"
)

type FraudRequest struct {
	SessionID domain.SessionID
	SiteID    string
	Stage     FraudStage
	User      domain.UserInfo
	Payment   domain.PaymentInfo
	Bin       string
}

type FraudService interface {
	RetrieveAdvice(ctx context.Context, req *FraudRequest) (domain.FraudAdvice, error)
}

// BillerConfigService resolves cascades, biller credentials and bin routing.
type BillerConfigService interface {
	Cascade(ctx context.Context, siteID string, paymentType domain.PaymentType) (domain.BillerCollection, int, error)
	BillerMapping(ctx context.Context, siteID string, biller domain.Biller, bin string) (*domain.BillerMapping, error)
	Site(ctx context.Context, siteID string) (*domain.SiteConfig, error)
}

// ValidateOutcome rejects answers the engine cannot act on.
func ValidateOutcome(o *Outcome) error {
	if o == nil {
		return fmt.Errorf("empty outcome")
	}
	switch o.Status {
	case domain.TransactionApproved, domain.TransactionDeclined, domain.TransactionAborted:
	case domain.TransactionPending:
		if o.ThreeDS == nil {
			return fmt.Errorf("pending outcome without a 3DS challenge")
		}
	default:
		return fmt.Errorf("unknown transaction status %q", o.Status)
	}
	return nil
}
