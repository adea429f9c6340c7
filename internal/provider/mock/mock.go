// Package mock provides deterministic in-process providers for local
// development and demos. Outcomes depend only on the request:
//
//	card ending 0002          declined
//	card ending 0051          declined, NSF
//	card ending 3220          3DS challenge (also when ForceThreeDS is set)
//	PaRes "declined"          3DS completion declined
//	query with status=declined simplified completion declined
//	email @blacklist.test     blacklisted by fraud
//	email containing captcha  captcha required
package mock

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

const (
	DeclineSuffix   = "0002"
	NSFSuffix       = "0051"
	ThreeDSSuffix   = "3220"
	DeclinedPaRes   = "declined"
	BlacklistDomain = "@blacklist.test"
	CaptchaMarker   = "captcha"
)

// TransactionService answers submissions without contacting a biller.
type TransactionService struct {
	// AuthURL is the bank page returned in challenges.
	AuthURL string
}

func NewTransactionService(authURL string) *TransactionService {
	return &TransactionService{AuthURL: authURL}
}

func (s *TransactionService) Submit(_ context.Context, req *provider.SubmitRequest) (*provider.Outcome, error) {
	if req.ReuseCardFromTransactionID.IsZero() && req.Payment == nil {
		return nil, apperrors.InvalidInput("payment info is required")
	}
	out := &provider.Outcome{TransactionID: domain.NewTransactionID()}

	card := req.Credentials.CardNumber
	switch {
	case !req.ReuseCardFromTransactionID.IsZero():
		out.Status = domain.TransactionApproved
	case strings.HasSuffix(card, NSFSuffix):
		out.Status = domain.TransactionDeclined
		out.IsNSF = true
		out.Reason = "insufficient funds"
	case strings.HasSuffix(card, DeclineSuffix):
		out.Status = domain.TransactionDeclined
		out.Reason = "card declined"
	case strings.HasSuffix(card, ThreeDSSuffix) || req.ForceThreeDS:
		out.Status = domain.TransactionPending
		// Cards flagged for 3DS need a device lookup first; forced 3DS
		// goes straight to the bank.
		out.ThreeDS = &provider.StepUpChallenge{TransactionID: out.TransactionID, Version: 2}
		if !strings.HasSuffix(card, ThreeDSSuffix) {
			out.ThreeDS = s.challenge(out.TransactionID)
		}
	default:
		out.Status = domain.TransactionApproved
	}
	return out, nil
}

func (s *TransactionService) Lookup3DS(_ context.Context, req *provider.LookupRequest) (*provider.LookupResult, error) {
	if req.DeviceFingerprintID == "" {
		return nil, apperrors.InvalidInput("device fingerprint id is required")
	}
	if strings.HasSuffix(req.Credentials.CardNumber, DeclineSuffix) {
		return &provider.LookupResult{Outcome: &provider.Outcome{
			Status:        domain.TransactionDeclined,
			TransactionID: req.TransactionID,
			Reason:        "lookup declined",
		}}, nil
	}
	return &provider.LookupResult{Challenge: s.challenge(req.TransactionID)}, nil
}

func (s *TransactionService) Complete3DS(_ context.Context, req *provider.CompleteRequest) (*provider.Outcome, error) {
	out := &provider.Outcome{TransactionID: req.TransactionID, Status: domain.TransactionApproved}
	if req.PaRes == DeclinedPaRes {
		out.Status = domain.TransactionDeclined
		out.Reason = "authentication failed"
	}
	return out, nil
}

func (s *TransactionService) SimplifiedComplete3DS(_ context.Context, req *provider.SimplifiedCompleteRequest) (*provider.Outcome, error) {
	q, err := url.ParseQuery(req.Query)
	if err != nil {
		return nil, apperrors.InvalidInput(fmt.Sprintf("malformed query: %v", err))
	}
	out := &provider.Outcome{TransactionID: req.TransactionID, Status: domain.TransactionApproved}
	if q.Get("status") == "declined" {
		out.Status = domain.TransactionDeclined
		out.Reason = "authentication failed"
	}
	return out, nil
}

func (s *TransactionService) challenge(id domain.TransactionID) *provider.StepUpChallenge {
	return &provider.StepUpChallenge{
		TransactionID: id,
		AuthURL:       s.AuthURL,
		PaReq:         "mock-pareq-" + id.String(),
		MD:            id.String(),
		Version:       2,
	}
}

// FraudService derives advice from the purchaser's email.
type FraudService struct{}

func (FraudService) RetrieveAdvice(_ context.Context, req *provider.FraudRequest) (domain.FraudAdvice, error) {
	email := strings.ToLower(req.User.Email)
	return domain.FraudAdvice{
		Blacklist:       strings.HasSuffix(email, BlacklistDomain),
		CaptchaRequired: strings.Contains(email, CaptchaMarker),
	}, nil
}

// ConfigService serves one static cascade per payment type.
type ConfigService struct {
	PostbackURL string
	// NSFSites enable cross-sale continuation after an NSF decline.
	NSFSites map[string]bool
}

func (c *ConfigService) Cascade(_ context.Context, _ string, paymentType domain.PaymentType) (domain.BillerCollection, int, error) {
	var billers domain.BillerCollection
	var err error
	if paymentType == domain.PaymentTypeChecks {
		billers, err = domain.NewBillerCollection(domain.BillerNetbilling)
	} else {
		billers, err = domain.NewBillerCollection(domain.BillerRocketgate, domain.BillerNetbilling)
	}
	if err != nil {
		return domain.BillerCollection{}, 0, err
	}
	return billers, billers.Len(), nil
}

func (c *ConfigService) BillerMapping(_ context.Context, siteID string, biller domain.Biller, bin string) (*domain.BillerMapping, error) {
	m := &domain.BillerMapping{Biller: biller, SiteID: siteID}
	switch biller {
	case domain.BillerRocketgate:
		m.Fields = domain.RocketgateFields{MerchantID: "mock-merchant", MerchantPassword: "mock", MerchantSiteID: siteID}
	case domain.BillerNetbilling:
		m.Fields = domain.NetbillingFields{AccountID: "mock-account", SiteTag: siteID}
	case domain.BillerEpoch:
		m.Fields = domain.EpochFields{ClientID: "mock-client"}
	case domain.BillerQysso:
		m.Fields = domain.QyssoFields{CompanyNum: "mock-company"}
	default:
		return nil, apperrors.NotFound("biller mapping", string(biller))
	}
	if bin != "" {
		m.BinRoutingCodes = []string{"BIN-" + bin}
	}
	return m, nil
}

func (c *ConfigService) Site(_ context.Context, siteID string) (*domain.SiteConfig, error) {
	return &domain.SiteConfig{
		SiteID:                   siteID,
		PostbackURL:              c.PostbackURL,
		CrossSellEnabled:         true,
		NSFCrossSellContinuation: c.NSFSites[siteID],
	}, nil
}

var (
	_ provider.TransactionService  = (*TransactionService)(nil)
	_ provider.FraudService        = FraudService{}
	_ provider.BillerConfigService = (*ConfigService)(nil)
)
