package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/metrics"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
	"github.com/kostush/purchase-gateway-sub005/pkg/tracing"
)

// Lookup forwards device data for a session waiting on a 3DS lookup. The
// biller either settles the transaction or asks for a bank challenge.
func (s *PurchaseService) Lookup(ctx context.Context, input *LookupInput) (_ *PurchaseResult, err error) {
	sid, err := domain.ParseSessionID(input.SessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracerComponent, "PurchaseService.Lookup", sid.String())
	defer func() { tracing.End(span, err) }()

	p, err := s.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	if p.IsTerminal() {
		return nil, s.alreadyProcessed(ctx, p)
	}
	if p.State() != domain.StateThreeDLookupPending {
		return nil, domain.IllegalOperation("3DS lookup", p.State())
	}

	site, err := s.config.Site(ctx, p.EntrySiteID())
	if err != nil {
		return nil, fmt.Errorf("get site config: %w", err)
	}
	info := p.ThreeDS()
	mapping, err := s.config.BillerMapping(ctx, p.EntrySiteID(), info.Biller, domain.Bin(p.PaymentInfo()))
	if err != nil {
		return nil, fmt.Errorf("get %s mapping: %w", info.Biller, err)
	}

	termURL := input.TermURL
	if termURL == "" {
		termURL = s.completeURL(sid)
	}
	creds := domain.ChargeCredentials{CardNumber: input.CardNumber, CVV: input.CVV}
	// A lookup reaches the biller but replays the pending transaction, so
	// the submit number stays put.
	c := &charge{proc: p, site: site, creds: creds, submitted: true}

	res, err := s.transactions.Lookup3DS(ctx, &provider.LookupRequest{
		SessionID:           sid,
		TransactionID:       info.TransactionID,
		Biller:              info.Biller,
		Mapping:             mapping,
		Credentials:         creds,
		DeviceFingerprintID: input.DeviceFingerprintID,
		TermURL:             termURL,
	})
	if err == nil {
		err = validateLookup(res)
	}
	if err != nil {
		if rerr := s.recordAbort(ctx, c, p.MainItem(), info.Biller, err); rerr != nil {
			return nil, rerr
		}
		return s.settle(ctx, c, mainAborted)
	}

	if ch := res.Challenge; ch != nil {
		if err := p.UpdateThreeDSChallenge(ch.AuthURL, ch.PaReq, ch.MD, ch.Version); err != nil {
			return nil, err
		}
		if err := s.transition(ctx, p, domain.StateThreeDAuthenticatePending); err != nil {
			return nil, err
		}
		return s.settle(ctx, c, mainChallenged)
	}

	out, err := s.runCascade(ctx, c, res.Outcome)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, c, out)
}

func validateLookup(res *provider.LookupResult) error {
	switch {
	case res == nil || (res.Outcome == nil && res.Challenge == nil):
		return fmt.Errorf("empty 3DS lookup result")
	case res.Outcome != nil && res.Challenge != nil:
		return fmt.Errorf("3DS lookup returned both an outcome and a challenge")
	case res.Challenge != nil:
		if res.Challenge.AuthURL == "" {
			return fmt.Errorf("3DS lookup challenge has no auth url")
		}
		return nil
	}
	return provider.ValidateOutcome(res.Outcome)
}

// Authenticate returns the bank redirect of a session waiting on the
// cardholder. It changes nothing.
func (s *PurchaseService) Authenticate(ctx context.Context, rawSID string) (*PurchaseResult, error) {
	sid, err := domain.ParseSessionID(rawSID)
	if err != nil {
		return nil, err
	}
	p, err := s.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	if p.IsTerminal() {
		return nil, s.alreadyProcessed(ctx, p)
	}
	if p.State() != domain.StateThreeDAuthenticatePending {
		return nil, domain.IllegalOperation("3DS authenticate", p.State())
	}
	return s.result(p), nil
}

type completeCall func(ctx context.Context, p *domain.PurchaseProcess, info domain.ThreeDSInfo) (*provider.Outcome, error)

// Complete finishes a 3DS leg with the PaRes and MD the bank posted back.
func (s *PurchaseService) Complete(ctx context.Context, input *CompleteInput) (*PurchaseResult, error) {
	if strings.TrimSpace(input.PaRes) == "" || strings.TrimSpace(input.MD) == "" {
		return nil, domain.MissingMandatoryCompleteParameters()
	}
	return s.complete(ctx, input.SessionID, "PurchaseService.Complete", input.MD,
		func(ctx context.Context, p *domain.PurchaseProcess, info domain.ThreeDSInfo) (*provider.Outcome, error) {
			return s.transactions.Complete3DS(ctx, &provider.CompleteRequest{
				SessionID:     p.SessionID(),
				TransactionID: info.TransactionID,
				Biller:        info.Biller,
				PaRes:         input.PaRes,
				MD:            input.MD,
			})
		})
}

// SimplifiedComplete finishes a 3DS leg from the bank's redirect query.
func (s *PurchaseService) SimplifiedComplete(ctx context.Context, input *SimplifiedCompleteInput) (*PurchaseResult, error) {
	query := strings.TrimPrefix(input.Query, "?")
	if strings.TrimSpace(query) == "" {
		return nil, domain.MissingMandatoryCompleteParameters()
	}
	return s.complete(ctx, input.SessionID, "PurchaseService.SimplifiedComplete", "",
		func(ctx context.Context, p *domain.PurchaseProcess, info domain.ThreeDSInfo) (*provider.Outcome, error) {
			return s.transactions.SimplifiedComplete3DS(ctx, &provider.SimplifiedCompleteRequest{
				SessionID:     p.SessionID(),
				TransactionID: info.TransactionID,
				Biller:        info.Biller,
				Query:         query,
			})
		})
}

func (s *PurchaseService) complete(ctx context.Context, rawSID, spanName, md string, call completeCall) (_ *PurchaseResult, err error) {
	sid, err := domain.ParseSessionID(rawSID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracerComponent, spanName, sid.String())
	defer func() { tracing.End(span, err) }()

	var result *PurchaseResult
	err = s.guard.WithLock(ctx, sid, func(ctx context.Context) error {
		r, err := s.completeLocked(ctx, sid, md, call)
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PurchaseService) completeLocked(ctx context.Context, sid domain.SessionID, md string, call completeCall) (*PurchaseResult, error) {
	p, err := s.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	if !p.State().IsThreeDPending() {
		return nil, s.alreadyProcessed(ctx, p)
	}

	marker, err := s.store.GetMarker(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("read submission marker: %w", err)
	}
	if marker != nil && marker.SubmitNumber > p.GatewaySubmitNumber() {
		metrics.ReconciliationRequired.Inc()
		s.logger.ErrorContext(ctx, "unconfirmed biller submission found, refusing to resubmit",
			slog.Bool("manual_reconciliation", true),
			slog.String("session_id", sid.String()),
			slog.Int("marker_submit_number", marker.SubmitNumber),
			slog.Int("stored_submit_number", p.GatewaySubmitNumber()),
		)
		return nil, domain.ReconciliationRequired(sid)
	}

	info := *p.ThreeDS()
	if md != "" && info.MD != "" && info.MD != md {
		return nil, apperrors.InvalidInput("MD does not match the pending 3DS authentication")
	}

	site, err := s.config.Site(ctx, p.EntrySiteID())
	if err != nil {
		return nil, fmt.Errorf("get site config: %w", err)
	}
	if p.State() == domain.StateThreeDLookupPending {
		if err := s.transition(ctx, p, domain.StateThreeDAuthenticatePending); err != nil {
			return nil, err
		}
	}

	c := &charge{proc: p, site: site, submitted: true}
	out, err := call(ctx, p, info)
	if err == nil {
		err = provider.ValidateOutcome(out)
	}
	if err != nil {
		if rerr := s.recordAbort(ctx, c, p.MainItem(), info.Biller, err); rerr != nil {
			return nil, rerr
		}
		return s.settle(ctx, c, mainAborted)
	}

	if err := p.CompleteThreeDS(); err != nil {
		return nil, err
	}
	res, err := s.runCascade(ctx, c, out)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, c, res)
}
