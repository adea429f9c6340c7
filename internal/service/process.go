package service

import (
	"context"
	"fmt"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	"github.com/kostush/purchase-gateway-sub005/pkg/tracing"
)

// Process takes the payment template of a pending session and charges the
// main item through the cascade, then any eligible cross-sales.
func (s *PurchaseService) Process(ctx context.Context, input *ProcessInput) (_ *PurchaseResult, err error) {
	sid, err := domain.ParseSessionID(input.SessionID)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartSpan(ctx, tracerComponent, "PurchaseService.Process", sid.String())
	defer func() { tracing.End(span, err) }()

	p, err := s.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	if p.IsTerminal() {
		return nil, s.alreadyProcessed(ctx, p)
	}
	if p.State() != domain.StatePending {
		return nil, domain.IllegalStateTransition(p.State(), domain.StateValid)
	}

	payment, creds, err := input.Payment.toPayment()
	if err != nil {
		return nil, err
	}
	selected := make([]domain.ItemID, 0, len(input.SelectedCrossSales))
	for _, raw := range input.SelectedCrossSales {
		id, err := domain.ParseItemID(raw)
		if err != nil {
			return nil, err
		}
		selected = append(selected, id)
	}
	if err := p.SetUserInfo(input.User.toUserInfo()); err != nil {
		return nil, err
	}
	if err := p.SetPaymentInfo(payment); err != nil {
		return nil, err
	}
	if err := p.SelectCrossSales(selected); err != nil {
		return nil, err
	}

	site, err := s.config.Site(ctx, p.EntrySiteID())
	if err != nil {
		return nil, fmt.Errorf("get site config: %w", err)
	}

	s.applyFraudAdvice(ctx, p, &provider.FraudRequest{
		SessionID: sid,
		SiteID:    p.EntrySiteID(),
		Stage:     provider.FraudStageProcess,
		User:      p.UserInfo(),
		Payment:   payment,
		Bin:       domain.Bin(payment),
	})
	c := &charge{proc: p, site: site, creds: creds}

	if p.FraudAdvice().IsBlocking() {
		if err := s.transition(ctx, p, domain.StateBlockedDueToFraudAdvice); err != nil {
			return nil, err
		}
		return s.finalize(ctx, c)
	}
	if p.FraudAdvice().CaptchaRequired && !input.CaptchaValidated {
		if err := s.save(ctx, p); err != nil {
			return nil, err
		}
		return s.result(p), nil
	}

	// The write of the valid state claims the command: a concurrent
	// duplicate holding the same version loses the compare-and-set.
	if err := s.transition(ctx, p, domain.StateValid); err != nil {
		return nil, err
	}
	if err := s.save(ctx, p); err != nil {
		return nil, err
	}

	res, err := s.runCascade(ctx, c, nil)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, c, res)
}

func (s *PurchaseService) save(ctx context.Context, p *domain.PurchaseProcess) error {
	if err := s.store.Save(ctx, p); err != nil {
		return fmt.Errorf("save purchase session: %w", err)
	}
	return nil
}
