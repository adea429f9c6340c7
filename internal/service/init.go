package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
	"github.com/kostush/purchase-gateway-sub005/pkg/tracing"
)

// Init creates a purchase session in the pending state. A session id
// supplied by the caller must not exist yet.
func (s *PurchaseService) Init(ctx context.Context, input *InitInput) (_ *PurchaseResult, err error) {
	sid := domain.NewSessionID()
	if input.SessionID != "" {
		if sid, err = domain.ParseSessionID(input.SessionID); err != nil {
			return nil, err
		}
	}
	ctx, span := tracing.StartSpan(ctx, tracerComponent, "PurchaseService.Init", sid.String())
	defer func() { tracing.End(span, err) }()

	paymentType, err := domain.ParsePaymentType(input.PaymentType)
	if err != nil {
		return nil, err
	}
	if !s.signer.HasKey(input.PublicKeyIndex) {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown public key index %d", input.PublicKeyIndex))
	}
	var memberID domain.MemberID
	if input.MemberID != "" {
		if memberID, err = domain.ParseMemberID(input.MemberID); err != nil {
			return nil, err
		}
	}
	mainItem, err := input.MainItem.toItem(input.SiteID, false)
	if err != nil {
		return nil, err
	}
	crossSales := make([]domain.InitializedItem, 0, len(input.CrossSales))
	for _, in := range input.CrossSales {
		item, err := in.toItem(input.SiteID, true)
		if err != nil {
			return nil, err
		}
		crossSales = append(crossSales, item)
	}

	if _, err := s.store.Get(ctx, sid); err == nil {
		return nil, apperrors.AlreadyExists("purchase session", "session_id", sid.String())
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("check purchase session: %w", err)
	}

	site, err := s.config.Site(ctx, input.SiteID)
	if err != nil {
		return nil, fmt.Errorf("get site config: %w", err)
	}
	billers, maxAttempts, err := s.config.Cascade(ctx, input.SiteID, paymentType)
	if err != nil {
		return nil, fmt.Errorf("get cascade: %w", err)
	}
	cascade, err := domain.NewCascade(billers, maxAttempts)
	if err != nil {
		return nil, err
	}

	postbackURL := input.PostbackURL
	if postbackURL == "" {
		postbackURL = site.PostbackURL
	}

	p, err := domain.NewPurchaseProcess(domain.InitParams{
		SessionID:      sid,
		EntrySiteID:    input.SiteID,
		PaymentType:    paymentType,
		PublicKeyIndex: input.PublicKeyIndex,
		RedirectURL:    input.RedirectURL,
		PostbackURL:    postbackURL,
		MemberID:       memberID,
		Cascade:        cascade,
		MainItem:       mainItem,
		CrossSales:     crossSales,
		ClientIP:       input.ClientIP,
		Email:          input.Email,
	})
	if err != nil {
		return nil, err
	}

	s.applyFraudAdvice(ctx, p, &provider.FraudRequest{
		SessionID: sid,
		SiteID:    input.SiteID,
		Stage:     provider.FraudStageInit,
		User:      p.UserInfo(),
	})
	if p.FraudAdvice().IsBlocking() {
		if err := s.transition(ctx, p, domain.StateBlockedDueToFraudAdvice); err != nil {
			return nil, err
		}
	}

	if err := s.store.Save(ctx, p); err != nil {
		if errors.Is(err, domain.ErrVersionConflict) {
			return nil, apperrors.AlreadyExists("purchase session", "session_id", sid.String())
		}
		return nil, fmt.Errorf("save purchase session: %w", err)
	}

	s.logger.InfoContext(ctx, "purchase session initialized",
		slog.String("session_id", sid.String()),
		slog.String("site_id", input.SiteID),
		slog.String("payment_type", string(paymentType)),
		slog.String("state", string(p.State())),
		slog.Int("cross_sales", len(crossSales)),
	)

	s.publishInitialized(ctx, p)
	if p.IsTerminal() {
		s.deliverPostback(ctx, p)
		s.publishOutcome(ctx, p)
	}
	return s.result(p), nil
}
