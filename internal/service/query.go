package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
)

// GetPurchase returns the current view of a session. Reading a terminal
// session also retries its postback if it is still pending.
func (s *PurchaseService) GetPurchase(ctx context.Context, rawSID string) (*PurchaseResult, error) {
	sid, err := domain.ParseSessionID(rawSID)
	if err != nil {
		return nil, err
	}
	p, err := s.load(ctx, sid)
	if err != nil {
		return nil, err
	}
	s.deliverPostback(ctx, p)
	return s.result(p), nil
}

// ReleaseSession drops a terminal session once its postback was delivered.
func (s *PurchaseService) ReleaseSession(ctx context.Context, sid domain.SessionID) error {
	p, err := s.load(ctx, sid)
	if err != nil {
		return err
	}
	if !p.IsTerminal() {
		return domain.IllegalOperation("release session", p.State())
	}
	if err := s.store.Delete(ctx, repository.SessionKeys(sid)...); err != nil {
		return fmt.Errorf("release purchase session: %w", err)
	}

	s.logger.InfoContext(ctx, "purchase session released",
		slog.String("session_id", sid.String()),
		slog.String("state", string(p.State())),
	)
	return nil
}
