package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/metrics"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
)

// Transaction reasons recorded by the engine itself.
const (
	ReasonTransactionServiceUnavailable = "transaction_service_unavailable"
	ReasonThreeDSNotRepeatable          = "threeds_not_repeatable"
	ReasonCrossSaleStepUpUnsupported    = "cross_sale_step_up_unsupported"
)

// charge is the per-command state of a charging run.
type charge struct {
	proc  *domain.PurchaseProcess
	site  *domain.SiteConfig
	creds domain.ChargeCredentials
	// submitted is set once a biller may have moved money in this command.
	submitted bool
}

type mainResult int

const (
	mainApproved mainResult = iota
	mainChallenged
	mainExhausted
	mainAborted
)

// reuseFrom is the transaction whose card is charged when no credentials
// came with the command.
func (c *charge) reuseFrom() domain.TransactionID {
	if !c.creds.IsZero() {
		return domain.TransactionID{}
	}
	if info := c.proc.ThreeDS(); info != nil {
		return info.TransactionID
	}
	return domain.TransactionID{}
}

// submit sends one item to one biller. The marker is written before the
// call so a crash in between is detectable; the submit number only moves
// once the marker is down.
func (s *PurchaseService) submit(ctx context.Context, c *charge, item *domain.InitializedItem, biller domain.Biller) (*provider.Outcome, error) {
	p := c.proc
	mapping, err := s.config.BillerMapping(ctx, p.EntrySiteID(), biller, domain.Bin(p.PaymentInfo()))
	if err != nil {
		return nil, fmt.Errorf("get %s mapping: %w", biller, err)
	}

	n := p.GatewaySubmitNumber() + 1
	marker := repository.SubmissionMarker{State: p.State(), SubmitNumber: n, WrittenAt: time.Now().UTC()}
	if err := s.store.PutMarker(ctx, p.SessionID(), marker); err != nil {
		return nil, fmt.Errorf("write submission marker: %w", err)
	}
	p.NextSubmitNumber()
	c.submitted = true

	out, err := s.transactions.Submit(ctx, &provider.SubmitRequest{
		SessionID:                  p.SessionID(),
		SiteID:                     p.EntrySiteID(),
		Biller:                     biller,
		Mapping:                    mapping,
		Charge:                     item.Charge,
		Payment:                    p.PaymentInfo(),
		Credentials:                c.creds,
		User:                       p.UserInfo(),
		MemberID:                   p.MemberID(),
		IdempotencyKey:             fmt.Sprintf("%s:%d", p.SessionID(), n),
		ForceThreeDS:               p.FraudAdvice().ForceThreeD,
		ReuseCardFromTransactionID: c.reuseFrom(),
		IsCrossSale:                item.IsCrossSale,
		TermURL:                    s.completeURL(p.SessionID()),
	})
	if err == nil {
		err = provider.ValidateOutcome(out)
	}
	if err != nil {
		metrics.BillerSubmissions.WithLabelValues(string(biller), "error").Inc()
		return nil, fmt.Errorf("submit to %s: %w", biller, err)
	}
	metrics.BillerSubmissions.WithLabelValues(string(biller), string(out.Status)).Inc()

	s.logger.InfoContext(ctx, "biller submission answered",
		slog.String("session_id", p.SessionID().String()),
		slog.String("item_id", item.ItemID.String()),
		slog.String("biller", string(biller)),
		slog.Int("submit_number", n),
		slog.String("status", string(out.Status)),
	)
	return out, nil
}

func (s *PurchaseService) recordAbort(ctx context.Context, c *charge, item *domain.InitializedItem, biller domain.Biller, cause error) error {
	s.logger.ErrorContext(ctx, "transaction service failure, aborting purchase",
		slog.String("session_id", c.proc.SessionID().String()),
		slog.String("item_id", item.ItemID.String()),
		slog.String("biller", string(biller)),
		slog.String("error", cause.Error()),
	)
	return c.proc.RecordTransaction(item.ItemID, domain.Transaction{
		Status: domain.TransactionAborted,
		Biller: biller,
		Reason: ReasonTransactionServiceUnavailable,
	})
}

// runCascade charges the main item. first, when set, is an outcome already
// obtained for the current biller by a 3DS leg; otherwise the loop starts
// with a fresh submission.
func (s *PurchaseService) runCascade(ctx context.Context, c *charge, first *provider.Outcome) (mainResult, error) {
	p := c.proc
	main := p.MainItem()
	out := first

	for {
		biller, ok := p.CurrentBiller()
		if !ok {
			return mainExhausted, nil
		}
		secured := out != nil
		if out == nil {
			var err error
			if out, err = s.submit(ctx, c, main, biller); err != nil {
				if rerr := s.recordAbort(ctx, c, main, biller, err); rerr != nil {
					return 0, rerr
				}
				return mainAborted, nil
			}
		}

		tx := domain.Transaction{
			TransactionID: out.TransactionID,
			Status:        out.Status,
			Biller:        biller,
			IsNSF:         out.IsNSF,
			ThreeDSecured: secured,
			Reason:        out.Reason,
		}

		switch out.Status {
		case domain.TransactionApproved:
			if err := p.RecordTransaction(main.ItemID, tx); err != nil {
				return 0, err
			}
			return mainApproved, nil

		case domain.TransactionPending:
			if !p.ThreeDSUsed() {
				return mainChallenged, s.startThreeDS(ctx, c, biller, tx, out.ThreeDS)
			}
			tx.Status = domain.TransactionAborted
			tx.Reason = ReasonThreeDSNotRepeatable
			s.logger.WarnContext(ctx, "biller asked for a second 3DS leg, treating as decline",
				slog.String("session_id", p.SessionID().String()),
				slog.String("biller", string(biller)),
			)
		}

		if err := p.RecordTransaction(main.ItemID, tx); err != nil {
			return 0, err
		}
		if p.AdvanceCascade() {
			return mainExhausted, nil
		}
		out = nil
	}
}

func (s *PurchaseService) startThreeDS(ctx context.Context, c *charge, biller domain.Biller, tx domain.Transaction, ch *provider.StepUpChallenge) error {
	p := c.proc
	tx.ThreeDSecured = true
	if err := p.RecordTransaction(p.MainItem().ItemID, tx); err != nil {
		return err
	}
	txID := ch.TransactionID
	if txID.IsZero() {
		txID = tx.TransactionID
	}
	if err := p.StartThreeDS(domain.ThreeDSInfo{
		TransactionID: txID,
		Biller:        biller,
		AuthURL:       ch.AuthURL,
		PaReq:         ch.PaReq,
		MD:            ch.MD,
		Version:       ch.Version,
	}); err != nil {
		return err
	}
	next := domain.StateThreeDAuthenticatePending
	if ch.AuthURL == "" {
		next = domain.StateThreeDLookupPending
	}
	return s.transition(ctx, p, next)
}

// chargeCrossSales charges every eligible cross-sale once on the biller
// that handled the main item. Cross-sales never cascade.
func (s *PurchaseService) chargeCrossSales(ctx context.Context, c *charge) error {
	p := c.proc
	main := p.MainItem()
	if c.site == nil || !c.site.CrossSellEnabled {
		return nil
	}
	switch {
	case main.WasSuccessful():
	case main.WasNSF() && s.opts.NSFPolicy(c.site):
	default:
		return nil
	}
	last, _ := main.Transactions().Last()

	for _, cs := range p.CrossSales() {
		if !cs.IsSelected || cs.WasAttempted() {
			continue
		}
		out, err := s.submit(ctx, c, cs, last.Biller)
		if err != nil {
			if rerr := s.recordAbort(ctx, c, cs, last.Biller, err); rerr != nil {
				return rerr
			}
			continue
		}
		tx := domain.Transaction{
			TransactionID: out.TransactionID,
			Status:        out.Status,
			Biller:        last.Biller,
			IsNSF:         out.IsNSF,
			Reason:        out.Reason,
		}
		if out.Status == domain.TransactionPending {
			tx.Status = domain.TransactionAborted
			tx.Reason = ReasonCrossSaleStepUpUnsupported
		}
		if err := p.RecordTransaction(cs.ItemID, tx); err != nil {
			return err
		}
	}
	return nil
}

// settle turns the cascade result into the next state and persists it.
func (s *PurchaseService) settle(ctx context.Context, c *charge, res mainResult) (*PurchaseResult, error) {
	p := c.proc
	var to domain.State
	switch res {
	case mainChallenged:
		if _, err := s.persist(ctx, c); err != nil {
			return nil, err
		}
		return s.result(p), nil
	case mainApproved:
		to = domain.StateProcessed
	case mainExhausted:
		to = domain.StateCascadeBillersExhausted
	default:
		to = domain.StateAborted
	}

	// Cross-sales are recorded before the terminal transition closes the
	// transaction logs.
	if res != mainAborted {
		if err := s.chargeCrossSales(ctx, c); err != nil {
			return nil, err
		}
	}
	if err := s.transition(ctx, p, to); err != nil {
		return nil, err
	}
	return s.finalize(ctx, c)
}

// finalize persists a terminal state and, once it is stored, fires the
// postback and the outcome event.
func (s *PurchaseService) finalize(ctx context.Context, c *charge) (*PurchaseResult, error) {
	p := c.proc
	if p.State() == domain.StateProcessed {
		if err := p.Finalize(domain.NewPurchaseID()); err != nil {
			return nil, err
		}
	}

	stored, err := s.persist(ctx, c)
	if err != nil {
		return nil, err
	}
	if !stored {
		return s.result(p), nil
	}

	if p.State() == domain.StateProcessed {
		if err := s.store.Delete(ctx, repository.MarkerKey(p.SessionID())); err != nil {
			s.logger.WarnContext(ctx, "failed to clear submission marker",
				slog.String("session_id", p.SessionID().String()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.InfoContext(ctx, "purchase finished",
		slog.String("session_id", p.SessionID().String()),
		slog.String("state", string(p.State())),
		slog.Int("submit_number", p.GatewaySubmitNumber()),
	)
	s.deliverPostback(ctx, p)
	s.publishOutcome(ctx, p)
	return s.result(p), nil
}

// persist saves the aggregate. When a biller was already contacted in this
// command a failed write cannot be retried safely: it is recorded for
// manual reconciliation and reported as not stored rather than as an error.
func (s *PurchaseService) persist(ctx context.Context, c *charge) (bool, error) {
	err := s.store.Save(ctx, c.proc)
	if err == nil {
		return true, nil
	}
	if !c.submitted {
		return false, fmt.Errorf("save purchase session: %w", err)
	}
	s.reconcile(ctx, c.proc, err)
	return false, nil
}

func (s *PurchaseService) reconcile(ctx context.Context, p *domain.PurchaseProcess, cause error) {
	metrics.ReconciliationRequired.Inc()

	entry := &repository.ReconciliationEntry{
		SessionID:    p.SessionID(),
		State:        p.State(),
		SubmitNumber: p.GatewaySubmitNumber(),
		Reason:       cause.Error(),
		CreatedAt:    time.Now().UTC(),
	}
	if last, ok := p.MainItem().Transactions().Last(); ok {
		entry.Biller = last.Biller
	}
	for _, it := range p.Items() {
		for _, tx := range it.Transactions().All() {
			if !tx.TransactionID.IsZero() {
				entry.Transactions = append(entry.Transactions, tx.TransactionID)
			}
		}
	}

	s.logger.ErrorContext(ctx, "purchase outcome not persisted after biller submission",
		slog.Bool("manual_reconciliation", true),
		slog.String("session_id", p.SessionID().String()),
		slog.String("state", string(p.State())),
		slog.Int("submit_number", p.GatewaySubmitNumber()),
		slog.String("error", cause.Error()),
	)
	if err := s.ledger.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to record reconciliation entry",
			slog.Bool("manual_reconciliation", true),
			slog.String("session_id", p.SessionID().String()),
			slog.String("error", err.Error()),
		)
	}
}
