package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/metrics"
	"github.com/kostush/purchase-gateway-sub005/internal/postback"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
)

const tracerComponent = "purchase-service"

// PostbackDispatcher hands terminal sessions to the postback queue.
type PostbackDispatcher interface {
	Dispatch(ctx context.Context, p *domain.PurchaseProcess) (bool, error)
}

// EventPublisher emits purchase lifecycle events.
type EventPublisher interface {
	PublishPurchaseInitialized(ctx context.Context, p *domain.PurchaseProcess) error
	PublishPurchaseProcessed(ctx context.Context, p *domain.PurchaseProcess) error
	PublishPurchaseFailed(ctx context.Context, p *domain.PurchaseProcess) error
}

// SessionGuard serialises bank callbacks on one session.
type SessionGuard interface {
	WithLock(ctx context.Context, sid domain.SessionID, fn func(ctx context.Context) error) error
}

// NSFPolicy decides whether cross-sales are still charged after the main
// item was declined for insufficient funds.
type NSFPolicy func(site *domain.SiteConfig) bool

// NSFSitesPolicy allows continuation for sites that opt in through their
// config or are listed in sites.
func NSFSitesPolicy(sites []string) NSFPolicy {
	set := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		if s = strings.TrimSpace(s); s != "" {
			set[s] = struct{}{}
		}
	}
	return func(site *domain.SiteConfig) bool {
		if site == nil {
			return false
		}
		if site.NSFCrossSellContinuation {
			return true
		}
		_, ok := set[site.SiteID]
		return ok
	}
}

// Options are the service settings that are not collaborators.
type Options struct {
	// BaseURL is the public address of the gateway, used for term URLs.
	BaseURL   string
	NSFPolicy NSFPolicy
}

// PurchaseService runs the purchase commands: init, process, the 3DS legs
// and the read/release operations.
type PurchaseService struct {
	store        repository.SessionStore
	ledger       repository.ReconciliationRepository
	transactions provider.TransactionService
	fraud        provider.FraudService
	config       provider.BillerConfigService
	postbacks    PostbackDispatcher
	events       EventPublisher
	guard        SessionGuard
	signer       *postback.Signer
	opts         Options
	logger       *slog.Logger
}

// NewPurchaseService creates a new purchase service. events may be nil.
func NewPurchaseService(
	store repository.SessionStore,
	ledger repository.ReconciliationRepository,
	transactions provider.TransactionService,
	fraud provider.FraudService,
	config provider.BillerConfigService,
	postbacks PostbackDispatcher,
	events EventPublisher,
	guard SessionGuard,
	signer *postback.Signer,
	opts Options,
	logger *slog.Logger,
) *PurchaseService {
	if opts.NSFPolicy == nil {
		opts.NSFPolicy = NSFSitesPolicy(nil)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &PurchaseService{
		store:        store,
		ledger:       ledger,
		transactions: transactions,
		fraud:        fraud,
		config:       config,
		postbacks:    postbacks,
		events:       events,
		guard:        guard,
		signer:       signer,
		opts:         opts,
		logger:       logger,
	}
}

func (s *PurchaseService) completeURL(sid domain.SessionID) string {
	return fmt.Sprintf("%s/api/v1/purchases/%s/threed/complete", s.opts.BaseURL, sid)
}

func (s *PurchaseService) lookupURL(sid domain.SessionID) string {
	return fmt.Sprintf("%s/api/v1/purchases/%s/threed/lookup", s.opts.BaseURL, sid)
}

func (s *PurchaseService) load(ctx context.Context, sid domain.SessionID) (*domain.PurchaseProcess, error) {
	p, err := s.store.Get(ctx, sid)
	if err != nil {
		return nil, fmt.Errorf("load purchase session: %w", err)
	}
	return p, nil
}

func (s *PurchaseService) transition(ctx context.Context, p *domain.PurchaseProcess, to domain.State) error {
	from := p.State()
	if err := p.TransitionTo(to); err != nil {
		return err
	}
	metrics.StateTransitions.WithLabelValues(string(to)).Inc()
	s.logger.InfoContext(ctx, "purchase state changed",
		slog.String("session_id", p.SessionID().String()),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	return nil
}

// applyFraudAdvice merges fresh advice into p. The fraud service is
// advisory, so an outage only logs.
func (s *PurchaseService) applyFraudAdvice(ctx context.Context, p *domain.PurchaseProcess, req *provider.FraudRequest) {
	adv, err := s.fraud.RetrieveAdvice(ctx, req)
	if err != nil {
		s.logger.WarnContext(ctx, "fraud advice unavailable, continuing without it",
			slog.String("session_id", p.SessionID().String()),
			slog.String("stage", string(req.Stage)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.ApplyFraudAdvice(adv)
}

// alreadyProcessed answers a command on a settled session. A postback that
// never reached the queue is retried on the way out.
func (s *PurchaseService) alreadyProcessed(ctx context.Context, p *domain.PurchaseProcess) error {
	s.deliverPostback(ctx, p)
	return domain.SessionAlreadyProcessed(p.SessionID())
}

// deliverPostback hands the postback owed by a terminal session to the
// queue and clears the pending flag once it is accepted. On failure the
// flag stays stored, and the next command or read on the session retries.
func (s *PurchaseService) deliverPostback(ctx context.Context, p *domain.PurchaseProcess) {
	if !p.PostbackPending() {
		return
	}
	enqueued, err := s.postbacks.Dispatch(ctx, p)
	if err != nil {
		if !errors.Is(err, postback.ErrNoDestination) {
			s.logger.ErrorContext(ctx, "failed to dispatch postback, will retry",
				slog.String("session_id", p.SessionID().String()),
				slog.String("state", string(p.State())),
				slog.String("error", err.Error()),
			)
			return
		}
		s.logger.WarnContext(ctx, "no postback destination, skipping postback",
			slog.String("session_id", p.SessionID().String()),
		)
	} else if !enqueued {
		// Another caller holds the claim and clears the flag once its
		// enqueue succeeds.
		return
	}

	p.PostbackDispatched()
	if err := s.store.Save(ctx, p); err != nil {
		// The dispatch claim keeps a retry from enqueueing twice.
		s.logger.WarnContext(ctx, "failed to clear pending postback flag",
			slog.String("session_id", p.SessionID().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PurchaseService) publishInitialized(ctx context.Context, p *domain.PurchaseProcess) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishPurchaseInitialized(ctx, p); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish purchase initialized event",
			slog.String("session_id", p.SessionID().String()),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PurchaseService) publishOutcome(ctx context.Context, p *domain.PurchaseProcess) {
	if s.events == nil {
		return
	}
	var err error
	if p.State() == domain.StateProcessed {
		err = s.events.PublishPurchaseProcessed(ctx, p)
	} else {
		err = s.events.PublishPurchaseFailed(ctx, p)
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to publish purchase outcome event",
			slog.String("session_id", p.SessionID().String()),
			slog.String("state", string(p.State())),
			slog.String("error", err.Error()),
		)
	}
}
