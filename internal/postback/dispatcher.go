package postback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/metrics"
	"github.com/kostush/purchase-gateway-sub005/internal/repository"
)

// ErrNoDestination is returned when a session has no postback URL.
var ErrNoDestination = errors.New("postback url is not configured")

// Queue hands signed postbacks to the delivery worker.
type Queue interface {
	Enqueue(ctx context.Context, destinationURL string, sp SignedPayload) error
}

// ClaimStore dedups dispatches per session.
type ClaimStore interface {
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// Dispatcher enqueues at most one postback per terminal session.
type Dispatcher struct {
	signer   *Signer
	queue    Queue
	claims   ClaimStore
	claimTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(signer *Signer, queue Queue, claims ClaimStore, claimTTL time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		signer:   signer,
		queue:    queue,
		claims:   claims,
		claimTTL: claimTTL,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch signs and enqueues the postback for p. It reports false without
// error when a postback was already dispatched for the session.
func (d *Dispatcher) Dispatch(ctx context.Context, p *domain.PurchaseProcess) (bool, error) {
	if !p.IsTerminal() {
		return false, domain.IllegalOperation("dispatch postback", p.State())
	}
	if p.PostbackURL() == "" {
		return false, fmt.Errorf("dispatch postback for %s: %w", p.SessionID(), ErrNoDestination)
	}

	sp, err := d.signer.Sign(p.PublicKeyIndex(), BuildPayload(p, d.now()))
	if err != nil {
		return false, fmt.Errorf("sign postback: %w", err)
	}

	key := repository.PostbackKey(p.SessionID())
	claimed, err := d.claims.SetIfAbsent(ctx, key, d.claimTTL)
	if err != nil {
		return false, fmt.Errorf("claim postback: %w", err)
	}
	if !claimed {
		d.logger.InfoContext(ctx, "postback already dispatched",
			slog.String("session_id", p.SessionID().String()),
		)
		return false, nil
	}

	if err := d.queue.Enqueue(ctx, p.PostbackURL(), sp); err != nil {
		if derr := d.claims.Delete(context.Background(), key); derr != nil {
			d.logger.ErrorContext(ctx, "failed to release postback claim",
				slog.String("session_id", p.SessionID().String()),
				slog.String("error", derr.Error()),
			)
		}
		return false, fmt.Errorf("enqueue postback: %w", err)
	}

	metrics.PostbacksEnqueued.WithLabelValues(string(p.State())).Inc()
	d.logger.InfoContext(ctx, "postback enqueued",
		slog.String("session_id", p.SessionID().String()),
		slog.String("state", string(p.State())),
	)
	return true, nil
}
