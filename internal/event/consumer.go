package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
	pkgkafka "github.com/kostush/purchase-gateway-sub005/pkg/kafka"
)

// SessionReleaser is the part of the purchase service the consumer drives.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sid domain.SessionID) error
}

// PostbackDeliveredData is the payload the delivery worker publishes once
// the merchant acknowledged a postback.
type PostbackDeliveredData struct {
	SessionID   string `json:"session_id"`
	StatusCode  int    `json:"status_code"`
	DeliveredAt string `json:"delivered_at,omitempty"`
}

// Consumer handles events addressed to the gateway.
type Consumer struct {
	service SessionReleaser
	logger  *slog.Logger
}

func NewConsumer(service SessionReleaser, logger *slog.Logger) *Consumer {
	return &Consumer{service: service, logger: logger}
}

// HandlePostbackDelivered drops the session once its postback reached the
// merchant. Malformed events are returned as errors so the consumer can
// route them to the DLQ.
func (c *Consumer) HandlePostbackDelivered(ctx context.Context, event *pkgkafka.Event) error {
	var data PostbackDeliveredData
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return fmt.Errorf("unmarshal postback.delivered data: %w", err)
	}
	sid, err := domain.ParseSessionID(data.SessionID)
	if err != nil {
		return fmt.Errorf("postback.delivered event %s: %w", event.EventID, err)
	}

	c.logger.InfoContext(ctx, "processing postback.delivered event",
		slog.String("session_id", sid.String()),
		slog.Int("status_code", data.StatusCode),
	)

	if err := c.service.ReleaseSession(ctx, sid); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("release session %s: %w", sid, err)
	}
	return nil
}
