package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	pkgkafka "github.com/kostush/purchase-gateway-sub005/pkg/kafka"
)

// Kafka topics for purchase lifecycle events.
var (
	TopicPurchaseInitialized = pkgkafka.Topic("purchase", "initialized")
	TopicPurchaseProcessed   = pkgkafka.Topic("purchase", "processed")
	TopicPurchaseFailed      = pkgkafka.Topic("purchase", "failed")
)

const (
	AggregateTypePurchase = "purchase_session"
	SourcePurchaseGateway = "purchase-gateway"
)

// ItemData summarises one item in a lifecycle event.
type ItemData struct {
	ItemID      string            `json:"item_id"`
	IsCrossSale bool              `json:"is_cross_sale"`
	Status      domain.ItemStatus `json:"status"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
}

// PurchaseInitializedData is the payload for purchase.initialized.
type PurchaseInitializedData struct {
	SessionID   string             `json:"session_id"`
	SiteID      string             `json:"site_id"`
	PaymentType domain.PaymentType `json:"payment_type"`
	Billers     []domain.Biller    `json:"billers"`
	Items       []ItemData         `json:"items"`
	FraudAdvice domain.FraudAdvice `json:"fraud_advice"`
}

// PurchaseProcessedData is the payload for purchase.processed.
type PurchaseProcessedData struct {
	SessionID    string     `json:"session_id"`
	PurchaseID   string     `json:"purchase_id"`
	MemberID     string     `json:"member_id"`
	SiteID       string     `json:"site_id"`
	Biller       string     `json:"biller"`
	SubmitNumber int        `json:"submit_number"`
	ThreeDS      bool       `json:"three_ds"`
	Items        []ItemData `json:"items"`
}

// PurchaseFailedData is the payload for purchase.failed.
type PurchaseFailedData struct {
	SessionID        string          `json:"session_id"`
	SiteID           string          `json:"site_id"`
	State            domain.State    `json:"state"`
	AttemptedBillers []domain.Biller `json:"attempted_billers"`
	SubmitNumber     int             `json:"submit_number"`
	Items            []ItemData      `json:"items"`
}

// Producer publishes purchase lifecycle events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{kafka: kafka, logger: logger}
}

func items(p *domain.PurchaseProcess) []ItemData {
	out := make([]ItemData, 0, len(p.Items()))
	for _, it := range p.Items() {
		out = append(out, ItemData{
			ItemID:      it.ItemID.String(),
			IsCrossSale: it.IsCrossSale,
			Status:      it.Status(),
			Amount:      it.Charge.InitialAmount,
			Currency:    it.Charge.Currency,
		})
	}
	return out
}

func (p *Producer) PublishPurchaseInitialized(ctx context.Context, proc *domain.PurchaseProcess) error {
	data := PurchaseInitializedData{
		SessionID:   proc.SessionID().String(),
		SiteID:      proc.EntrySiteID(),
		PaymentType: proc.PaymentType(),
		Items:       items(proc),
		FraudAdvice: proc.FraudAdvice(),
	}
	if c := proc.Cascade(); c != nil {
		data.Billers = c.Billers().Billers()
	}
	return p.publish(ctx, TopicPurchaseInitialized, proc.SessionID(), data)
}

func (p *Producer) PublishPurchaseProcessed(ctx context.Context, proc *domain.PurchaseProcess) error {
	data := PurchaseProcessedData{
		SessionID:    proc.SessionID().String(),
		MemberID:     proc.MemberID().String(),
		SiteID:       proc.EntrySiteID(),
		SubmitNumber: proc.GatewaySubmitNumber(),
		ThreeDS:      proc.ThreeDSUsed(),
		Items:        items(proc),
	}
	if pur := proc.Purchase(); pur != nil {
		data.PurchaseID = pur.PurchaseID.String()
	}
	if tx, ok := proc.MainItem().Transactions().Last(); ok {
		data.Biller = string(tx.Biller)
	}
	return p.publish(ctx, TopicPurchaseProcessed, proc.SessionID(), data)
}

func (p *Producer) PublishPurchaseFailed(ctx context.Context, proc *domain.PurchaseProcess) error {
	data := PurchaseFailedData{
		SessionID:    proc.SessionID().String(),
		SiteID:       proc.EntrySiteID(),
		State:        proc.State(),
		SubmitNumber: proc.GatewaySubmitNumber(),
		Items:        items(proc),
	}
	if c := proc.Cascade(); c != nil {
		data.AttemptedBillers = c.Attempted()
	}
	return p.publish(ctx, TopicPurchaseFailed, proc.SessionID(), data)
}

func (p *Producer) publish(ctx context.Context, topic string, sid domain.SessionID, data any) error {
	event, err := pkgkafka.NewEvent(topic, sid.String(), AggregateTypePurchase, SourcePurchaseGateway, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}
	p.logger.InfoContext(ctx, "purchase event published",
		slog.String("topic", topic),
		slog.String("session_id", sid.String()),
	)
	return nil
}
