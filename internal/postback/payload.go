// Package postback notifies merchants of terminal purchase outcomes.
package postback

import (
	"time"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
)

// ItemPayload is one item in a postback.
type ItemPayload struct {
	ItemID         string            `json:"item_id"`
	IsCrossSale    bool              `json:"is_cross_sale"`
	Status         domain.ItemStatus `json:"status"`
	TransactionIDs []string          `json:"transaction_ids"`
}

// Payload is the body merchants receive. Field order is fixed, which keeps
// the JSON encoding canonical for signing.
type Payload struct {
	SessionID  string        `json:"session_id"`
	PurchaseID string        `json:"purchase_id,omitempty"`
	MemberID   string        `json:"member_id,omitempty"`
	State      domain.State  `json:"state"`
	Success    bool          `json:"success"`
	Items      []ItemPayload `json:"items"`
	OccurredAt time.Time     `json:"occurred_at"`
}

// SignedPayload is what travels on the postback queue.
type SignedPayload struct {
	Payload  Payload `json:"payload"`
	Digest   string  `json:"digest"`
	KeyIndex int     `json:"key_index"`
}

// BuildPayload describes p as of at.
func BuildPayload(p *domain.PurchaseProcess, at time.Time) Payload {
	out := Payload{
		SessionID:  p.SessionID().String(),
		MemberID:   p.MemberID().String(),
		State:      p.State(),
		Success:    p.State() == domain.StateProcessed,
		OccurredAt: at.UTC(),
		Items:      make([]ItemPayload, 0, len(p.Items())),
	}
	if pur := p.Purchase(); pur != nil {
		out.PurchaseID = pur.PurchaseID.String()
		out.MemberID = pur.MemberID.String()
	}
	for _, it := range p.Items() {
		if it.IsCrossSale && !it.WasAttempted() {
			continue
		}
		txs := it.Transactions().All()
		ids := make([]string, 0, len(txs))
		for _, tx := range txs {
			if !tx.TransactionID.IsZero() {
				ids = append(ids, tx.TransactionID.String())
			}
		}
		out.Items = append(out.Items, ItemPayload{
			ItemID:         it.ItemID.String(),
			IsCrossSale:    it.IsCrossSale,
			Status:         it.Status(),
			TransactionIDs: ids,
		})
	}
	return out
}
