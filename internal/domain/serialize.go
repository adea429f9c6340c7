package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every serialized aggregate.
const SchemaVersion = 2

type document struct {
	SchemaVersion       int          `json:"schema_version"`
	SessionID           SessionID    `json:"session_id"`
	Version             int64        `json:"version"`
	State               State        `json:"state"`
	Cascade             *cascadeDoc  `json:"cascade,omitempty"`
	Items               []itemDoc    `json:"items"`
	UserInfo            UserInfo     `json:"user_info"`
	Payment             *paymentDoc  `json:"payment,omitempty"`
	PaymentType         PaymentType  `json:"payment_type,omitempty"`
	FraudAdvice         FraudAdvice  `json:"fraud_advice"`
	GatewaySubmitNumber *int         `json:"gateway_submit_number,omitempty"`
	PostbackPending     bool         `json:"postback_pending,omitempty"`
	PublicKeyIndex      int          `json:"public_key_index"`
	RedirectURL         string       `json:"redirect_url,omitempty"`
	PostbackURL         string       `json:"postback_url,omitempty"`
	EntrySiteID         string       `json:"entry_site_id,omitempty"`
	MemberID            MemberID     `json:"member_id"`
	Purchase            *purchaseDoc `json:"purchase,omitempty"`
	ThreeDS             *ThreeDSInfo `json:"three_ds,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

type cascadeDoc struct {
	Billers     BillerCollection `json:"billers"`
	Cursor      int              `json:"cursor"`
	MaxAttempts *int             `json:"max_attempts,omitempty"`
}

type itemDoc struct {
	ItemID       ItemID            `json:"item_id"`
	BundleID     string            `json:"bundle_id,omitempty"`
	AddonID      string            `json:"addon_id,omitempty"`
	SiteID       string            `json:"site_id,omitempty"`
	Charge       ChargeInformation `json:"charge"`
	IsCrossSale  bool              `json:"is_cross_sale"`
	IsSelected   bool              `json:"is_selected"`
	Transactions []Transaction     `json:"transactions,omitempty"`
}

type paymentDoc struct {
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

type purchaseDoc struct {
	PurchaseID     PurchaseID         `json:"purchase_id"`
	MemberID       MemberID           `json:"member_id"`
	ProcessedItems []processedItemDoc `json:"processed_items"`
}

type processedItemDoc struct {
	ItemID       ItemID        `json:"item_id"`
	IsCrossSale  bool          `json:"is_cross_sale"`
	Status       ItemStatus    `json:"status"`
	Transactions []Transaction `json:"transactions"`
}

// Serialize writes the aggregate as a versioned JSON document. Card
// credentials are not part of the aggregate and never appear here.
func Serialize(p *PurchaseProcess) ([]byte, error) {
	submit := p.gatewaySubmitNumber
	doc := document{
		SchemaVersion:       SchemaVersion,
		SessionID:           p.sessionID,
		Version:             p.version,
		State:               p.state,
		UserInfo:            p.userInfo,
		PaymentType:         p.paymentType,
		FraudAdvice:         p.fraudAdvice,
		GatewaySubmitNumber: &submit,
		PostbackPending:     p.postbackPending,
		PublicKeyIndex:      p.publicKeyIndex,
		RedirectURL:         p.redirectURL,
		PostbackURL:         p.postbackURL,
		EntrySiteID:         p.entrySiteID,
		MemberID:            p.memberID,
		ThreeDS:             p.threeDS,
		CreatedAt:           p.createdAt,
		UpdatedAt:           p.updatedAt,
	}

	if p.cascade != nil {
		maxAttempts := p.cascade.maxAttempts
		doc.Cascade = &cascadeDoc{
			Billers:     p.cascade.billers,
			Cursor:      p.cascade.cursor,
			MaxAttempts: &maxAttempts,
		}
	}

	doc.Items = make([]itemDoc, 0, len(p.items))
	for _, it := range p.items {
		doc.Items = append(doc.Items, itemDoc{
			ItemID:       it.ItemID,
			BundleID:     it.BundleID,
			AddonID:      it.AddonID,
			SiteID:       it.SiteID,
			Charge:       it.Charge,
			IsCrossSale:  it.IsCrossSale,
			IsSelected:   it.IsSelected,
			Transactions: it.transactions.txs,
		})
	}

	if p.paymentInfo != nil {
		raw, err := json.Marshal(p.paymentInfo)
		if err != nil {
			return nil, fmt.Errorf("marshal payment info: %w", err)
		}
		doc.Payment = &paymentDoc{Method: p.paymentInfo.Method(), Data: raw}
	}

	if p.purchase != nil {
		pd := &purchaseDoc{PurchaseID: p.purchase.PurchaseID, MemberID: p.purchase.MemberID}
		for _, pi := range p.purchase.ProcessedItems {
			pd.ProcessedItems = append(pd.ProcessedItems, processedItemDoc(pi))
		}
		doc.Purchase = pd
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal purchase process: %w", err)
	}
	return data, nil
}

// Restore rebuilds an aggregate from a document written by this or any
// older schema version. Fields missing from older versions get defaults.
func Restore(data []byte) (*PurchaseProcess, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal purchase process: %w", err)
	}
	if doc.SchemaVersion < 1 || doc.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("unsupported purchase process schema version %d", doc.SchemaVersion)
	}
	if !doc.State.IsValid() {
		return nil, fmt.Errorf("restore purchase process: unknown state %q", doc.State)
	}
	if len(doc.Items) == 0 {
		return nil, fmt.Errorf("restore purchase process %s: no items", doc.SessionID)
	}

	p := &PurchaseProcess{
		sessionID:       doc.SessionID,
		version:         doc.Version,
		state:           doc.State,
		userInfo:        doc.UserInfo,
		paymentType:     doc.PaymentType,
		fraudAdvice:     doc.FraudAdvice,
		postbackPending: doc.PostbackPending,
		publicKeyIndex:  doc.PublicKeyIndex,
		redirectURL:     doc.RedirectURL,
		postbackURL:     doc.PostbackURL,
		entrySiteID:     doc.EntrySiteID,
		memberID:        doc.MemberID,
		threeDS:         doc.ThreeDS,
		createdAt:       doc.CreatedAt,
		updatedAt:       doc.UpdatedAt,
	}
	if p.paymentType == "" {
		p.paymentType = PaymentTypeCC
	}

	recorded := 0
	for _, d := range doc.Items {
		it := &InitializedItem{
			ItemID:      d.ItemID,
			BundleID:    d.BundleID,
			AddonID:     d.AddonID,
			SiteID:      d.SiteID,
			Charge:      d.Charge,
			IsCrossSale: d.IsCrossSale,
			IsSelected:  d.IsSelected,
		}
		for _, tx := range d.Transactions {
			it.transactions.add(tx)
		}
		recorded += len(d.Transactions)
		p.items = append(p.items, it)
	}

	if doc.GatewaySubmitNumber != nil {
		p.gatewaySubmitNumber = *doc.GatewaySubmitNumber
	} else {
		p.gatewaySubmitNumber = recorded
	}

	if doc.Cascade != nil {
		maxAttempts := doc.Cascade.Billers.Len()
		if doc.Cascade.MaxAttempts != nil {
			maxAttempts = *doc.Cascade.MaxAttempts
		}
		c, err := restoreCascade(doc.Cascade.Billers, doc.Cascade.Cursor, maxAttempts)
		if err != nil {
			return nil, fmt.Errorf("restore cascade: %w", err)
		}
		p.cascade = c
	}

	if doc.Payment != nil {
		info, err := decodePayment(doc.Payment)
		if err != nil {
			return nil, err
		}
		p.paymentInfo = info
	}

	if doc.Purchase != nil {
		pur := &Purchase{PurchaseID: doc.Purchase.PurchaseID, MemberID: doc.Purchase.MemberID}
		for _, pi := range doc.Purchase.ProcessedItems {
			pur.ProcessedItems = append(pur.ProcessedItems, ProcessedItem(pi))
		}
		p.purchase = pur
	}

	return p, nil
}

func decodePayment(d *paymentDoc) (PaymentInfo, error) {
	var (
		info PaymentInfo
		err  error
	)
	switch d.Method {
	case MethodNewCard:
		var v NewCardPayment
		err = json.Unmarshal(d.Data, &v)
		info = v
	case MethodExistingCard:
		var v ExistingCardPayment
		err = json.Unmarshal(d.Data, &v)
		info = v
	case MethodCheque:
		var v ChequePayment
		err = json.Unmarshal(d.Data, &v)
		info = v
	case MethodOther:
		var v OtherPayment
		err = json.Unmarshal(d.Data, &v)
		info = v
	default:
		return nil, fmt.Errorf("unknown payment method %q", d.Method)
	}
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s payment: %w", d.Method, err)
	}
	return info, nil
}
