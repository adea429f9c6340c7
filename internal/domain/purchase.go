package domain

import (
	"fmt"
	"time"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

var now = func() time.Time { return time.Now().UTC() }

// PurchaseProcess is the aggregate root for one purchase attempt. It is
// loaded, mutated and saved as a whole.
type PurchaseProcess struct {
	sessionID SessionID
	version   int64
	state     State

	cascade *Cascade
	items   []*InitializedItem

	userInfo    UserInfo
	paymentInfo PaymentInfo
	paymentType PaymentType
	fraudAdvice FraudAdvice

	gatewaySubmitNumber int

	// postbackPending is set by the terminal transition and cleared once
	// the postback queue accepted the session's result.
	postbackPending bool

	publicKeyIndex int
	redirectURL    string
	postbackURL    string
	entrySiteID    string
	memberID       MemberID

	purchase *Purchase
	threeDS  *ThreeDSInfo

	createdAt time.Time
	updatedAt time.Time
}

// InitParams are the attempt-scoped values captured at init.
type InitParams struct {
	SessionID      SessionID
	EntrySiteID    string
	PaymentType    PaymentType
	PublicKeyIndex int
	RedirectURL    string
	PostbackURL    string
	MemberID       MemberID
	Cascade        *Cascade
	MainItem       InitializedItem
	CrossSales     []InitializedItem
	ClientIP       string
	Email          string
}

// NewPurchaseProcess creates the aggregate in the pending state.
func NewPurchaseProcess(p InitParams) (*PurchaseProcess, error) {
	if p.SessionID.IsZero() {
		return nil, apperrors.InvalidInput("session id is required")
	}
	if p.Cascade == nil {
		return nil, apperrors.InvalidInput("a cascade is required")
	}
	if p.PublicKeyIndex < 0 {
		return nil, apperrors.InvalidInput("public key index must not be negative")
	}
	if _, err := ParsePaymentType(string(p.PaymentType)); err != nil {
		return nil, err
	}
	if p.MainItem.IsCrossSale {
		return nil, apperrors.InvalidInput("main item cannot be flagged as a cross-sale")
	}

	items := make([]*InitializedItem, 0, 1+len(p.CrossSales))
	seen := make(map[ItemID]struct{}, 1+len(p.CrossSales))
	add := func(it InitializedItem) error {
		if it.ItemID.IsZero() {
			return apperrors.InvalidInput("item id is required")
		}
		if _, dup := seen[it.ItemID]; dup {
			return apperrors.InvalidInput(fmt.Sprintf("item %s listed twice", it.ItemID))
		}
		if it.Charge.Currency == "" {
			return apperrors.InvalidInput(fmt.Sprintf("item %s has no currency", it.ItemID))
		}
		seen[it.ItemID] = struct{}{}
		it.transactions = TransactionCollection{}
		items = append(items, &it)
		return nil
	}

	if err := add(p.MainItem); err != nil {
		return nil, err
	}
	for _, cs := range p.CrossSales {
		if !cs.IsCrossSale {
			return nil, apperrors.InvalidInput(fmt.Sprintf("item %s must be flagged as a cross-sale", cs.ItemID))
		}
		if err := add(cs); err != nil {
			return nil, err
		}
	}

	ts := now()
	return &PurchaseProcess{
		sessionID:      p.SessionID,
		state:          StatePending,
		cascade:        p.Cascade,
		items:          items,
		userInfo:       UserInfo{Email: p.Email, IPAddress: p.ClientIP},
		paymentType:    p.PaymentType,
		publicKeyIndex: p.PublicKeyIndex,
		redirectURL:    p.RedirectURL,
		postbackURL:    p.PostbackURL,
		entrySiteID:    p.EntrySiteID,
		memberID:       p.MemberID,
		createdAt:      ts,
		updatedAt:      ts,
	}, nil
}

func (p *PurchaseProcess) SessionID() SessionID       { return p.sessionID }
func (p *PurchaseProcess) Version() int64             { return p.version }
func (p *PurchaseProcess) State() State               { return p.state }
func (p *PurchaseProcess) Cascade() *Cascade          { return p.cascade }
func (p *PurchaseProcess) UserInfo() UserInfo         { return p.userInfo }
func (p *PurchaseProcess) PaymentInfo() PaymentInfo   { return p.paymentInfo }
func (p *PurchaseProcess) PaymentType() PaymentType   { return p.paymentType }
func (p *PurchaseProcess) FraudAdvice() FraudAdvice   { return p.fraudAdvice }
func (p *PurchaseProcess) GatewaySubmitNumber() int   { return p.gatewaySubmitNumber }
func (p *PurchaseProcess) PublicKeyIndex() int        { return p.publicKeyIndex }
func (p *PurchaseProcess) RedirectURL() string        { return p.redirectURL }
func (p *PurchaseProcess) PostbackURL() string        { return p.postbackURL }
func (p *PurchaseProcess) EntrySiteID() string        { return p.entrySiteID }
func (p *PurchaseProcess) MemberID() MemberID         { return p.memberID }
func (p *PurchaseProcess) Purchase() *Purchase        { return p.purchase }
func (p *PurchaseProcess) ThreeDS() *ThreeDSInfo      { return p.threeDS }
func (p *PurchaseProcess) CreatedAt() time.Time       { return p.createdAt }
func (p *PurchaseProcess) UpdatedAt() time.Time       { return p.updatedAt }
func (p *PurchaseProcess) IsTerminal() bool           { return p.state.IsTerminal() }
func (p *PurchaseProcess) PostbackPending() bool      { return p.postbackPending }
func (p *PurchaseProcess) Items() []*InitializedItem  { return p.items }
func (p *PurchaseProcess) MainItem() *InitializedItem { return p.items[0] }

// SetVersion is called by the session store after a successful write.
func (p *PurchaseProcess) SetVersion(v int64) { p.version = v }

// CrossSales returns every item after the main one.
func (p *PurchaseProcess) CrossSales() []*InitializedItem {
	return p.items[1:]
}

// Item finds an item by id.
func (p *PurchaseProcess) Item(id ItemID) (*InitializedItem, bool) {
	for _, it := range p.items {
		if it.ItemID == id {
			return it, true
		}
	}
	return nil, false
}

func (p *PurchaseProcess) touch() { p.updatedAt = now() }

// TransitionTo moves the state machine along the transition table.
func (p *PurchaseProcess) TransitionTo(to State) error {
	if !p.state.CanTransitionTo(to) {
		return IllegalStateTransition(p.state, to)
	}
	p.state = to
	if to.IsTerminal() {
		p.postbackPending = true
	}
	p.touch()
	return nil
}

// PostbackDispatched records that the postback owed by the terminal
// transition is on the queue.
func (p *PurchaseProcess) PostbackDispatched() {
	p.postbackPending = false
	p.touch()
}

func (p *PurchaseProcess) ensureEditable(op string) error {
	if p.state != StatePending && p.state != StateValid {
		return IllegalOperation(op, p.state)
	}
	return nil
}

func (p *PurchaseProcess) SetUserInfo(u UserInfo) error {
	if err := p.ensureEditable("set user info"); err != nil {
		return err
	}
	if u.IPAddress == "" {
		u.IPAddress = p.userInfo.IPAddress
	}
	if u.Email == "" {
		u.Email = p.userInfo.Email
	}
	p.userInfo = u
	p.touch()
	return nil
}

// SetPaymentInfo accepts only payments of the family chosen at init.
func (p *PurchaseProcess) SetPaymentInfo(info PaymentInfo) error {
	if err := p.ensureEditable("set payment info"); err != nil {
		return err
	}
	if info == nil {
		return apperrors.InvalidInput("payment info is required")
	}
	if got := PaymentTypeOf(info); got != p.paymentType {
		return apperrors.InvalidInput(fmt.Sprintf("payment method %s does not match payment type %s", info.Method(), p.paymentType))
	}
	p.paymentInfo = info
	p.touch()
	return nil
}

// SelectCrossSales marks exactly the listed cross-sales as selected.
func (p *PurchaseProcess) SelectCrossSales(ids []ItemID) error {
	if err := p.ensureEditable("select cross-sales"); err != nil {
		return err
	}
	want := make(map[ItemID]struct{}, len(ids))
	for _, id := range ids {
		it, ok := p.Item(id)
		if !ok || !it.IsCrossSale {
			return apperrors.InvalidInput(fmt.Sprintf("unknown cross-sale %s", id))
		}
		want[id] = struct{}{}
	}
	for _, it := range p.CrossSales() {
		_, it.IsSelected = want[it.ItemID]
	}
	p.touch()
	return nil
}

// ApplyFraudAdvice merges adv into the current advice. Flags are never
// cleared within an attempt.
func (p *PurchaseProcess) ApplyFraudAdvice(adv FraudAdvice) {
	p.fraudAdvice = p.fraudAdvice.Merge(adv)
	p.touch()
}

// NextSubmitNumber counts one real biller submission and returns the new
// value. Call it only once the submission is certain to be sent; replays
// must not call it.
func (p *PurchaseProcess) NextSubmitNumber() int {
	p.gatewaySubmitNumber++
	p.touch()
	return p.gatewaySubmitNumber
}

// RecordTransaction appends tx to the item's log.
func (p *PurchaseProcess) RecordTransaction(id ItemID, tx Transaction) error {
	if p.state.IsTerminal() {
		return IllegalOperation("record transaction", p.state)
	}
	it, ok := p.Item(id)
	if !ok {
		return apperrors.NotFound("item", id.String())
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now()
	}
	it.transactions.add(tx)
	p.touch()
	return nil
}

// CurrentBiller is the biller the cascade points at.
func (p *PurchaseProcess) CurrentBiller() (Biller, bool) {
	if p.cascade == nil {
		return "", false
	}
	return p.cascade.Current()
}

// AdvanceCascade moves past the current biller and reports whether the
// cascade is now exhausted.
func (p *PurchaseProcess) AdvanceCascade() bool {
	if p.cascade == nil {
		return true
	}
	p.cascade.Next()
	p.touch()
	return p.cascade.IsExhausted()
}

// StartThreeDS stores the challenge of a 3DS leg. Only one leg is allowed
// per attempt.
func (p *PurchaseProcess) StartThreeDS(info ThreeDSInfo) error {
	if p.threeDS != nil {
		return IllegalOperation("start a second 3DS authentication", p.state)
	}
	p.threeDS = &info
	p.touch()
	return nil
}

// UpdateThreeDSChallenge stores the bank redirect obtained by a device
// lookup on the open 3DS leg.
func (p *PurchaseProcess) UpdateThreeDSChallenge(authURL, paReq, md string, version int) error {
	if p.threeDS == nil || p.threeDS.Completed {
		return IllegalOperation("update 3DS challenge", p.state)
	}
	if authURL == "" {
		return apperrors.InvalidInput("3DS challenge has no auth url")
	}
	p.threeDS.AuthURL = authURL
	p.threeDS.PaReq = paReq
	p.threeDS.MD = md
	if version > 0 {
		p.threeDS.Version = version
	}
	p.touch()
	return nil
}

// CompleteThreeDS marks the 3DS leg as answered by the bank.
func (p *PurchaseProcess) CompleteThreeDS() error {
	if p.threeDS == nil {
		return IllegalOperation("complete 3DS", p.state)
	}
	p.threeDS.Completed = true
	p.touch()
	return nil
}

// ThreeDSUsed reports whether this attempt already went through 3DS.
func (p *PurchaseProcess) ThreeDSUsed() bool { return p.threeDS != nil }

// SetMemberID records the member created or charged by the purchase.
func (p *PurchaseProcess) SetMemberID(id MemberID) {
	p.memberID = id
	p.touch()
}

// Finalize builds the purchase result. It is only valid once processed.
func (p *PurchaseProcess) Finalize(id PurchaseID) error {
	if p.state != StateProcessed {
		return IllegalOperation("finalize purchase", p.state)
	}
	if p.purchase != nil {
		return IllegalOperation("finalize purchase twice", p.state)
	}
	if p.memberID.IsZero() {
		p.memberID = NewMemberID()
	}
	processed := make([]ProcessedItem, 0, len(p.items))
	for _, it := range p.items {
		if !it.WasAttempted() {
			continue
		}
		processed = append(processed, ProcessedItem{
			ItemID:       it.ItemID,
			IsCrossSale:  it.IsCrossSale,
			Status:       it.Status(),
			Transactions: it.transactions.All(),
		})
	}
	p.purchase = &Purchase{PurchaseID: id, MemberID: p.memberID, ProcessedItems: processed}
	p.touch()
	return nil
}

// ItemSnapshot is a read-only view of an item.
type ItemSnapshot struct {
	ItemID       ItemID
	BundleID     string
	AddonID      string
	SiteID       string
	Charge       ChargeInformation
	IsCrossSale  bool
	IsSelected   bool
	Status       ItemStatus
	Transactions []Transaction
}

// Snapshot is a detached copy of the aggregate for DTOs and events.
type Snapshot struct {
	SessionID           SessionID
	Version             int64
	State               State
	PaymentType         PaymentType
	PaymentMethod       string
	UserInfo            UserInfo
	FraudAdvice         FraudAdvice
	GatewaySubmitNumber int
	PostbackPending     bool
	PublicKeyIndex      int
	RedirectURL         string
	PostbackURL         string
	EntrySiteID         string
	MemberID            MemberID
	CascadeBillers      []Biller
	CascadeCursor       int
	Items               []ItemSnapshot
	Purchase            *Purchase
	ThreeDS             *ThreeDSInfo
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (p *PurchaseProcess) Snapshot() Snapshot {
	s := Snapshot{
		SessionID:           p.sessionID,
		Version:             p.version,
		State:               p.state,
		PaymentType:         p.paymentType,
		UserInfo:            p.userInfo,
		FraudAdvice:         p.fraudAdvice,
		GatewaySubmitNumber: p.gatewaySubmitNumber,
		PostbackPending:     p.postbackPending,
		PublicKeyIndex:      p.publicKeyIndex,
		RedirectURL:         p.redirectURL,
		PostbackURL:         p.postbackURL,
		EntrySiteID:         p.entrySiteID,
		MemberID:            p.memberID,
		CreatedAt:           p.createdAt,
		UpdatedAt:           p.updatedAt,
	}
	if p.paymentInfo != nil {
		s.PaymentMethod = p.paymentInfo.Method()
	}
	if p.cascade != nil {
		s.CascadeBillers = p.cascade.Billers().Billers()
		s.CascadeCursor = p.cascade.Cursor()
	}
	for _, it := range p.items {
		s.Items = append(s.Items, ItemSnapshot{
			ItemID:       it.ItemID,
			BundleID:     it.BundleID,
			AddonID:      it.AddonID,
			SiteID:       it.SiteID,
			Charge:       it.Charge,
			IsCrossSale:  it.IsCrossSale,
			IsSelected:   it.IsSelected,
			Status:       it.Status(),
			Transactions: it.transactions.All(),
		})
	}
	if p.purchase != nil {
		cp := *p.purchase
		cp.ProcessedItems = append([]ProcessedItem(nil), p.purchase.ProcessedItems...)
		s.Purchase = &cp
	}
	if p.threeDS != nil {
		cp := *p.threeDS
		s.ThreeDS = &cp
	}
	return s
}
