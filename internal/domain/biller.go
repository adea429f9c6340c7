package domain

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// Biller names a third-party processor able to attempt a charge.
type Biller string

const (
	BillerRocketgate Biller = "rocketgate"
	BillerNetbilling Biller = "netbilling"
	BillerEpoch      Biller = "epoch"
	BillerQysso      Biller = "qysso"
)

// ParseBiller rejects names outside the supported set.
func ParseBiller(s string) (Biller, error) {
	switch b := Biller(s); b {
	case BillerRocketgate, BillerNetbilling, BillerEpoch, BillerQysso:
		return b, nil
	}
	return "", apperrors.InvalidInput(fmt.Sprintf("unknown biller %q", s))
}

func (b Biller) String() string { return string(b) }

// BillerCollection is an ordered, duplicate-free list of billers. Order is
// the cascade priority; the first listed wins ties.
type BillerCollection struct {
	billers []Biller
}

// NewBillerCollection validates every name and rejects duplicates.
func NewBillerCollection(billers ...Biller) (BillerCollection, error) {
	seen := make(map[Biller]struct{}, len(billers))
	out := make([]Biller, 0, len(billers))
	for _, b := range billers {
		if _, err := ParseBiller(string(b)); err != nil {
			return BillerCollection{}, err
		}
		if _, dup := seen[b]; dup {
			return BillerCollection{}, apperrors.InvalidInput(fmt.Sprintf("biller %s listed twice in cascade", b))
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return BillerCollection{billers: out}, nil
}

func (c BillerCollection) Len() int { return len(c.billers) }

func (c BillerCollection) At(i int) Biller { return c.billers[i] }

// Billers returns a copy of the list.
func (c BillerCollection) Billers() []Biller {
	out := make([]Biller, len(c.billers))
	copy(out, c.billers)
	return out
}

func (c BillerCollection) Contains(b Biller) bool {
	for _, x := range c.billers {
		if x == b {
			return true
		}
	}
	return false
}

func (c BillerCollection) MarshalJSON() ([]byte, error) {
	if c.billers == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.billers)
}

func (c *BillerCollection) UnmarshalJSON(data []byte) error {
	var names []Biller
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	parsed, err := NewBillerCollection(names...)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// BillerFields carries the per-biller credentials resolved by the config
// service. Implementations are RocketgateFields, NetbillingFields,
// EpochFields and QyssoFields.
type BillerFields interface {
	Biller() Biller
	isBillerFields()
}

type RocketgateFields struct {
	MerchantID       string `json:"merchant_id"`
	MerchantPassword string `json:"merchant_password"`
	MerchantSiteID   string `json:"merchant_site_id"`
	SharedSecret     string `json:"shared_secret"`
	MerchantAccount  string `json:"merchant_account"`
}

type NetbillingFields struct {
	AccountID        string `json:"account_id"`
	SiteTag          string `json:"site_tag"`
	MerchantPassword string `json:"merchant_password"`
}

type EpochFields struct {
	ClientID              string `json:"client_id"`
	ClientKey             string `json:"client_key"`
	ClientVerificationKey string `json:"client_verification_key"`
}

type QyssoFields struct {
	CompanyNum      string `json:"company_num"`
	PersonalHashKey string `json:"personal_hash_key"`
}

func (RocketgateFields) Biller() Biller { return BillerRocketgate }
func (NetbillingFields) Biller() Biller { return BillerNetbilling }
func (EpochFields) Biller() Biller      { return BillerEpoch }
func (QyssoFields) Biller() Biller      { return BillerQysso }

func (RocketgateFields) isBillerFields() {}
func (NetbillingFields) isBillerFields() {}
func (EpochFields) isBillerFields()      {}
func (QyssoFields) isBillerFields()      {}

// BillerMapping is everything needed to submit to one biller for one site.
type BillerMapping struct {
	Biller          Biller
	SiteID          string
	Fields          BillerFields
	BinRoutingCodes []string
}

// Validate checks that the fields variant matches the biller.
func (m *BillerMapping) Validate() error {
	if m.Fields == nil {
		return apperrors.InvalidInput(fmt.Sprintf("biller mapping for %s has no fields", m.Biller))
	}
	if m.Fields.Biller() != m.Biller {
		return apperrors.InvalidInput(fmt.Sprintf("biller mapping for %s carries %s fields", m.Biller, m.Fields.Biller()))
	}
	return nil
}

// SiteConfig is the per-site business configuration the engine consults.
type SiteConfig struct {
	SiteID                   string
	PostbackURL              string
	CrossSellEnabled         bool
	NSFCrossSellContinuation bool
}
