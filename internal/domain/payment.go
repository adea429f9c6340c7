package domain

import (
	"fmt"
	"log/slog"

	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// PaymentType is the payment family chosen at init. It selects the cascade.
type PaymentType string

const (
	PaymentTypeCC     PaymentType = "cc"
	PaymentTypeChecks PaymentType = "checks"
)

func ParsePaymentType(s string) (PaymentType, error) {
	switch pt := PaymentType(s); pt {
	case PaymentTypeCC, PaymentTypeChecks:
		return pt, nil
	}
	return "", apperrors.InvalidInput(fmt.Sprintf("unknown payment type %q", s))
}

// Payment method discriminators used in persisted documents and wire payloads.
const (
	MethodNewCard      = "new_card"
	MethodExistingCard = "existing_card"
	MethodCheque       = "cheque"
	MethodOther        = "other"
)

// PaymentInfo is one of NewCardPayment, ExistingCardPayment, ChequePayment
// or OtherPayment. Only non-sensitive facts are kept; card numbers travel
// in ChargeCredentials.
type PaymentInfo interface {
	Method() string
	isPaymentInfo()
}

type NewCardPayment struct {
	First6          string `json:"first6"`
	Last4           string `json:"last4"`
	ExpirationMonth int    `json:"expiration_month"`
	ExpirationYear  int    `json:"expiration_year"`
}

type ExistingCardPayment struct {
	TemplateID string `json:"template_id"`
}

type ChequePayment struct {
	RoutingNumberLast4 string `json:"routing_number_last4"`
	AccountNumberLast4 string `json:"account_number_last4"`
	SavingAccount      bool   `json:"saving_account"`
}

// OtherPayment covers alternative methods identified only by name.
type OtherPayment struct {
	Name string `json:"name"`
}

func (NewCardPayment) Method() string      { return MethodNewCard }
func (ExistingCardPayment) Method() string { return MethodExistingCard }
func (ChequePayment) Method() string       { return MethodCheque }
func (OtherPayment) Method() string        { return MethodOther }

func (NewCardPayment) isPaymentInfo()      {}
func (ExistingCardPayment) isPaymentInfo() {}
func (ChequePayment) isPaymentInfo()       {}
func (OtherPayment) isPaymentInfo()        {}

// PaymentTypeOf reports which family a payment belongs to.
func PaymentTypeOf(p PaymentInfo) PaymentType {
	if _, ok := p.(ChequePayment); ok {
		return PaymentTypeChecks
	}
	return PaymentTypeCC
}

// Bin returns the card bin used for routing, or "" for non-card payments.
func Bin(p PaymentInfo) string {
	if card, ok := p.(NewCardPayment); ok {
		return card.First6
	}
	return ""
}

// ChargeCredentials holds the sensitive values supplied with a command. It
// is forwarded to the transaction service and never persisted or logged.
type ChargeCredentials struct {
	CardNumber    string
	CVV           string
	RoutingNumber string
	AccountNumber string
}

func (ChargeCredentials) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

func (ChargeCredentials) String() string { return "[redacted]" }

func (ChargeCredentials) LogValue() slog.Value { return slog.StringValue("[redacted]") }

func (c ChargeCredentials) IsZero() bool {
	return c == ChargeCredentials{}
}

// UserInfo is the purchaser as entered on the payment template.
type UserInfo struct {
	Email     string `json:"email,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Country   string `json:"country,omitempty"`
	ZipCode   string `json:"zip_code,omitempty"`
	Address   string `json:"address,omitempty"`
	City      string `json:"city,omitempty"`
	Phone     string `json:"phone,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
}

// FraudAdvice only tightens within an attempt.
type FraudAdvice struct {
	Blacklist       bool `json:"blacklist"`
	CaptchaRequired bool `json:"captcha_required"`
	ForceThreeD     bool `json:"force_three_d"`
}

// Merge ORs every flag.
func (a FraudAdvice) Merge(other FraudAdvice) FraudAdvice {
	return FraudAdvice{
		Blacklist:       a.Blacklist || other.Blacklist,
		CaptchaRequired: a.CaptchaRequired || other.CaptchaRequired,
		ForceThreeD:     a.ForceThreeD || other.ForceThreeD,
	}
}

func (a FraudAdvice) IsBlocking() bool { return a.Blacklist }
