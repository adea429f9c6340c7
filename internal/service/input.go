package service

import (
	"fmt"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	apperrors "github.com/kostush/purchase-gateway-sub005/pkg/errors"
)

// InitInput holds the parameters for starting a purchase session.
type InitInput struct {
	SessionID      string      `json:"session_id" validate:"omitempty,uuid"`
	SiteID         string      `json:"site_id" validate:"required"`
	PaymentType    string      `json:"payment_type" validate:"required,oneof=cc checks"`
	PublicKeyIndex int         `json:"public_key_index" validate:"gte=0"`
	RedirectURL    string      `json:"redirect_url" validate:"required,url"`
	PostbackURL    string      `json:"postback_url" validate:"omitempty,url"`
	MemberID       string      `json:"member_id" validate:"omitempty,uuid"`
	MainItem       ItemInput   `json:"main_item"`
	CrossSales     []ItemInput `json:"cross_sales" validate:"omitempty,dive"`
	ClientIP       string      `json:"client_ip" validate:"omitempty,ip"`
	Email          string      `json:"email" validate:"omitempty,email"`
}

// ItemInput describes one item offered in the session.
type ItemInput struct {
	ItemID        string    `json:"item_id" validate:"omitempty,uuid"`
	BundleID      string    `json:"bundle_id"`
	AddonID       string    `json:"addon_id"`
	SiteID        string    `json:"site_id"`
	InitialAmount int64     `json:"initial_amount" validate:"gte=0"`
	InitialDays   int       `json:"initial_days" validate:"gte=0"`
	RebillAmount  int64     `json:"rebill_amount" validate:"gte=0"`
	RebillDays    int       `json:"rebill_days" validate:"gte=0"`
	Currency      string    `json:"currency" validate:"required,currency"`
	Tax           *TaxInput `json:"tax,omitempty"`
}

type TaxInput struct {
	Amount int64   `json:"amount" validate:"gte=0"`
	Rate   float64 `json:"rate" validate:"gte=0"`
	Name   string  `json:"name"`
}

func (in ItemInput) toItem(defaultSite string, crossSale bool) (domain.InitializedItem, error) {
	id := domain.NewItemID()
	if in.ItemID != "" {
		parsed, err := domain.ParseItemID(in.ItemID)
		if err != nil {
			return domain.InitializedItem{}, err
		}
		id = parsed
	}
	site := in.SiteID
	if site == "" {
		site = defaultSite
	}
	item := domain.InitializedItem{
		ItemID:   id,
		BundleID: in.BundleID,
		AddonID:  in.AddonID,
		SiteID:   site,
		Charge: domain.ChargeInformation{
			InitialAmount: in.InitialAmount,
			InitialDays:   in.InitialDays,
			RebillAmount:  in.RebillAmount,
			RebillDays:    in.RebillDays,
			Currency:      in.Currency,
		},
		IsCrossSale: crossSale,
	}
	if in.Tax != nil {
		item.Charge.Tax = &domain.Tax{Amount: in.Tax.Amount, Rate: in.Tax.Rate, Name: in.Tax.Name}
	}
	return item, nil
}

// ProcessInput holds the payment template submitted by the purchaser.
type ProcessInput struct {
	SessionID          string       `json:"session_id" validate:"required,uuid"`
	User               UserInput    `json:"user"`
	Payment            PaymentInput `json:"payment"`
	SelectedCrossSales []string     `json:"selected_cross_sales" validate:"omitempty,dive,uuid"`
	CaptchaValidated   bool         `json:"captcha_validated"`
}

type UserInput struct {
	Email     string `json:"email" validate:"omitempty,email"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Country   string `json:"country" validate:"omitempty,len=2"`
	ZipCode   string `json:"zip_code"`
	Address   string `json:"address"`
	City      string `json:"city"`
	Phone     string `json:"phone"`
}

func (in UserInput) toUserInfo() domain.UserInfo {
	return domain.UserInfo{
		Email:     in.Email,
		Username:  in.Username,
		FirstName: in.FirstName,
		LastName:  in.LastName,
		Country:   in.Country,
		ZipCode:   in.ZipCode,
		Address:   in.Address,
		City:      in.City,
		Phone:     in.Phone,
	}
}

// PaymentInput carries the payment method and, for new cards and cheques,
// the credentials forwarded to the biller.
type PaymentInput struct {
	Method          string `json:"method" validate:"required,oneof=new_card existing_card cheque other"`
	CardNumber      string `json:"card_number" validate:"required_if=Method new_card"`
	CVV             string `json:"cvv"`
	ExpirationMonth int    `json:"expiration_month" validate:"omitempty,min=1,max=12"`
	ExpirationYear  int    `json:"expiration_year" validate:"omitempty,min=2000"`
	TemplateID      string `json:"template_id" validate:"required_if=Method existing_card"`
	RoutingNumber   string `json:"routing_number" validate:"required_if=Method cheque"`
	AccountNumber   string `json:"account_number" validate:"required_if=Method cheque"`
	SavingAccount   bool   `json:"saving_account"`
	Name            string `json:"name" validate:"required_if=Method other"`
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func last4(s string) string {
	if len(s) <= 4 {
		return s
	}
	return s[len(s)-4:]
}

func (in PaymentInput) toPayment() (domain.PaymentInfo, domain.ChargeCredentials, error) {
	switch in.Method {
	case domain.MethodNewCard:
		if len(in.CardNumber) < 12 || len(in.CardNumber) > 19 || !isDigits(in.CardNumber) {
			return nil, domain.ChargeCredentials{}, apperrors.InvalidInput("card number must be 12 to 19 digits")
		}
		if in.CVV != "" && !isDigits(in.CVV) {
			return nil, domain.ChargeCredentials{}, apperrors.InvalidInput("cvv must be numeric")
		}
		return domain.NewCardPayment{
				First6:          in.CardNumber[:6],
				Last4:           last4(in.CardNumber),
				ExpirationMonth: in.ExpirationMonth,
				ExpirationYear:  in.ExpirationYear,
			},
			domain.ChargeCredentials{CardNumber: in.CardNumber, CVV: in.CVV},
			nil
	case domain.MethodExistingCard:
		if in.TemplateID == "" {
			return nil, domain.ChargeCredentials{}, apperrors.InvalidInput("template id is required")
		}
		return domain.ExistingCardPayment{TemplateID: in.TemplateID}, domain.ChargeCredentials{}, nil
	case domain.MethodCheque:
		if !isDigits(in.RoutingNumber) || !isDigits(in.AccountNumber) {
			return nil, domain.ChargeCredentials{}, apperrors.InvalidInput("routing and account numbers must be numeric")
		}
		return domain.ChequePayment{
				RoutingNumberLast4: last4(in.RoutingNumber),
				AccountNumberLast4: last4(in.AccountNumber),
				SavingAccount:      in.SavingAccount,
			},
			domain.ChargeCredentials{RoutingNumber: in.RoutingNumber, AccountNumber: in.AccountNumber},
			nil
	case domain.MethodOther:
		if in.Name == "" {
			return nil, domain.ChargeCredentials{}, apperrors.InvalidInput("payment name is required")
		}
		return domain.OtherPayment{Name: in.Name}, domain.ChargeCredentials{}, nil
	}
	return nil, domain.ChargeCredentials{}, apperrors.InvalidInput(fmt.Sprintf("unknown payment method %q", in.Method))
}

// LookupInput carries the device data collected for a 3DS lookup.
type LookupInput struct {
	SessionID           string `json:"session_id" validate:"required,uuid"`
	DeviceFingerprintID string `json:"device_fingerprint_id" validate:"required"`
	TermURL             string `json:"term_url" validate:"omitempty,url"`
	CardNumber          string `json:"card_number"`
	CVV                 string `json:"cvv"`
}

// CompleteInput is the bank's form post after a 3DS challenge.
type CompleteInput struct {
	SessionID string
	PaRes     string
	MD        string
}

// SimplifiedCompleteInput is the bank's redirect in the simplified flow.
// Query is forwarded verbatim.
type SimplifiedCompleteInput struct {
	SessionID string
	Query     string
}
