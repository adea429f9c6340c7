package http

import (
	"encoding/json"
	"fmt"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
)

// envelope matches the {"data": ...} body written by the platform services.
type envelope[T any] struct {
	Data T `json:"data"`
}

func encodeBillerFields(f domain.BillerFields) (json.RawMessage, error) {
	var v any
	switch f := f.(type) {
	case domain.RocketgateFields:
		v = struct {
			Type domain.Biller `json:"type"`
			domain.RocketgateFields
		}{domain.BillerRocketgate, f}
	case domain.NetbillingFields:
		v = struct {
			Type domain.Biller `json:"type"`
			domain.NetbillingFields
		}{domain.BillerNetbilling, f}
	case domain.EpochFields:
		v = struct {
			Type domain.Biller `json:"type"`
			domain.EpochFields
		}{domain.BillerEpoch, f}
	case domain.QyssoFields:
		v = struct {
			Type domain.Biller `json:"type"`
			domain.QyssoFields
		}{domain.BillerQysso, f}
	default:
		return nil, fmt.Errorf("unsupported biller fields %T", f)
	}
	return json.Marshal(v)
}

func decodeBillerFields(raw json.RawMessage) (domain.BillerFields, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode biller fields: %w", err)
	}
	biller, err := domain.ParseBiller(head.Type)
	if err != nil {
		return nil, err
	}

	var f domain.BillerFields
	switch biller {
	case domain.BillerRocketgate:
		var v domain.RocketgateFields
		err = json.Unmarshal(raw, &v)
		f = v
	case domain.BillerNetbilling:
		var v domain.NetbillingFields
		err = json.Unmarshal(raw, &v)
		f = v
	case domain.BillerEpoch:
		var v domain.EpochFields
		err = json.Unmarshal(raw, &v)
		f = v
	case domain.BillerQysso:
		var v domain.QyssoFields
		err = json.Unmarshal(raw, &v)
		f = v
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s fields: %w", biller, err)
	}
	return f, nil
}

type paymentWire struct {
	Method          string `json:"method"`
	CardNumber      string `json:"card_number,omitempty"`
	CVV             string `json:"cvv,omitempty"`
	ExpirationMonth int    `json:"expiration_month,omitempty"`
	ExpirationYear  int    `json:"expiration_year,omitempty"`
	TemplateID      string `json:"template_id,omitempty"`
	RoutingNumber   string `json:"routing_number,omitempty"`
	AccountNumber   string `json:"account_number,omitempty"`
	SavingAccount   bool   `json:"saving_account,omitempty"`
	Name            string `json:"name,omitempty"`
}

func encodePayment(p domain.PaymentInfo, creds domain.ChargeCredentials) (paymentWire, error) {
	switch p := p.(type) {
	case domain.NewCardPayment:
		return paymentWire{
			Method:          p.Method(),
			CardNumber:      creds.CardNumber,
			CVV:             creds.CVV,
			ExpirationMonth: p.ExpirationMonth,
			ExpirationYear:  p.ExpirationYear,
		}, nil
	case domain.ExistingCardPayment:
		return paymentWire{Method: p.Method(), TemplateID: p.TemplateID}, nil
	case domain.ChequePayment:
		return paymentWire{
			Method:        p.Method(),
			RoutingNumber: creds.RoutingNumber,
			AccountNumber: creds.AccountNumber,
			SavingAccount: p.SavingAccount,
		}, nil
	case domain.OtherPayment:
		return paymentWire{Method: p.Method(), Name: p.Name}, nil
	case nil:
		return paymentWire{}, fmt.Errorf("payment info is required")
	default:
		return paymentWire{}, fmt.Errorf("unsupported payment info %T", p)
	}
}

type challengeWire struct {
	TransactionID string `json:"transaction_id"`
	AuthURL       string `json:"auth_url"`
	PaReq         string `json:"pareq"`
	MD            string `json:"md"`
	Version       int    `json:"version"`
}

func (c *challengeWire) toChallenge() (*provider.StepUpChallenge, error) {
	if c == nil {
		return nil, nil
	}
	id, err := domain.ParseTransactionID(c.TransactionID)
	if err != nil {
		return nil, err
	}
	return &provider.StepUpChallenge{
		TransactionID: id,
		AuthURL:       c.AuthURL,
		PaReq:         c.PaReq,
		MD:            c.MD,
		Version:       c.Version,
	}, nil
}

type outcomeWire struct {
	Status        string         `json:"status"`
	TransactionID string         `json:"transaction_id"`
	IsNSF         bool           `json:"is_nsf"`
	Reason        string         `json:"reason,omitempty"`
	ThreeDS       *challengeWire `json:"three_ds,omitempty"`
}

func (o *outcomeWire) toOutcome() (*provider.Outcome, error) {
	out := &provider.Outcome{
		Status: domain.TransactionStatus(o.Status),
		IsNSF:  o.IsNSF,
		Reason: o.Reason,
	}
	if o.TransactionID != "" {
		id, err := domain.ParseTransactionID(o.TransactionID)
		if err != nil {
			return nil, err
		}
		out.TransactionID = id
	}
	challenge, err := o.ThreeDS.toChallenge()
	if err != nil {
		return nil, err
	}
	out.ThreeDS = challenge
	if err := provider.ValidateOutcome(out); err != nil {
		return nil, fmt.Errorf("transaction service answered: %w", err)
	}
	return out, nil
}
