package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
	"github.com/kostush/purchase-gateway-sub005/pkg/tracing"
)

const transactionServiceName = "transaction-service"

// TransactionClient implements provider.TransactionService over HTTP.
type TransactionClient struct {
	doer    httpclient.Doer
	baseURL string
}

func NewTransactionClient(doer httpclient.Doer, baseURL string) *TransactionClient {
	return &TransactionClient{doer: doer, baseURL: baseURL}
}

type submitWire struct {
	SessionID       string                   `json:"session_id"`
	SiteID          string                   `json:"site_id"`
	Biller          domain.Biller            `json:"biller"`
	BillerFields    json.RawMessage          `json:"biller_fields"`
	BinRoutingCodes []string                 `json:"bin_routing_codes,omitempty"`
	Charge          domain.ChargeInformation `json:"charge"`
	Payment         *paymentWire             `json:"payment,omitempty"`
	User            domain.UserInfo          `json:"user"`
	MemberID        string                   `json:"member_id,omitempty"`
	ForceThreeD     bool                     `json:"force_three_d"`
	ReuseCardFrom   string                   `json:"reuse_card_from_transaction_id,omitempty"`
	IsCrossSale     bool                     `json:"is_cross_sale"`
	TermURL         string                   `json:"term_url,omitempty"`
}

// Submit posts a sale. The idempotency key travels in the Idempotency-Key
// header so the retrying client may replay the request.
func (c *TransactionClient) Submit(ctx context.Context, req *provider.SubmitRequest) (_ *provider.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "provider/http", "transaction.submit", req.SessionID.String())
	defer func() { tracing.End(span, err) }()

	if req.Mapping == nil {
		return nil, fmt.Errorf("submit to %s: no biller mapping", req.Biller)
	}
	fields, err := encodeBillerFields(req.Mapping.Fields)
	if err != nil {
		return nil, err
	}

	body := submitWire{
		SessionID:       req.SessionID.String(),
		SiteID:          req.SiteID,
		Biller:          req.Biller,
		BillerFields:    fields,
		BinRoutingCodes: req.Mapping.BinRoutingCodes,
		Charge:          req.Charge,
		User:            req.User,
		MemberID:        req.MemberID.String(),
		ForceThreeD:     req.ForceThreeDS,
		ReuseCardFrom:   req.ReuseCardFromTransactionID.String(),
		IsCrossSale:     req.IsCrossSale,
		TermURL:         req.TermURL,
	}
	if req.ReuseCardFromTransactionID.IsZero() {
		payment, err := encodePayment(req.Payment, req.Credentials)
		if err != nil {
			return nil, err
		}
		body.Payment = &payment
	}

	header := http.Header{}
	header.Set(httpclient.IdempotencyKeyHeader, req.IdempotencyKey)

	var resp envelope[outcomeWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, c.baseURL+"/api/v1/transactions/sale",
		header, body, &resp, transactionServiceName); err != nil {
		return nil, fmt.Errorf("submit to %s: %w", req.Biller, err)
	}
	return resp.Data.toOutcome()
}

type lookupWire struct {
	SessionID           string          `json:"session_id"`
	Biller              domain.Biller   `json:"biller"`
	BillerFields        json.RawMessage `json:"biller_fields,omitempty"`
	CardNumber          string          `json:"card_number,omitempty"`
	CVV                 string          `json:"cvv,omitempty"`
	DeviceFingerprintID string          `json:"device_fingerprint_id"`
	TermURL             string          `json:"term_url"`
}

type lookupResultWire struct {
	Outcome   *outcomeWire   `json:"outcome,omitempty"`
	Challenge *challengeWire `json:"challenge,omitempty"`
}

func (c *TransactionClient) Lookup3DS(ctx context.Context, req *provider.LookupRequest) (_ *provider.LookupResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "provider/http", "transaction.lookup3ds", req.SessionID.String())
	defer func() { tracing.End(span, err) }()

	body := lookupWire{
		SessionID:           req.SessionID.String(),
		Biller:              req.Biller,
		CardNumber:          req.Credentials.CardNumber,
		CVV:                 req.Credentials.CVV,
		DeviceFingerprintID: req.DeviceFingerprintID,
		TermURL:             req.TermURL,
	}
	if req.Mapping != nil {
		if body.BillerFields, err = encodeBillerFields(req.Mapping.Fields); err != nil {
			return nil, err
		}
	}

	var resp envelope[lookupResultWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, c.transactionURL(req.TransactionID, "threed/lookup"),
		nil, body, &resp, transactionServiceName); err != nil {
		return nil, fmt.Errorf("3ds lookup: %w", err)
	}

	out := &provider.LookupResult{}
	switch {
	case resp.Data.Challenge != nil:
		if out.Challenge, err = resp.Data.Challenge.toChallenge(); err != nil {
			return nil, err
		}
	case resp.Data.Outcome != nil:
		if out.Outcome, err = resp.Data.Outcome.toOutcome(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("3ds lookup: transaction service returned neither outcome nor challenge")
	}
	return out, nil
}

func (c *TransactionClient) Complete3DS(ctx context.Context, req *provider.CompleteRequest) (_ *provider.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "provider/http", "transaction.complete3ds", req.SessionID.String())
	defer func() { tracing.End(span, err) }()

	body := map[string]string{"pares": req.PaRes, "md": req.MD, "biller": string(req.Biller)}
	var resp envelope[outcomeWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, c.transactionURL(req.TransactionID, "threed/complete"),
		nil, body, &resp, transactionServiceName); err != nil {
		return nil, fmt.Errorf("3ds complete: %w", err)
	}
	return resp.Data.toOutcome()
}

func (c *TransactionClient) SimplifiedComplete3DS(ctx context.Context, req *provider.SimplifiedCompleteRequest) (_ *provider.Outcome, err error) {
	ctx, span := tracing.StartSpan(ctx, "provider/http", "transaction.simplified_complete3ds", req.SessionID.String())
	defer func() { tracing.End(span, err) }()

	body := map[string]string{"query_string": req.Query, "biller": string(req.Biller)}
	var resp envelope[outcomeWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, c.transactionURL(req.TransactionID, "threed/simplified-complete"),
		nil, body, &resp, transactionServiceName); err != nil {
		return nil, fmt.Errorf("3ds simplified complete: %w", err)
	}
	return resp.Data.toOutcome()
}

func (c *TransactionClient) transactionURL(id domain.TransactionID, action string) string {
	return fmt.Sprintf("%s/api/v1/transactions/%s/%s", c.baseURL, url.PathEscape(id.String()), action)
}
