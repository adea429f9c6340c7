package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/provider"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
)

const fraudServiceName = "fraud-service"

// FraudClient implements provider.FraudService over HTTP.
type FraudClient struct {
	doer    httpclient.Doer
	baseURL string
}

func NewFraudClient(doer httpclient.Doer, baseURL string) *FraudClient {
	return &FraudClient{doer: doer, baseURL: baseURL}
}

type fraudRequestWire struct {
	SessionID     string              `json:"session_id"`
	SiteID        string              `json:"site_id"`
	Stage         provider.FraudStage `json:"stage"`
	Email         string              `json:"email,omitempty"`
	IPAddress     string              `json:"ip_address,omitempty"`
	Country       string              `json:"country,omitempty"`
	ZipCode       string              `json:"zip_code,omitempty"`
	PaymentMethod string              `json:"payment_method,omitempty"`
	Bin           string              `json:"bin,omitempty"`
	Last4         string              `json:"last4,omitempty"`
}

func (c *FraudClient) RetrieveAdvice(ctx context.Context, req *provider.FraudRequest) (domain.FraudAdvice, error) {
	body := fraudRequestWire{
		SessionID: req.SessionID.String(),
		SiteID:    req.SiteID,
		Stage:     req.Stage,
		Email:     req.User.Email,
		IPAddress: req.User.IPAddress,
		Country:   req.User.Country,
		ZipCode:   req.User.ZipCode,
		Bin:       req.Bin,
	}
	if req.Payment != nil {
		body.PaymentMethod = req.Payment.Method()
		if card, ok := req.Payment.(domain.NewCardPayment); ok {
			body.Last4 = card.Last4
		}
	}

	var resp envelope[domain.FraudAdvice]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodPost, c.baseURL+"/api/v1/advice",
		nil, body, &resp, fraudServiceName); err != nil {
		return domain.FraudAdvice{}, fmt.Errorf("retrieve fraud advice: %w", err)
	}
	return resp.Data, nil
}
