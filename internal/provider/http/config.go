package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/pkg/httpclient"
)

const configServiceName = "config-service"

// ConfigClient implements provider.BillerConfigService over HTTP.
type ConfigClient struct {
	doer    httpclient.Doer
	baseURL string
}

func NewConfigClient(doer httpclient.Doer, baseURL string) *ConfigClient {
	return &ConfigClient{doer: doer, baseURL: baseURL}
}

type cascadeWire struct {
	Billers     domain.BillerCollection `json:"billers"`
	MaxAttempts int                     `json:"max_attempts"`
}

func (c *ConfigClient) Cascade(ctx context.Context, siteID string, paymentType domain.PaymentType) (domain.BillerCollection, int, error) {
	u := fmt.Sprintf("%s/api/v1/sites/%s/cascade?%s", c.baseURL, url.PathEscape(siteID),
		url.Values{"payment_type": {string(paymentType)}}.Encode())

	var resp envelope[cascadeWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodGet, u, nil, nil, &resp, configServiceName); err != nil {
		return domain.BillerCollection{}, 0, fmt.Errorf("retrieve cascade: %w", err)
	}
	return resp.Data.Billers, resp.Data.MaxAttempts, nil
}

type mappingWire struct {
	Biller          string          `json:"biller"`
	SiteID          string          `json:"site_id"`
	Fields          json.RawMessage `json:"fields"`
	BinRoutingCodes []string        `json:"bin_routing_codes"`
}

// BillerMapping resolves credentials and, for card payments, the bin routing
// codes of the biller on the site.
func (c *ConfigClient) BillerMapping(ctx context.Context, siteID string, biller domain.Biller, bin string) (*domain.BillerMapping, error) {
	q := url.Values{}
	if bin != "" {
		q.Set("bin", bin)
	}
	u := fmt.Sprintf("%s/api/v1/sites/%s/billers/%s/mapping", c.baseURL, url.PathEscape(siteID), url.PathEscape(string(biller)))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var resp envelope[mappingWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodGet, u, nil, nil, &resp, configServiceName); err != nil {
		return nil, fmt.Errorf("retrieve %s mapping: %w", biller, err)
	}

	fields, err := decodeBillerFields(resp.Data.Fields)
	if err != nil {
		return nil, err
	}
	m := &domain.BillerMapping{
		Biller:          biller,
		SiteID:          siteID,
		Fields:          fields,
		BinRoutingCodes: resp.Data.BinRoutingCodes,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type siteWire struct {
	SiteID                   string `json:"site_id"`
	PostbackURL              string `json:"postback_url"`
	CrossSellEnabled         bool   `json:"cross_sell_enabled"`
	NSFCrossSellContinuation bool   `json:"nsf_cross_sell_continuation"`
}

func (c *ConfigClient) Site(ctx context.Context, siteID string) (*domain.SiteConfig, error) {
	var resp envelope[siteWire]
	if err := httpclient.DoJSON(ctx, c.doer, http.MethodGet, c.baseURL+"/api/v1/sites/"+url.PathEscape(siteID),
		nil, nil, &resp, configServiceName); err != nil {
		return nil, fmt.Errorf("retrieve site %s: %w", siteID, err)
	}
	return &domain.SiteConfig{
		SiteID:                   siteID,
		PostbackURL:              resp.Data.PostbackURL,
		CrossSellEnabled:         resp.Data.CrossSellEnabled,
		NSFCrossSellContinuation: resp.Data.NSFCrossSellContinuation,
	}, nil
}
