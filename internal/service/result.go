package service

import (
	"net/url"

	"github.com/kostush/purchase-gateway-sub005/internal/domain"
	"github.com/kostush/purchase-gateway-sub005/internal/postback"
)

// NextActionType tells the client what to do after a command.
type NextActionType string

const (
	ActionRenderGateway   NextActionType = "renderGateway"
	ActionValidateCaptcha NextActionType = "validateCaptcha"
	ActionDeviceDetection NextActionType = "deviceDetection"
	ActionAuthenticate3D  NextActionType = "authenticate3D"
	ActionFinishProcess   NextActionType = "finishProcess"
	ActionRestartProcess  NextActionType = "restartProcess"
)

type NextAction struct {
	Type    NextActionType `json:"type"`
	AuthURL string         `json:"auth_url,omitempty"`
	PaReq   string         `json:"pareq,omitempty"`
	MD      string         `json:"md,omitempty"`
	TermURL string         `json:"term_url,omitempty"`
}

type ItemResult struct {
	ItemID        string            `json:"item_id"`
	IsCrossSale   bool              `json:"is_cross_sale"`
	IsSelected    bool              `json:"is_selected"`
	Status        domain.ItemStatus `json:"status"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Biller        string            `json:"biller,omitempty"`
}

// PurchaseResult is returned by every command.
type PurchaseResult struct {
	SessionID   string             `json:"session_id"`
	PurchaseID  string             `json:"purchase_id,omitempty"`
	MemberID    string             `json:"member_id,omitempty"`
	State       domain.State       `json:"state"`
	Success     bool               `json:"success"`
	NextAction  NextAction         `json:"next_action"`
	Items       []ItemResult       `json:"items"`
	RedirectURL string             `json:"redirect_url,omitempty"`
	Digest      string             `json:"digest,omitempty"`
	FraudAdvice domain.FraudAdvice `json:"fraud_advice"`

	redirectParams url.Values
}

// RedirectParams are the signed query parameters appended to RedirectURL
// when the client is sent back to the merchant.
func (r *PurchaseResult) RedirectParams() url.Values {
	out := url.Values{}
	for k, vs := range r.redirectParams {
		out[k] = append([]string(nil), vs...)
	}
	if r.Digest != "" {
		out.Set("digest", r.Digest)
	}
	return out
}

func (s *PurchaseService) result(p *domain.PurchaseProcess) *PurchaseResult {
	sid := p.SessionID()
	success := p.State() == domain.StateProcessed
	res := &PurchaseResult{
		SessionID:      sid.String(),
		MemberID:       p.MemberID().String(),
		State:          p.State(),
		Success:        success,
		RedirectURL:    p.RedirectURL(),
		FraudAdvice:    p.FraudAdvice(),
		redirectParams: postback.RedirectParams(sid, p.State(), success),
	}
	if pur := p.Purchase(); pur != nil {
		res.PurchaseID = pur.PurchaseID.String()
		res.MemberID = pur.MemberID.String()
	}

	// An unknown key index was rejected at init; a restored session whose
	// key was since removed simply goes unsigned.
	if digest, err := s.signer.RedirectDigest(p.PublicKeyIndex(), sid, p.State(), success); err == nil {
		res.Digest = digest
	}

	for _, it := range p.Items() {
		ir := ItemResult{
			ItemID:      it.ItemID.String(),
			IsCrossSale: it.IsCrossSale,
			IsSelected:  it.IsSelected,
			Status:      it.Status(),
		}
		if tx, ok := it.Transactions().Last(); ok {
			ir.TransactionID = tx.TransactionID.String()
			ir.Biller = string(tx.Biller)
		}
		res.Items = append(res.Items, ir)
	}

	switch st := p.State(); {
	case st == domain.StatePending && p.FraudAdvice().CaptchaRequired:
		res.NextAction = NextAction{Type: ActionValidateCaptcha}
	case st == domain.StatePending, st == domain.StateValid:
		res.NextAction = NextAction{Type: ActionRenderGateway}
	case st == domain.StateThreeDLookupPending:
		res.NextAction = NextAction{Type: ActionDeviceDetection, TermURL: s.lookupURL(sid)}
	case st == domain.StateThreeDAuthenticatePending:
		na := NextAction{Type: ActionAuthenticate3D, TermURL: s.completeURL(sid)}
		if info := p.ThreeDS(); info != nil {
			na.AuthURL, na.PaReq, na.MD = info.AuthURL, info.PaReq, info.MD
		}
		res.NextAction = na
	case st == domain.StateAborted:
		res.NextAction = NextAction{Type: ActionRestartProcess}
	default:
		res.NextAction = NextAction{Type: ActionFinishProcess}
	}
	return res
}
