package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
)

// Sub-check and overall outcomes as the provider reports them.
const (
	CheckApproved   = "approved"
	CheckDeclined   = "declined"
	CheckError      = "error"
	CheckInProgress = "in_progress"

	AMLClear   = "clear"
	AMLUnclear = "unclear"
	AMLFailed  = "failed"
)

// SubChecks are the provider's per-dimension verdicts.
type SubChecks struct {
	Document  string `json:"document"`
	Liveness  string `json:"liveness"`
	FaceMatch string `json:"face_match"`
}

// ProviderSession is the provider's answer to a create-session call.
type ProviderSession struct {
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ProviderStatus is a snapshot of a provider-side session, from either the
// status endpoint or a webhook payload.
type ProviderStatus struct {
	SessionID  string          `json:"session_id"`
	Overall    string          `json:"status"`
	Checks     SubChecks       `json:"checks"`
	Confidence float64         `json:"confidence"`
	RiskScore  float64         `json:"risk_score"`
	AMLStatus  string          `json:"aml_status"`
	Raw        json.RawMessage `json:"-"`
}

// UserInfo is the minimal applicant data forwarded to the provider.
type UserInfo struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

// VerificationProvider is the external identity-verification service, contract
// only. The HTTP implementation talks to the real vendor; tests substitute
// fakes.
type VerificationProvider interface {
	CreateSession(ctx context.Context, ownerID string, info UserInfo) (*ProviderSession, error)
	GetSessionStatus(ctx context.Context, providerSessionID string) (*ProviderStatus, error)
}

// HTTPProvider calls the vendor's REST API.
type HTTPProvider struct {
	baseURL     string
	apiKey      string
	workflowID  string
	callbackURL string
	client      *http.Client
	log         *zap.Logger
}

func NewHTTPProviderFromEnv(log *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL:     os.Getenv("KYC_PROVIDER_URL"),
		apiKey:      os.Getenv("KYC_PROVIDER_API_KEY"),
		workflowID:  os.Getenv("KYC_WORKFLOW_ID"),
		callbackURL: os.Getenv("KYC_CALLBACK_URL"),
		client:      &http.Client{Timeout: 15 * time.Second},
		log:         log,
	}
}

type createSessionRequest struct {
	WorkflowID  string   `json:"workflow_id"`
	CallbackURL string   `json:"callback_url"`
	VendorData  string   `json:"vendor_data"` // our ownerID, echoed back by the provider
	Applicant   UserInfo `json:"applicant"`
}

func (p *HTTPProvider) CreateSession(ctx context.Context, ownerID string, info UserInfo) (*ProviderSession, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("kyc provider not configured")
	}

	payload, err := json.Marshal(createSessionRequest{
		WorkflowID:  p.workflowID,
		CallbackURL: p.callbackURL,
		VendorData:  ownerID,
		Applicant:   info,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/session", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		p.log.Warn("provider create session failed",
			zap.Int("status", res.StatusCode),
			zap.ByteString("body", body))
		return nil, fmt.Errorf("provider create session: status %d", res.StatusCode)
	}

	var session ProviderSession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("provider create session: malformed response: %w", err)
	}
	if session.SessionID == "" || session.URL == "" {
		return nil, fmt.Errorf("provider create session: incomplete response")
	}
	return &session, nil
}

func (p *HTTPProvider) GetSessionStatus(ctx context.Context, providerSessionID string) (*ProviderStatus, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("kyc provider not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/session/"+providerSessionID+"/decision", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("provider session status: status %d", res.StatusCode)
	}

	var status ProviderStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("provider session status: malformed response: %w", err)
	}
	status.Raw = body
	return &status, nil
}
