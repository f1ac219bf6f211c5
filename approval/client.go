package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/erp_backend/config"
	"bitbucket.org/mmdatafocus/erp_backend/models"
	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

const (
	ResultApproved = "A"
	ResultRejected = "R"
)

// Request is the body posted to the approval service.
type Request struct {
	ResolutionId string                 `json:"resolution_id"`
	Document     models.ApprovalPayload `json:"document"`
}

// Response is the service's decision. Token is only set when Result is "A".
type Response struct {
	Result         string `json:"result"`
	Token          string `json:"token"`
	TokenExpiresAt string `json:"token_expires_at"`
	Observations   []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"observations"`
}

func (r *Response) reason() string {
	msgs := make([]string, 0, len(r.Observations))
	for _, o := range r.Observations {
		msgs = append(msgs, fmt.Sprintf("%d: %s", o.Code, o.Message))
	}
	return strings.Join(msgs, "; ")
}

// Client talks to the external fiscal approval service. It implements models.ApprovalService.
type Client struct {
	baseURL      string
	resolutionId string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

func NewClient(baseURL string, resolutionId string, timeout time.Duration, ratePerSecond int) *Client {
	if ratePerSecond <= 0 {
		ratePerSecond = 1
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		resolutionId: resolutionId,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(ratePerSecond), ratePerSecond),
	}
}

// NewClientFromEnv returns nil when APPROVAL_SERVICE_URL is not set.
func NewClientFromEnv() *Client {
	baseURL := config.ApprovalServiceURL()
	if baseURL == "" {
		return nil
	}
	return NewClient(baseURL, config.ApprovalResolutionId(), config.ApprovalTimeout(), config.ApprovalRatePerSecond())
}

// RequestApproval posts one document. Transport failures, non-200 answers and unreadable bodies
// are errors (the service is treated as unreachable); a readable answer is a decision.
func (c *Client) RequestApproval(ctx context.Context, payload models.ApprovalPayload) (*models.ApprovalDecision, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "approval: rate limiter")
	}
	body, err := json.Marshal(Request{ResolutionId: c.resolutionId, Document: payload})
	if err != nil {
		return nil, errors.Wrap(err, "approval: marshal payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/approvals", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "approval: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", payload.MessageId)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "approval: service unreachable")
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("approval: service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var parsed Response
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Wrap(err, "approval: decode response")
	}

	switch parsed.Result {
	case ResultApproved:
		if parsed.Token == "" {
			return &models.ApprovalDecision{Approved: false, Reason: "approved without token"}, nil
		}
		return &models.ApprovalDecision{Approved: true, Token: parsed.Token}, nil
	case ResultRejected:
		reason := parsed.reason()
		if reason == "" {
			reason = "rejected"
		}
		return &models.ApprovalDecision{Approved: false, Reason: reason}, nil
	default:
		return nil, errors.Newf("approval: unknown result %q", parsed.Result)
	}
}
