package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to a synchronous card-rail escrow provider over HTTPS.
// Requests are HMAC-signed and carry an Idempotency-Key header so the
// provider deduplicates retried fund movements.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

// NewClient constructs a provider client. A nil httpClient gets a bounded
// default; provider calls must never block a request handler indefinitely.
func NewClient(httpClient *http.Client, baseURL, secret string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		secret:     secret,
	}
}

var _ Provider = (*Client)(nil)

func (c *Client) CreateEscrow(ctx context.Context, dealID, currency string) (string, error) {
	var resp struct {
		EscrowID string `json:"escrow_id"`
	}
	body := map[string]any{"deal_id": dealID, "currency": currency}
	if err := c.post(ctx, "/escrows", dealID, body, &resp); err != nil {
		return "", err
	}
	if resp.EscrowID == "" {
		return "", &Error{Op: "create escrow", Err: fmt.Errorf("empty escrow id")}
	}
	return resp.EscrowID, nil
}

func (c *Client) FundEscrow(ctx context.Context, escrowID string, amountMinor int64, payerID string) (string, error) {
	var resp struct {
		PaymentRef string `json:"payment_ref"`
	}
	body := map[string]any{"amount": amountMinor, "payer_id": payerID}
	path := fmt.Sprintf("/escrows/%s/fund", escrowID)
	if err := c.post(ctx, path, escrowID, body, &resp); err != nil {
		return "", err
	}
	if resp.PaymentRef == "" {
		return "", &Error{Op: "fund escrow", Err: fmt.Errorf("empty payment ref")}
	}
	return resp.PaymentRef, nil
}

func (c *Client) ReleaseToCreator(ctx context.Context, escrowID string, amountMinor int64, creatorID string, meta ReleaseMetadata) (string, error) {
	var resp struct {
		PayoutRef string `json:"payout_ref"`
	}
	body := map[string]any{
		"amount":      amountMinor,
		"creator_id":  creatorID,
		"metadata":    map[string]string{"deal_id": meta.DealID, "milestone_id": meta.MilestoneID},
	}
	path := fmt.Sprintf("/escrows/%s/release", escrowID)
	if err := c.post(ctx, path, meta.MilestoneID, body, &resp); err != nil {
		return "", err
	}
	if resp.PayoutRef == "" {
		return "", &Error{Op: "release", Err: fmt.Errorf("empty payout ref")}
	}
	return resp.PayoutRef, nil
}

func (c *Client) RefundToBrand(ctx context.Context, escrowID string, amountMinor int64) (string, error) {
	var resp struct {
		RefundRef string `json:"refund_ref"`
	}
	body := map[string]any{"amount": amountMinor}
	path := fmt.Sprintf("/escrows/%s/refund", escrowID)
	if err := c.post(ctx, path, "refund-"+escrowID, body, &resp); err != nil {
		return "", err
	}
	if resp.RefundRef == "" {
		return "", &Error{Op: "refund", Err: fmt.Errorf("empty refund ref")}
	}
	return resp.RefundRef, nil
}

func (c *Client) GetStatus(ctx context.Context, escrowID string) (EscrowStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/escrows/"+escrowID, nil)
	if err != nil {
		return "", &Error{Op: "status", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Op: "status", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", c.statusError("status", resp.StatusCode)
	}
	var out struct {
		Status EscrowStatus `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Op: "status", Err: err}
	}
	return out.Status, nil
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Op: "marshal " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &Error{Op: "request " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	req.Header.Set("X-Signature", c.sign(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network failure or timeout: the provider may or may not have
		// acted, which is exactly what the idempotency key is for.
		return &Error{Op: "call " + path, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError("call "+path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Op: "decode " + path, Err: err}
	}
	return nil
}

func (c *Client) statusError(op string, code int) error {
	return &Error{
		Op:        op,
		Retryable: code >= 500 || code == http.StatusTooManyRequests,
		Err:       fmt.Errorf("unexpected status %d", code),
	}
}

func (c *Client) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
