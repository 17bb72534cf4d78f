package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Deliverable is the content a creator submitted, as seen by the checker.
type Deliverable struct {
	URL         string `json:"url"`
	FileRef     string `json:"file_ref"`
	ContentHash string `json:"content_hash"`
}

// Result is the checker's verdict. Only Errors containing a hard-failure
// code block submission; warnings are surfaced informationally and recorded
// on the deliverable snapshot.
type Result struct {
	URLAccessible   bool     `json:"url_accessible"`
	HashVerified    bool     `json:"hash_verified"`
	RequirementsMet bool     `json:"requirements_met"`
	Errors          []string `json:"errors"`
	Warnings        []string `json:"warnings"`
}

// Hard-failure codes: anything else in Errors is downgraded to a warning.
const (
	CodeMissingContent  = "missing_content"
	CodeMalwareDetected = "malware_detected"
	CodeContentRemoved  = "content_removed"
)

var hardFailures = map[string]struct{}{
	CodeMissingContent:  {},
	CodeMalwareDetected: {},
	CodeContentRemoved:  {},
}

// HardFailure returns the first blocking error code in the result, if any.
func (r Result) HardFailure() (string, bool) {
	for _, code := range r.Errors {
		if _, ok := hardFailures[code]; ok {
			return code, true
		}
	}
	return "", false
}

// Checker validates a deliverable before it enters the state machine.
type Checker interface {
	Check(ctx context.Context, d Deliverable) (Result, error)
}

// HTTPChecker calls an external validation service.
type HTTPChecker struct {
	httpClient *http.Client
	baseURL    string
}

func NewHTTPChecker(httpClient *http.Client, baseURL string) *HTTPChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPChecker{httpClient: httpClient, baseURL: baseURL}
}

var _ Checker = (*HTTPChecker)(nil)

func (c *HTTPChecker) Check(ctx context.Context, d Deliverable) (Result, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return Result{}, fmt.Errorf("validation: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("validation: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("validation: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("validation: unexpected status %s", resp.Status)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("validation: decode: %w", err)
	}
	return out, nil
}
