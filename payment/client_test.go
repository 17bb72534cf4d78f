package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestReleaseToCreator_SignsAndKeysRequest(t *testing.T) {
	const secret = "top-secret"
	var gotKey, gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"payout_ref":"po_123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, secret)
	ref, err := c.ReleaseToCreator(context.Background(), "esc_1", 5000, "creator-1", ReleaseMetadata{DealID: "d-1", MilestoneID: "m-1"})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if ref != "po_123" {
		t.Errorf("payout ref = %q, want po_123", ref)
	}
	if gotKey != "m-1" {
		t.Errorf("idempotency key = %q, want milestone id", gotKey)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	if want := hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
}

func TestPost_RetryableClassification(t *testing.T) {
	cases := []struct {
		code      int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusConflict, false},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
		}))
		c := NewClient(srv.Client(), srv.URL, "s")
		_, err := c.CreateEscrow(context.Background(), "d-1", "USD")
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tc.code)
		}
		if IsRetryable(err) != tc.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tc.code, IsRetryable(err), tc.retryable)
		}
	}
}

func TestFundEscrow_EmptyRefIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL, "s")
	if _, err := c.FundEscrow(context.Background(), "esc_1", 100, "brand-1"); err == nil {
		t.Fatal("expected error on empty payment ref")
	}
}
