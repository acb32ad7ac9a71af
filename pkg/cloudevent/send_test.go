package cloudevent

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSendSetsHeadersAndSignature(t *testing.T) {
	t.Parallel()
	var gotHeaders http.Header
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	event := New(TypeFinished, "trainjobs/service", "proj-1", "evt-1", map[string]any{"jobId": "job-1"})
	sender := NewSender(5 * time.Second)
	if err := sender.Send(context.Background(), srv.URL, event, "secret"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := gotHeaders.Get("Ce-Type"); got != TypeFinished {
		t.Errorf("Ce-Type = %q, want %q", got, TypeFinished)
	}
	if got := gotHeaders.Get("Content-Type"); got != "application/cloudevents+json" {
		t.Errorf("Content-Type = %q", got)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotHeaders.Get("X-Signature-256"); got != want {
		t.Errorf("X-Signature-256 = %q, want %q", got, want)
	}
}

func TestSendNoKeyNoSignature(t *testing.T) {
	t.Parallel()
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("X-Signature-256")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	event := New(TypeQueued, "trainjobs/service", "proj-1", "evt-1", nil)
	if err := NewSender(5 * time.Second).Send(context.Background(), srv.URL, event, ""); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if signature != "" {
		t.Errorf("expected no signature header, got %q", signature)
	}
}

func TestSendHTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	event := New(TypeFailed, "trainjobs/service", "proj-1", "evt-1", nil)
	err := NewSender(5 * time.Second).Send(context.Background(), srv.URL, event, "")
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
	if IsClientError(err) {
		t.Error("502 must not classify as client error")
	}
}

func TestIsClientError(t *testing.T) {
	t.Parallel()
	if !IsClientError(&HTTPError{StatusCode: 404}) {
		t.Error("404 should be a client error")
	}
	if IsClientError(&HTTPError{StatusCode: 500}) {
		t.Error("500 should not be a client error")
	}
	if IsClientError(errors.New("boom")) {
		t.Error("non-HTTP errors should not be client errors")
	}
}

func TestWanted(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		eventType string
		filter    []string
		want      bool
	}{
		{"empty filter accepts all", TypeQueued, nil, true},
		{"listed type", TypeFailed, []string{TypeFailed, TypeFinished}, true},
		{"unlisted type", TypeStep, []string{TypeFailed}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Wanted(tt.eventType, tt.filter); got != tt.want {
				t.Errorf("Wanted(%q, %v) = %v, want %v", tt.eventType, tt.filter, got, tt.want)
			}
		})
	}
}
