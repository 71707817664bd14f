package channel

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coreastra/internal/domain"
)

// verifyHMAC checks a signature the way a receiver would.
func verifyHMAC(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(signHMAC(body, secret)), []byte(signature))
}

func TestSignHMAC_Verifies(t *testing.T) {
	body := []byte(`{"kind":"confirmation_required"}`)
	sig := signHMAC(body, "test-secret")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature format: %s", sig)
	}
	if !verifyHMAC(body, "test-secret", sig) {
		t.Error("valid HMAC should verify")
	}
	if verifyHMAC(body, "other-secret", sig) {
		t.Error("wrong secret should not verify")
	}
	if verifyHMAC(body, "test-secret", "") {
		t.Error("empty signature should not verify")
	}
}

func TestWebhook_PostsSignedNotification(t *testing.T) {
	type delivery struct {
		body []byte
		sig  string
	}
	got := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- delivery{body: body, sig: r.Header.Get(signatureHeader)}
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret", Logger: testLogger()})
	w.Notify(domain.Notification{
		Kind:      domain.NotifyConfirmationRequired,
		SessionID: "abc",
		Command:   "rm -rf build",
		RiskLevel: domain.RiskCritical,
	})

	select {
	case d := <-got:
		if !verifyHMAC(d.body, "s3cret", d.sig) {
			t.Errorf("signature %q does not match body", d.sig)
		}
		var n domain.Notification
		if err := json.Unmarshal(d.body, &n); err != nil {
			t.Fatal(err)
		}
		if n.SessionID != "abc" || n.RiskLevel != domain.RiskCritical {
			t.Errorf("payload: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestWebhook_UnsignedAndErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get(signatureHeader) != "" {
			t.Error("no signature expected without a secret")
		}
		rw.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, Logger: testLogger()})
	if err := w.post(t.Context(), domain.Notification{Kind: domain.NotifyExecutionFinished}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestSplitMessage(t *testing.T) {
	if chunks := splitMessage("short message", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks := splitMessage("", 100); len(chunks) != 1 {
		t.Errorf("expected 1 chunk for empty, got %d", len(chunks))
	}

	long := strings.Repeat("word ", 100)
	chunks := splitMessage(long, 50)
	if len(chunks) < 2 {
		t.Errorf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 50 {
			t.Errorf("chunk %d too long: %d", i, len(c))
		}
	}
	if strings.Join(chunks, "") != long {
		t.Error("chunks do not reassemble the message")
	}
}
