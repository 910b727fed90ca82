package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"devlog.app/licenses/models"
	"devlog.app/licenses/storage"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	GenerationSecret = "test-generation-secret"
	WebhookSecret    = "whsec_test_secret"
)

// SeedLicense writes a record and its email index directly, bypassing issuance.
func SeedLicense(t testing.TB, store storage.Store, key, email string, status models.Status) {
	t.Helper()

	record := models.NewLicenseRecord(email, models.SourceManual, time.Now())
	record.Status = status
	raw, err := models.EncodeRecord(record)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}

	batch := storage.NewBatch().
		Set(key, raw).
		Set(models.EmailIndexKey(email), key)
	if err := store.Apply(context.Background(), batch); err != nil {
		t.Fatalf("seed license %s: %v", key, err)
	}
}

// CheckoutSession returns a checkout.session object as Stripe sends it.
func CheckoutSession(sessionID, email, paymentStatus string) map[string]interface{} {
	session := map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   2999,
		"currency":       "usd",
		"mode":           "payment",
		"payment_status": paymentStatus,
	}
	if email != "" {
		session["customer_details"] = map[string]interface{}{
			"email": email,
		}
	}
	return session
}

func StripeEventPayload(t testing.TB, eventType string, object map[string]interface{}) []byte {
	t.Helper()

	payload, err := json.Marshal(map[string]interface{}{
		"id":          "evt_test_" + eventType,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	})
	if err != nil {
		t.Fatalf("marshal stripe event: %v", err)
	}
	return payload
}

// SignStripePayload returns a Stripe-Signature header value for payload.
func SignStripePayload(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func StripeWebhookRequest(t testing.TB, handler http.Handler, path string, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func JSONRequest(t testing.TB, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func DecodeJSON(t testing.TB, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return body
}

// RecordingMailer captures sent messages.
type RecordingMailer struct {
	Err error

	mu   sync.Mutex
	sent []SentMail
}

type SentMail struct {
	To      string
	Subject string
	Body    string
}

func (m *RecordingMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMail{To: to, Subject: subject, Body: body})
	return m.Err
}

func (m *RecordingMailer) Sent() []SentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMail(nil), m.sent...)
}
