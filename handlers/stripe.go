package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"devlog.app/licenses/internal/email"
	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/models"
	"github.com/go-chi/render"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const maxWebhookBodyBytes = int64(65536)

var errWebhookSecretUnset = errors.New("webhook secret not configured")

// Webhook handling results, used as the metrics "result" label.
const (
	webhookIssued           = "issued"
	webhookExisting         = "existing"
	webhookIgnored          = "ignored"
	webhookUnpaid           = "unpaid"
	webhookMissingEmail     = "missing_email"
	webhookFailed           = "failed"
	webhookInvalidSignature = "invalid_signature"
)

type WebhookResponse struct {
	Received bool `json:"received"`
}

func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	event, err := s.constructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		s.opts.Metrics.ObserveWebhook("unknown", webhookInvalidSignature)
		writeErrorResponse(w, r, http.StatusUnauthorized, "Invalid signature")
		return
	}

	logger.Info("Stripe event received", map[string]interface{}{
		"event_type": string(event.Type),
		"event_id":   event.ID,
	})

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := decodeEventObject(event, &session); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			s.opts.Metrics.ObserveWebhook(string(event.Type), webhookFailed)
			writeErrorResponse(w, r, http.StatusBadRequest, "Invalid event payload")
			return
		}

		result, err := s.handleCheckoutSession(r.Context(), &session)
		s.opts.Metrics.ObserveWebhook(string(event.Type), result)
		if err != nil {
			writeInternalError(w, r, err, "Failed to handle checkout session")
			return
		}
	default:
		logger.Debug("Unhandled webhook event type", map[string]interface{}{
			"event_type": string(event.Type),
			"event_id":   event.ID,
		})
		s.opts.Metrics.ObserveWebhook(string(event.Type), webhookIgnored)
	}

	render.JSON(w, r, WebhookResponse{Received: true})
}

// handleCheckoutSession issues a license for a paid session. Only storage
// failures are returned; everything else is acknowledged.
func (s *Server) handleCheckoutSession(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		logger.Info("Checkout session not paid yet", map[string]interface{}{
			"session_id":     session.ID,
			"payment_status": string(session.PaymentStatus),
		})
		return webhookUnpaid, nil
	}

	customerEmail := sessionEmail(session)
	if customerEmail == "" {
		logger.Error("Paid checkout session has no customer email", map[string]interface{}{
			"session_id": session.ID,
		})
		return webhookMissingEmail, nil
	}

	issuance, err := s.Service.IssueLicense(ctx, customerEmail, models.SourceStripe)
	if err != nil {
		return webhookFailed, err
	}

	if !issuance.IsNew {
		logger.Info("Checkout for already licensed email", map[string]interface{}{
			"email":      customerEmail,
			"session_id": session.ID,
		})
		return webhookExisting, nil
	}

	s.sendLicenseEmail(customerEmail, issuance.Key)
	return webhookIssued, nil
}

func (s *Server) sendLicenseEmail(to, licenseKey string) {
	if s.opts.Mailer == nil {
		return
	}

	if err := s.opts.Mailer.Send(to, email.LicenseSubject, email.LicenseBody(to, licenseKey)); err != nil {
		// The license exists; the customer can still retrieve it.
		logger.Error("Failed to send license email", map[string]interface{}{
			"error":   err.Error(),
			"email":   to,
			"license": licenseKey,
		})
		return
	}

	logger.Info("License email sent", map[string]interface{}{
		"email": to,
	})
}

func decodeEventObject(event stripe.Event, v interface{}) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return errors.New("event has no data object")
	}
	return json.Unmarshal(event.Data.Raw, v)
}

func sessionEmail(session *stripe.CheckoutSession) string {
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		return session.CustomerDetails.Email
	}
	return session.CustomerEmail
}

func (s *Server) constructEvent(payload []byte, signatureHeader string) (stripe.Event, error) {
	if s.opts.WebhookSecret == "" {
		return stripe.Event{}, errWebhookSecretUnset
	}
	return webhook.ConstructEventWithOptions(payload, signatureHeader, s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}
