package handlers

import (
	"errors"
	"net/http"

	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/license"
	"devlog.app/licenses/models"
	"github.com/go-chi/render"
)

type GenerateLicenseRequest struct {
	Secret string `json:"secret"`
	Email  string `json:"email" validate:"required"`
}

type GenerateLicenseResponse struct {
	LicenseKey string `json:"licenseKey"`
	IsNew      bool   `json:"isNew"`
}

type VerifyLicenseRequest struct {
	LicenseKey string `json:"licenseKey" validate:"required"`
}

type VerifyLicenseResponse struct {
	Valid  bool   `json:"valid"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type LookupLicenseResponse struct {
	Email      string `json:"email"`
	LicenseKey string `json:"licenseKey"`
}

var generateMessages = map[string]string{
	"email.required": "Email is required",
}

var verifyMessages = map[string]string{
	"licenseKey.required": "License key is required",
}

func (s *Server) GenerateLicense(w http.ResponseWriter, r *http.Request) {
	var req GenerateLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !secretMatches(s.opts.GenerationSecret, req.Secret) {
		logger.Warn("License generation rejected", map[string]interface{}{
			"remote_addr": r.RemoteAddr,
		})
		writeErrorResponse(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, validationMessage(err, generateMessages))
		return
	}

	issuance, err := s.Service.IssueLicense(r.Context(), req.Email, models.SourceManual)
	if err != nil {
		if errors.Is(err, license.ErrValidation) {
			writeErrorResponse(w, r, http.StatusBadRequest, "Email is required")
			return
		}
		writeInternalError(w, r, err, "Failed to issue license")
		return
	}

	render.JSON(w, r, GenerateLicenseResponse{
		LicenseKey: issuance.Key,
		IsNew:      issuance.IsNew,
	})
}

func (s *Server) VerifyLicense(w http.ResponseWriter, r *http.Request) {
	var req VerifyLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, validationMessage(err, verifyMessages))
		return
	}

	result, err := s.Service.VerifyLicense(r.Context(), req.LicenseKey)
	if err != nil {
		if errors.Is(err, license.ErrValidation) {
			writeErrorResponse(w, r, http.StatusBadRequest, "License key is required")
			return
		}
		writeInternalError(w, r, err, "Failed to verify license")
		return
	}

	switch result.Outcome {
	case license.OutcomeAuthorized:
		render.JSON(w, r, VerifyLicenseResponse{Valid: true, Email: result.Email})
	case license.OutcomeNotFound:
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, VerifyLicenseResponse{Valid: false, Reason: result.Reason})
	default:
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, VerifyLicenseResponse{Valid: false, Reason: result.Reason})
	}
}

// LookupLicense returns the key issued to ?email=. Requires X-Admin-Secret.
func (s *Server) LookupLicense(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(s.opts.GenerationSecret, r.Header.Get("X-Admin-Secret")) {
		writeErrorResponse(w, r, http.StatusUnauthorized, "Unauthorized")
		return
	}

	email := r.URL.Query().Get("email")
	if email == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, "Email is required")
		return
	}

	key, err := s.Service.LookupByEmail(r.Context(), email)
	switch {
	case errors.Is(err, license.ErrNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, "License not found")
		return
	case errors.Is(err, license.ErrValidation):
		writeErrorResponse(w, r, http.StatusBadRequest, "Email is required")
		return
	case err != nil:
		writeInternalError(w, r, err, "Failed to look up license")
		return
	}

	render.JSON(w, r, LookupLicenseResponse{Email: email, LicenseKey: key})
}
