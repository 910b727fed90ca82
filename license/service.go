package license

import (
	"context"
	"strings"

	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/models"
)

const ReasonNotFound = "not found"

// Store is the persistence the service needs. *Repository implements it.
type Store interface {
	FindKeyByEmail(ctx context.Context, email string) (string, bool, error)
	GetRecord(ctx context.Context, key string) (models.LicenseRecord, bool, error)
	Issue(ctx context.Context, email string, source models.Source) (string, bool, error)
}

// Observer receives issuance and verification outcomes, e.g. for metrics.
type Observer interface {
	ObserveIssuance(source models.Source, isNew bool)
	ObserveVerification(outcome Outcome)
}

type Outcome string

const (
	OutcomeAuthorized Outcome = "authorized"
	OutcomeNotFound   Outcome = "not_found"
	OutcomeDenied     Outcome = "denied"
)

type Issuance struct {
	Key   string
	IsNew bool
}

// Verification is the three-way answer to "may this key be used":
// authorized, denied because the key is unknown, or denied because of its status.
type Verification struct {
	Outcome Outcome
	Email   string
	Status  models.Status
	Reason  string
}

func (v Verification) Authorized() bool {
	return v.Outcome == OutcomeAuthorized
}

type Service struct {
	store    Store
	observer Observer
}

type ServiceOption func(*Service)

func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		s.observer = o
	}
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) IssueLicense(ctx context.Context, email string, source models.Source) (Issuance, error) {
	if strings.TrimSpace(email) == "" {
		return Issuance{}, &ValidationError{Field: "email", Message: "email is required"}
	}
	if !source.Valid() {
		return Issuance{}, &ValidationError{Field: "source", Message: "unknown source " + string(source)}
	}

	key, isNew, err := s.store.Issue(ctx, email, source)
	if err != nil {
		return Issuance{}, err
	}

	if isNew {
		logger.Info("License issued", map[string]interface{}{
			"email":   email,
			"source":  string(source),
			"license": key,
		})
	} else {
		logger.Info("Existing license returned", map[string]interface{}{
			"email":   email,
			"source":  string(source),
			"license": key,
		})
	}

	if s.observer != nil {
		s.observer.ObserveIssuance(source, isNew)
	}
	return Issuance{Key: key, IsNew: isNew}, nil
}

func (s *Service) VerifyLicense(ctx context.Context, licenseKey string) (Verification, error) {
	if strings.TrimSpace(licenseKey) == "" {
		return Verification{}, &ValidationError{Field: "licenseKey", Message: "license key is required"}
	}

	// Records live only under KeyPrefix. Other keys, such as email index
	// entries, share the keyspace and are never read here.
	found := false
	var record models.LicenseRecord
	if strings.HasPrefix(licenseKey, models.KeyPrefix) {
		var err error
		record, found, err = s.store.GetRecord(ctx, licenseKey)
		if err != nil {
			return Verification{}, err
		}
	}

	var result Verification
	switch {
	case !found:
		result = Verification{Outcome: OutcomeNotFound, Reason: ReasonNotFound}
	case record.Status.Authorized():
		result = Verification{Outcome: OutcomeAuthorized, Email: record.Email, Status: record.Status}
	default:
		result = Verification{
			Outcome: OutcomeDenied,
			Status:  record.Status,
			Reason:  "license is " + string(record.Status),
		}
		if !record.Status.Known() {
			logger.Warn("License has unrecognized status", map[string]interface{}{
				"license": licenseKey,
				"status":  string(record.Status),
			})
		}
	}

	if s.observer != nil {
		s.observer.ObserveVerification(result.Outcome)
	}
	return result, nil
}

// LookupByEmail returns the key issued to email, or a NotFoundError.
func (s *Service) LookupByEmail(ctx context.Context, email string) (string, error) {
	if strings.TrimSpace(email) == "" {
		return "", &ValidationError{Field: "email", Message: "email is required"}
	}

	key, found, err := s.store.FindKeyByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if !found {
		return "", &NotFoundError{Lookup: "email " + email}
	}
	return key, nil
}
