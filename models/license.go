package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const KeyPrefix = "DEVLOG-"

const emailIndexPrefix = "email:"

var ErrCorruptRecord = errors.New("corrupt license record")

// Status is the stored lifecycle state of a license. Values other than the
// known constants are kept verbatim so they can be reported back in denials.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

func (s Status) Known() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	default:
		return false
	}
}

// Authorized reports whether a license in this state may be used.
// Only active is authorized; unknown values never are.
func (s Status) Authorized() bool {
	return s == StatusActive
}

type Source string

const (
	SourceManual Source = "manual"
	SourceStripe Source = "stripe"
)

func (s Source) Valid() bool {
	return s == SourceManual || s == SourceStripe
}

type LicenseRecord struct {
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	Status    Status    `json:"status"`
	Source    Source    `json:"source,omitempty"`
}

func NewLicenseRecord(email string, source Source, now time.Time) LicenseRecord {
	return LicenseRecord{
		Email:     email,
		CreatedAt: now.UTC(),
		Status:    StatusActive,
		Source:    source,
	}
}

func EncodeRecord(record LicenseRecord) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode license record: %w", err)
	}
	return string(data), nil
}

// DecodeRecord parses a stored record. Records written before the source
// field existed decode with an empty Source.
func DecodeRecord(raw string) (LicenseRecord, error) {
	var record LicenseRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return LicenseRecord{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if record.Email == "" {
		return LicenseRecord{}, fmt.Errorf("%w: missing email", ErrCorruptRecord)
	}
	if record.Status == "" {
		return LicenseRecord{}, fmt.Errorf("%w: missing status", ErrCorruptRecord)
	}
	return record, nil
}

func EmailIndexKey(email string) string {
	return emailIndexPrefix + email
}
