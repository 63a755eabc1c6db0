package patients

import (
	"strings"
	"time"

	"github.com/covecare/callops/internal/phone"
)

// Patient is the identity target of caller resolution. The wider clinic
// record (charts, visits, consents) lives outside this service; we only carry
// what phone matching and operator dashboards need.
type Patient struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`        // display form, e.g. 010-1234-5678
	PhoneDigits  string    `json:"phone_digits"` // canonical digit form
	ChartNumber  string    `json:"chart_number,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastVisitAt  *time.Time `json:"last_visit_at,omitempty"`
}

// CreatePatientRequest is the payload for registering a patient.
type CreatePatientRequest struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	ChartNumber string `json:"chart_number"`
}

// Validate checks the request and normalizes the phone fields.
func (r *CreatePatientRequest) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidName
	}
	if phone.Normalize(r.Phone) == "" {
		return ErrMissingPhone
	}
	return nil
}
