package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/covecare/callops/internal/calls"
	"github.com/covecare/callops/pkg/logging"
)

// Service sends operator alerts for pipeline failures. Alerts are best
// effort; the pipeline outcome is already durable on the call record before
// any alert goes out.
type Service struct {
	email      EmailSender
	alertEmail string
	logger     *logging.Logger
}

// NewService creates a notification service. An empty alert address disables
// alerts entirely.
func NewService(email EmailSender, alertEmail string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:      email,
		alertEmail: strings.TrimSpace(alertEmail),
		logger:     logger,
	}
}

// NotifyAnalysisFailure emails the operators when a call's analysis fails
// terminally, with enough context to find and retry the record.
func (s *Service) NotifyAnalysisFailure(ctx context.Context, rec *calls.CallRecord, stage, cause string) error {
	if s == nil || s.email == nil || s.alertEmail == "" {
		return nil
	}
	if rec == nil {
		return fmt.Errorf("notify: call record required")
	}

	subject := fmt.Sprintf("Call analysis failed: %s", rec.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Analysis of a recorded call failed and needs attention.\n\n")
	fmt.Fprintf(&b, "Call ID:    %s\n", rec.ID)
	fmt.Fprintf(&b, "Phone:      %s\n", rec.Phone)
	fmt.Fprintf(&b, "Direction:  %s\n", rec.Direction)
	fmt.Fprintf(&b, "Started:    %s\n", rec.StartedAt.Format(time.RFC3339))
	if rec.DurationSeconds > 0 {
		fmt.Fprintf(&b, "Duration:   %ds\n", rec.DurationSeconds)
	}
	fmt.Fprintf(&b, "Stage:      %s\n", stage)
	fmt.Fprintf(&b, "Cause:      %s\n\n", cause)
	fmt.Fprintf(&b, "The record is marked failed and can be retried from the admin console.\n")

	if err := s.email.Send(ctx, EmailMessage{
		To:      s.alertEmail,
		Subject: subject,
		Body:    b.String(),
	}); err != nil {
		return fmt.Errorf("notify: analysis failure alert: %w", err)
	}

	s.logger.Info("analysis failure alert sent", "call_id", rec.ID, "stage", stage, "to", s.alertEmail)
	return nil
}
