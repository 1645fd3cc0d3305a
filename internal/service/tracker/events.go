package tracker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
)

// HandleDoseEvent drops the cached summary of the patient named in a dose
// event relayed from the outbox, including events written by other
// instances sharing the database.
func (s *Service) HandleDoseEvent(ctx context.Context, msg *redpanda.Message) error {
	var ev postgres.DoseEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return fmt.Errorf("decode dose event at offset %d: %w", msg.Offset, err)
	}
	if ev.PatientID == "" {
		return fmt.Errorf("dose event at offset %d has no patient", msg.Offset)
	}
	s.Invalidate(ev.PatientID)
	s.logger.Debug("summary invalidated",
		zap.String("patient_id", ev.PatientID),
		zap.String("event_type", ev.Type),
		zap.Int64("offset", msg.Offset))
	return nil
}
