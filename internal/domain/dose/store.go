// Package dose writes dose events: marking a medication taken or untaken for
// today, and backfilling historical events in bulk.
package dose

import (
	"context"
	"errors"

	"github.com/drfirst/go-adherence/internal/domain/calendar"
	"github.com/drfirst/go-adherence/internal/domain/medication"
	"github.com/drfirst/go-adherence/internal/fhir/r4"
	"github.com/drfirst/go-adherence/pkg/idempotency"
)

var (
	// ErrAlreadyRecorded indicates the medication was already marked taken
	// for the day.
	ErrAlreadyRecorded = errors.New("dose already recorded for this day")

	// ErrNoIdentity indicates the medication has neither a code nor a text,
	// so a dose for it could never be credited.
	ErrNoIdentity = errors.New("medication has no code or display text")
)

// Predicate selects administration records.
type Predicate func(rec *r4.MedicationAdministration) bool

// Store is the administration event log.
type Store interface {
	Administrations(ctx context.Context) ([]*r4.MedicationAdministration, error)
	Append(ctx context.Context, recs ...*r4.MedicationAdministration) error
	// AppendIfAbsent appends rec unless a record matching slot already
	// exists. The check and the write are atomic with respect to other
	// writers of the same slot.
	AppendIfAbsent(ctx context.Context, rec *r4.MedicationAdministration, slot Slot) (bool, error)
	// RemoveWhere deletes every administration record matching pred and
	// returns the removed records.
	RemoveWhere(ctx context.Context, pred Predicate) ([]*r4.MedicationAdministration, error)
}

// SlotRemover is implemented by stores that can delete one slot's records
// without scanning the whole log.
type SlotRemover interface {
	RemoveSlot(ctx context.Context, slot Slot) ([]*r4.MedicationAdministration, error)
}

// Versioned is implemented by stores that report a token which changes
// whenever either log changes, including writes by other processes.
type Versioned interface {
	Version(ctx context.Context) (string, error)
}

// RequestStore is the medication order log.
type RequestStore interface {
	Requests(ctx context.Context) ([]*r4.MedicationRequest, error)
	AppendRequest(ctx context.Context, req *r4.MedicationRequest) error
	ReplaceRequests(ctx context.Context, reqs []*r4.MedicationRequest) error
}

// Slot is one patient taking one medication on one day. At most one
// administration event exists per slot.
type Slot struct {
	PatientID string
	Key       medication.Key
	Day       calendar.Day
}

// Matches reports whether rec is an administration event for s. A slot with
// no medication identity matches nothing.
func (s Slot) Matches(rec *r4.MedicationAdministration) bool {
	if rec == nil || rec.ResourceType != r4.ResourceMedicationAdministration || s.Key.Unmatched() {
		return false
	}
	a := medication.FromAdministration(rec)
	return a.Dated() && a.Key == s.Key && a.PatientID == s.PatientID && a.Day == s.Day
}

// IdempotencyKey is the deterministic key of s.
func (s Slot) IdempotencyKey() string {
	return idempotency.DoseKey(s.PatientID, string(s.Key), s.Day.String())
}

// LockID is the advisory lock id of s.
func (s Slot) LockID() int64 {
	return idempotency.AdvisoryLockID(s.PatientID, string(s.Key), s.Day.String())
}
