package imaging

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// StudyFilter narrows a patient's study history.
type StudyFilter struct {
	Modality string
	From     *time.Time
	To       *time.Time
	Limit    int
}

func (f StudyFilter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultListLimit
	case f.Limit > maxListLimit:
		return maxListLimit
	}
	return f.Limit
}

type StudyRepository interface {
	Create(ctx context.Context, s *Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*Study, error)
	GetByUID(ctx context.Context, clinicID, studyUID string) (*Study, error)
	// ListByPatient returns studies newest study date first.
	ListByPatient(ctx context.Context, clinicID, patientID string, filter StudyFilter) ([]*Study, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type PatientRepository interface {
	GetCandidate(ctx context.Context, id string) (*CandidateRecord, error)
}
