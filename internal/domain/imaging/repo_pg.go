package imaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/imaging/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== ImagingStudy Repository ===========

type studyRepoPG struct{ pool *pgxpool.Pool }

func NewStudyRepoPG(pool *pgxpool.Pool) StudyRepository {
	return &studyRepoPG{pool: pool}
}

func (r *studyRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const studyCols = `id, clinic_id, patient_id, visit_id, study_instance_uid,
	study_date, study_time, study_description, accession_number,
	modality, body_part_examined, institution_name, referring_physician,
	dicom_patient, series, storage_size,
	patient_id_validated, mismatch_acknowledged, identity_confidence,
	status, uploaded_by, created_at, updated_at`

func (r *studyRepoPG) scanStudy(row pgx.Row) (*Study, error) {
	var (
		s           Study
		patientJSON []byte
		seriesJSON  []byte
	)
	err := row.Scan(&s.ID, &s.ClinicID, &s.PatientID, &s.VisitID, &s.StudyInstanceUID,
		&s.StudyDate, &s.StudyTime, &s.StudyDescription, &s.AccessionNumber,
		&s.Modality, &s.BodyPartExamined, &s.InstitutionName, &s.ReferringPhysician,
		&patientJSON, &seriesJSON, &s.StorageSize,
		&s.PatientIDValidated, &s.MismatchAcknowledged, &s.IdentityConfidence,
		&s.Status, &s.UploadedBy, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(patientJSON) > 0 {
		if err := json.Unmarshal(patientJSON, &s.DICOMPatient); err != nil {
			return nil, fmt.Errorf("decode dicom_patient: %w", err)
		}
	}
	if len(seriesJSON) > 0 {
		if err := json.Unmarshal(seriesJSON, &s.Series); err != nil {
			return nil, fmt.Errorf("decode series: %w", err)
		}
	}
	return &s, nil
}

func (r *studyRepoPG) Create(ctx context.Context, s *Study) error {
	s.ID = uuid.New()
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = StudyStatusActive
	}

	patientJSON, err := json.Marshal(s.DICOMPatient)
	if err != nil {
		return fmt.Errorf("encode dicom_patient: %w", err)
	}
	seriesJSON, err := json.Marshal(s.Series)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO imaging_study (id, clinic_id, patient_id, visit_id, study_instance_uid,
			study_date, study_time, study_description, accession_number,
			modality, body_part_examined, institution_name, referring_physician,
			dicom_patient, series, storage_size,
			patient_id_validated, mismatch_acknowledged, identity_confidence,
			status, uploaded_by, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		s.ID, s.ClinicID, s.PatientID, s.VisitID, s.StudyInstanceUID,
		s.StudyDate, s.StudyTime, s.StudyDescription, s.AccessionNumber,
		s.Modality, s.BodyPartExamined, s.InstitutionName, s.ReferringPhysician,
		patientJSON, seriesJSON, s.StorageSize,
		s.PatientIDValidated, s.MismatchAcknowledged, s.IdentityConfidence,
		s.Status, s.UploadedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *studyRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Study, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx, `SELECT `+studyCols+` FROM imaging_study WHERE id = $1`, id))
}

func (r *studyRepoPG) GetByUID(ctx context.Context, clinicID, studyUID string) (*Study, error) {
	return r.scanStudy(r.conn(ctx).QueryRow(ctx,
		`SELECT `+studyCols+` FROM imaging_study WHERE clinic_id = $1 AND study_instance_uid = $2`,
		clinicID, studyUID))
}

func (r *studyRepoPG) ListByPatient(ctx context.Context, clinicID, patientID string, filter StudyFilter) ([]*Study, error) {
	query := `SELECT ` + studyCols + ` FROM imaging_study WHERE clinic_id = $1 AND patient_id = $2`
	args := []interface{}{clinicID, patientID}
	idx := 3

	if filter.Modality != "" {
		query += fmt.Sprintf(` AND modality = $%d`, idx)
		args = append(args, filter.Modality)
		idx++
	}
	if filter.From != nil {
		query += fmt.Sprintf(` AND study_date >= $%d`, idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(` AND study_date <= $%d`, idx)
		args = append(args, *filter.To)
		idx++
	}
	query += fmt.Sprintf(` ORDER BY study_date DESC NULLS LAST, created_at DESC LIMIT $%d`, idx)
	args = append(args, filter.limit())

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Study
	for rows.Next() {
		s, err := r.scanStudy(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *studyRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM imaging_study WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

func (r *patientRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// GetCandidate looks the patient up by id or FHIR id. The MRN and FHIR id
// are reported as alternate identifiers.
func (r *patientRepoPG) GetCandidate(ctx context.Context, id string) (*CandidateRecord, error) {
	var (
		pid       uuid.UUID
		fhirID    *string
		mrn       *string
		first     *string
		last      *string
		birthDate *time.Time
		gender    *string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, fhir_id, mrn, first_name, last_name, birth_date, gender
		FROM patient WHERE id::text = $1 OR fhir_id = $1 LIMIT 1`, id).
		Scan(&pid, &fhirID, &mrn, &first, &last, &birthDate, &gender)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	c := &CandidateRecord{ID: pid.String(), BirthDate: birthDate}
	for _, alt := range []*string{mrn, fhirID} {
		if alt != nil && *alt != "" && *alt != c.ID {
			c.AlternateIDs = append(c.AlternateIDs, *alt)
		}
	}
	var name []string
	for _, part := range []*string{first, last} {
		if part != nil && strings.TrimSpace(*part) != "" {
			name = append(name, strings.TrimSpace(*part))
		}
	}
	c.Name = strings.Join(name, " ")
	if gender != nil {
		c.Gender = *gender
	}
	return c, nil
}
