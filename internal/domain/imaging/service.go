package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/platform/dicom"
)

var (
	ErrPatientRequired = errors.New("patientId is required")
	ErrNoFiles         = errors.New("no files uploaded")
	ErrTooManyFiles    = errors.New("too many files in one upload")
	ErrPatientNotFound = errors.New("patient not found")
	ErrDuplicateStudy  = errors.New("study already exists")
)

const (
	contentTypeDICOM = "application/dicom"
	contentTypePNG   = "image/png"
)

// ServiceConfig tunes the ingestion pipeline.
type ServiceConfig struct {
	// Concurrency bounds parallel store/render work within one batch.
	Concurrency    int
	MaxFiles       int
	RenderPreviews bool
	PreviewSize    int
	RenderCacheTTL time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Concurrency:    4,
		MaxFiles:       500,
		RenderPreviews: true,
		PreviewSize:    256,
		RenderCacheTTL: 5 * time.Minute,
	}
}

type Service struct {
	studies    StudyRepository
	patients   PatientRepository
	store      blobstore.Store
	reconciler *Reconciler
	renders    *cache.Cache
	metrics    *Metrics
	cfg        ServiceConfig
	logger     zerolog.Logger
}

func NewService(studies StudyRepository, patients PatientRepository, store blobstore.Store, cfg ServiceConfig, logger zerolog.Logger) *Service {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.RenderCacheTTL <= 0 {
		cfg.RenderCacheTTL = DefaultServiceConfig().RenderCacheTTL
	}
	return &Service{
		studies:    studies,
		patients:   patients,
		store:      store,
		reconciler: NewReconciler(),
		renders:    cache.New(cfg.RenderCacheTTL, 2*cfg.RenderCacheTTL),
		cfg:        cfg,
		logger:     logger.With().Str("component", "imaging").Logger(),
	}
}

// SetMetrics attaches Prometheus collectors to the service.
func (s *Service) SetMetrics(m *Metrics) {
	s.metrics = m
}

// SetReconciler replaces the default identity reconciler.
func (s *Service) SetReconciler(r *Reconciler) {
	s.reconciler = r
}

// -- Ingestion --

// UploadFile is one file of an upload batch.
type UploadFile struct {
	Name string
	Data []byte
}

type IngestRequest struct {
	ClinicID             string
	PatientID            string
	VisitID              *string
	UploadedBy           string
	Files                []UploadFile
	ValidatePatient      bool
	AcknowledgedMismatch bool
}

type IngestSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// IngestResult is returned for every batch. When RequiresConfirmation is
// set nothing was persisted and Study is nil.
type IngestResult struct {
	RequiresConfirmation bool                 `json:"requiresConfirmation"`
	Validation           *IdentityMatchResult `json:"validation,omitempty"`
	Preview              *StudyPreview        `json:"studyInfo,omitempty"`
	Study                *Study               `json:"data,omitempty"`
	Errors               []FileError          `json:"errors"`
	Summary              IngestSummary        `json:"summary"`
}

// IngestStudy parses, optionally reconciles, stores and aggregates a batch.
// Per-file failures are reported in the result; the batch fails only when
// no file survives.
func (s *Service) IngestStudy(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.PatientID) == "" {
		return nil, ErrPatientRequired
	}
	if len(req.Files) == 0 {
		return nil, ErrNoFiles
	}
	if s.cfg.MaxFiles > 0 && len(req.Files) > s.cfg.MaxFiles {
		return nil, fmt.Errorf("%w: %d files, limit %d", ErrTooManyFiles, len(req.Files), s.cfg.MaxFiles)
	}

	log := s.logger.With().Str("clinic_id", req.ClinicID).Str("patient_id", req.PatientID).Logger()
	res := &IngestResult{Errors: []FileError{}}
	res.Summary.Total = len(req.Files)

	parsed, parseErrs := s.parseAll(req.Files)
	for _, fe := range parseErrs {
		log.Warn().Int("index", fe.Index).Str("file", fe.FileName).Str("error", fe.Message).Msg("dicom parse failed")
	}
	if len(parsed) == 0 {
		res.Errors = parseErrs
		res.Summary.Failed = len(parseErrs)
		s.metrics.batch("exhausted")
		return res, ErrBatchExhausted
	}
	first := parsed[0].Image

	var verdict *IdentityMatchResult
	if req.ValidatePatient {
		v, found, err := s.verify(ctx, req.PatientID, first)
		if err != nil {
			return nil, err
		}
		verdict = v
		res.Validation = v
		if v.RequiresConfirmation && !req.AcknowledgedMismatch {
			res.RequiresConfirmation = true
			res.Preview = preview(first, len(parsed))
			res.Errors = parseErrs
			s.metrics.batch("confirmation_required")
			log.Info().Float64("confidence", v.Confidence).Bool("record_found", found).Msg("upload halted pending identity confirmation")
			return res, nil
		}
		// Acknowledging a mismatch cannot attach a study to a record that does not exist.
		if !found {
			return nil, ErrPatientNotFound
		}
	}

	studyUID := first.Study.StudyInstanceUID.OrElse("")
	if studyUID != "" {
		existing, err := s.studies.GetByUID(ctx, req.ClinicID, studyUID)
		switch {
		case err == nil:
			res.Study = existing
			s.metrics.batch("duplicate")
			return res, ErrDuplicateStudy
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("lookup study %s: %w", studyUID, err)
		}
	}

	results := s.storeAll(ctx, req, studyUID, parsed)
	for _, fe := range parseErrs {
		fe := fe
		results = append(results, FileResult{Index: fe.Index, FileName: fe.FileName, Err: &fe})
	}

	study, fileErrs, err := Aggregate(results)
	res.Errors = fileErrs
	if res.Errors == nil {
		res.Errors = []FileError{}
	}
	res.Summary.Failed = len(res.Errors)
	if err != nil {
		s.metrics.batch("exhausted")
		return res, err
	}

	study.ClinicID = req.ClinicID
	study.PatientID = req.PatientID
	study.VisitID = req.VisitID
	study.UploadedBy = req.UploadedBy
	study.Status = StudyStatusActive
	if verdict != nil {
		conf := verdict.Confidence
		study.IdentityConfidence = &conf
		study.PatientIDValidated = verdict.IsMatch
		study.MismatchAcknowledged = verdict.RequiresConfirmation && req.AcknowledgedMismatch
	}

	if err := s.studies.Create(ctx, study); err != nil {
		s.discard(ctx, study.References())
		s.metrics.batch("failed")
		return nil, fmt.Errorf("save study: %w", err)
	}

	res.Study = study
	res.Summary.Succeeded = study.TotalImages()
	s.metrics.batch("stored")
	log.Info().
		Str("study_id", study.ID.String()).
		Str("study_uid", study.StudyInstanceUID).
		Int("files", res.Summary.Total).
		Int("stored", res.Summary.Succeeded).
		Int("failed", res.Summary.Failed).
		Msg("imaging study ingested")
	return res, nil
}

func (s *Service) parseAll(files []UploadFile) ([]ParsedFile, []FileError) {
	var (
		parsed []ParsedFile
		errs   []FileError
	)
	for i, f := range files {
		if f.Name != "" && !dicom.IsDICOMFileName(f.Name) {
			errs = append(errs, FileError{Index: i, FileName: f.Name, Stage: StageParse, Message: "unsupported file extension"})
			s.metrics.file("parse_error")
			continue
		}
		img, err := dicom.Parse(f.Data)
		if err != nil {
			errs = append(errs, FileError{Index: i, FileName: f.Name, Stage: StageParse, Message: err.Error()})
			s.metrics.file("parse_error")
			continue
		}
		parsed = append(parsed, ParsedFile{Index: i, FileName: f.Name, Data: f.Data, Image: img})
	}
	return parsed, errs
}

// verify reconciles img against the patient record. A missing record is
// not an error: it yields the zero-confidence verdict and found=false.
func (s *Service) verify(ctx context.Context, patientID string, img *dicom.ParsedImage) (v *IdentityMatchResult, found bool, err error) {
	candidate, err := s.patients.GetCandidate(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
		candidate = nil
	case err != nil:
		return nil, false, fmt.Errorf("load patient %s: %w", patientID, err)
	}
	embedded := dicomPatient(img)
	verdict := s.reconciler.Reconcile(&embedded, candidate)
	s.metrics.confidence(verdict.Confidence)
	return &verdict, candidate != nil, nil
}

// storeAll writes every parsed file (and its preview) with bounded
// parallelism. Failures are recorded per file; siblings keep going.
func (s *Service) storeAll(ctx context.Context, req IngestRequest, studyUID string, parsed []ParsedFile) []FileResult {
	results := make([]FileResult, len(parsed))
	batchKey := studyUID
	if batchKey == "" {
		batchKey = uuid.New().String()
	}

	// Repeated SOP Instance UIDs within a batch get the file index appended
	// so no upload overwrites another.
	bases := make([]string, len(parsed))
	seen := make(map[string]bool, len(parsed))
	for i, pf := range parsed {
		base := objectBase(req.ClinicID, req.PatientID, batchKey, pf.Image)
		if seen[base] {
			base = fmt.Sprintf("%s-%d", base, pf.Index)
		}
		seen[base] = true
		bases[i] = base
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i := range parsed {
		i, pf, base := i, parsed[i], bases[i]
		g.Go(func() error {
			r := FileResult{Index: pf.Index, FileName: pf.FileName, Image: pf.Image}

			obj, err := s.store.Put(ctx, base+".dcm", pf.Data, contentTypeDICOM)
			if err != nil {
				r.Err = &FileError{Index: pf.Index, FileName: pf.FileName, Stage: StageStore, Message: err.Error()}
				s.metrics.file("store_error")
				s.logger.Warn().Err(err).Int("index", pf.Index).Str("file", pf.FileName).Msg("dicom store failed")
				results[i] = r
				return nil
			}
			r.Object = obj
			s.metrics.file("stored")

			if s.cfg.RenderPreviews {
				r.Preview = s.storePreview(ctx, base+".png", pf.Image)
			}
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// storePreview renders and stores a thumbnail. Images without renderable
// pixel data simply have no preview.
func (s *Service) storePreview(ctx context.Context, key string, img *dicom.ParsedImage) *blobstore.Object {
	rendered, err := dicom.Render(img.Pixels, dicom.RenderOptions{})
	if err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("no preview rendered")
		return nil
	}
	var buf bytes.Buffer
	if err := rendered.Thumbnail(s.cfg.PreviewSize).EncodePNG(&buf); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("preview encode failed")
		return nil
	}
	obj, err := s.store.Put(ctx, key, buf.Bytes(), contentTypePNG)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("preview store failed")
		return nil
	}
	return obj
}

// discard deletes stored objects after a failed save. Errors are logged only.
func (s *Service) discard(ctx context.Context, refs []string) {
	for _, ref := range refs {
		if err := s.store.Delete(ctx, ref); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("ref", ref).Msg("orphaned object not deleted")
		}
	}
}

// objectBase returns dicom/{clinic}/{patient}/{study}/{sop or random}.
func objectBase(clinicID, patientID, studyKey string, img *dicom.ParsedImage) string {
	name := img.Image.SOPInstanceUID.OrElse("")
	if name == "" {
		name = uuid.New().String()
	}
	return strings.Join([]string{"dicom", segment(clinicID), segment(patientID), segment(studyKey), segment(name)}, "/")
}

var segmentReplacer = strings.NewReplacer("/", "_", "\\", "_", "..", "_")

func segment(s string) string {
	s = segmentReplacer.Replace(strings.TrimSpace(s))
	if s == "" {
		return "_"
	}
	return s
}

func preview(img *dicom.ParsedImage, total int) *StudyPreview {
	return &StudyPreview{
		StudyDate:   img.Study.StudyDate.Ptr(),
		Modality:    img.Series.Modality,
		Description: img.Study.StudyDescription.OrElse(""),
		TotalImages: total,
	}
}

// ValidatePatient reconciles the first decodable file against the patient
// record without storing anything.
func (s *Service) ValidatePatient(ctx context.Context, patientID string, files []UploadFile) (*IdentityMatchResult, *StudyPreview, []FileError, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, nil, nil, ErrPatientRequired
	}
	if len(files) == 0 {
		return nil, nil, nil, ErrNoFiles
	}
	parsed, errs := s.parseAll(files)
	if len(parsed) == 0 {
		return nil, nil, errs, ErrBatchExhausted
	}
	v, _, err := s.verify(ctx, patientID, parsed[0].Image)
	if err != nil {
		return nil, nil, errs, err
	}
	return v, preview(parsed[0].Image, len(parsed)), errs, nil
}

// -- Queries --

func (s *Service) GetStudy(ctx context.Context, id uuid.UUID) (*Study, error) {
	return s.load(ctx, id)
}

// load fetches a study and hides it when it belongs to another clinic than
// the one on ctx. Schema-per-clinic Postgres already isolates; the document
// store does not.
func (s *Service) load(ctx context.Context, id uuid.UUID) (*Study, error) {
	study, err := s.studies.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if clinic := db.ClinicFromContext(ctx); clinic != "" && study.ClinicID != clinic {
		return nil, ErrNotFound
	}
	return study, nil
}

func (s *Service) GetStudyByUID(ctx context.Context, clinicID, studyUID string) (*Study, error) {
	return s.studies.GetByUID(ctx, clinicID, studyUID)
}

func (s *Service) ListPatientStudies(ctx context.Context, clinicID, patientID string, filter StudyFilter) ([]*Study, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, ErrPatientRequired
	}
	if filter.Modality != "" {
		filter.Modality = dicom.NormalizeModality(filter.Modality)
	}
	filter.Limit = filter.limit()
	return s.studies.ListByPatient(ctx, clinicID, patientID, filter)
}

// GetImage returns the image at index within the ordered series.
func (s *Service) GetImage(ctx context.Context, studyID uuid.UUID, seriesUID string, index int) (*ImageRef, error) {
	study, err := s.load(ctx, studyID)
	if err != nil {
		return nil, err
	}
	se, ok := study.FindSeries(seriesUID)
	if !ok || index < 0 || index >= se.NumberOfImages() {
		return nil, ErrNotFound
	}
	img := se.Images[index]
	return &img, nil
}

// RenderRequest selects the image and output of RenderImage.
type RenderRequest struct {
	StudyID   uuid.UUID
	SeriesUID string
	Index     int
	Invert    bool
	// MaxEdge, when positive, scales the result down to fit.
	MaxEdge int
}

// RenderImage fetches the stored file, windows it and returns PNG bytes.
// Results are cached per object and options.
func (s *Service) RenderImage(ctx context.Context, req RenderRequest) ([]byte, error) {
	ref, err := s.GetImage(ctx, req.StudyID, req.SeriesUID, req.Index)
	if err != nil {
		return nil, err
	}

	cacheKey := fmt.Sprintf("%s|%t|%d", ref.Key, req.Invert, req.MaxEdge)
	if v, ok := s.renders.Get(cacheKey); ok {
		s.metrics.cacheHit()
		return v.([]byte), nil
	}

	start := time.Now()
	data, _, err := s.store.Get(ctx, ref.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", ref.Key, err)
	}
	parsed, err := dicom.Parse(data)
	if err != nil {
		return nil, err
	}
	rendered, err := dicom.Render(parsed.Pixels, dicom.RenderOptions{Invert: req.Invert})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := rendered.Thumbnail(req.MaxEdge).EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	s.metrics.rendered(start)

	out := buf.Bytes()
	s.renders.Set(cacheKey, out, cache.DefaultExpiration)
	return out, nil
}

// DeleteStudy removes every stored object of the study, then the record.
func (s *Service) DeleteStudy(ctx context.Context, id uuid.UUID) error {
	study, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	s.discard(ctx, study.References())
	if err := s.studies.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete study %s: %w", id, err)
	}
	s.logger.Info().Str("study_id", id.String()).Int("objects", len(study.References())).Msg("imaging study deleted")
	return nil
}
