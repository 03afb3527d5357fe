package imaging

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/imaging/internal/platform/auth"
	"github.com/ehr/imaging/internal/platform/blobstore"
	"github.com/ehr/imaging/internal/platform/db"
	"github.com/ehr/imaging/internal/platform/dicom"
)

const dateLayout = "2006-01-02"

type Handler struct {
	svc         *Service
	maxFileSize int64
}

func NewHandler(svc *Service, maxFileSize int64) *Handler {
	if maxFileSize <= 0 {
		maxFileSize = blobstore.MaxFileSize
	}
	return &Handler{svc: svc, maxFileSize: maxFileSize}
}

func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	// Read endpoints – admin, radiologist, physician
	readGroup := api.Group("/imaging", auth.RequireRole("admin", "radiologist", "physician"))
	readGroup.GET("/studies/:id", h.GetStudy)
	readGroup.GET("/studies/by-uid/:uid", h.GetStudyByUID)
	readGroup.GET("/patients/:patientId/studies", h.ListPatientStudies)
	readGroup.GET("/studies/:id/series/:seriesUID/images/:index", h.GetImage)
	readGroup.GET("/studies/:id/series/:seriesUID/images/:index/render", h.RenderImage)

	// Write endpoints – admin, radiologist, technician
	writeGroup := api.Group("/imaging", auth.RequireRole("admin", "radiologist", "technician"))
	writeGroup.POST("/upload", h.Upload)
	writeGroup.POST("/validate-patient", h.ValidatePatient)
	writeGroup.DELETE("/studies/:id", h.DeleteStudy)

	fhirRead := fhirGroup.Group("", auth.RequireRole("admin", "radiologist", "physician"))
	fhirRead.GET("/ImagingStudy/:id", h.GetStudyFHIR)
}

// -- Upload --

func (h *Handler) Upload(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}
	files, err := h.readFiles(form)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	req := IngestRequest{
		ClinicID:             db.ClinicFromContext(ctx),
		PatientID:            c.FormValue("patientId"),
		UploadedBy:           auth.UserIDFromContext(ctx),
		Files:                files,
		ValidatePatient:      formBool(c.FormValue("validatePatient"), true),
		AcknowledgedMismatch: formBool(c.FormValue("acknowledgedMismatch"), false),
	}
	if v := c.FormValue("visitId"); v != "" {
		req.VisitID = &v
	}

	res, err := h.svc.IngestStudy(ctx, req)
	switch {
	case errors.Is(err, ErrDuplicateStudy):
		body := map[string]interface{}{"error": err.Error()}
		if res != nil && res.Study != nil {
			body["id"] = res.Study.ID.String()
		}
		return c.JSON(http.StatusConflict, body)
	case errors.Is(err, ErrBatchExhausted) && res != nil:
		return c.JSON(http.StatusUnprocessableEntity, map[string]interface{}{
			"error":   err.Error(),
			"errors":  res.Errors,
			"summary": res.Summary,
		})
	case err != nil:
		return httpError(err)
	}

	if res.RequiresConfirmation {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"requiresConfirmation": true,
			"validation":           res.Validation,
			"studyInfo":            res.Preview,
		})
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"data":    res.Study,
		"errors":  res.Errors,
		"summary": res.Summary,
	})
}

func (h *Handler) ValidatePatient(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart form required")
	}
	files, err := h.readFiles(form)
	if err != nil {
		return err
	}
	verdict, preview, fileErrs, err := h.svc.ValidatePatient(c.Request().Context(), c.FormValue("patientId"), files)
	if err != nil {
		return httpError(err)
	}
	if fileErrs == nil {
		fileErrs = []FileError{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"validation": verdict,
		"studyInfo":  preview,
		"errors":     fileErrs,
	})
}

func (h *Handler) readFiles(form *multipart.Form) ([]UploadFile, error) {
	headers := form.File["files"]
	if len(headers) == 0 {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "no files uploaded")
	}
	if limit := h.svc.cfg.MaxFiles; limit > 0 && len(headers) > limit {
		return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", limit))
	}
	files := make([]UploadFile, 0, len(headers))
	for _, fh := range headers {
		if fh.Size > h.maxFileSize {
			return nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("file %s exceeds %d bytes", fh.Filename, h.maxFileSize))
		}
		data, err := readPart(fh, h.maxFileSize)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		files = append(files, UploadFile{Name: fh.Filename, Data: data})
	}
	return files, nil
}

func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("file %s exceeds %d bytes", fh.Filename, limit)
	}
	return data, nil
}

// -- Studies --

func (h *Handler) GetStudy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	study, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, study)
}

func (h *Handler) GetStudyByUID(c echo.Context) error {
	ctx := c.Request().Context()
	study, err := h.svc.GetStudyByUID(ctx, db.ClinicFromContext(ctx), c.Param("uid"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, study)
}

func (h *Handler) ListPatientStudies(c echo.Context) error {
	var filter StudyFilter
	filter.Modality = c.QueryParam("modality")
	if v := c.QueryParam("from"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid from date")
		}
		filter.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid to date")
		}
		filter.To = &t
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		filter.Limit = n
	}

	ctx := c.Request().Context()
	items, err := h.svc.ListPatientStudies(ctx, db.ClinicFromContext(ctx), c.Param("patientId"), filter)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Study{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":  items,
		"total": len(items),
	})
}

func (h *Handler) DeleteStudy(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteStudy(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Images --

func (h *Handler) GetImage(c echo.Context) error {
	id, index, err := imageParams(c)
	if err != nil {
		return err
	}
	img, err := h.svc.GetImage(c.Request().Context(), id, c.Param("seriesUID"), index)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, img)
}

func (h *Handler) RenderImage(c echo.Context) error {
	id, index, err := imageParams(c)
	if err != nil {
		return err
	}
	req := RenderRequest{
		StudyID:   id,
		SeriesUID: c.Param("seriesUID"),
		Index:     index,
		Invert:    formBool(c.QueryParam("invert"), false),
	}
	if v := c.QueryParam("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid size")
		}
		req.MaxEdge = n
	}
	data, err := h.svc.RenderImage(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.Blob(http.StatusOK, contentTypePNG, data)
}

func imageParams(c echo.Context) (uuid.UUID, int, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		return uuid.Nil, 0, echo.NewHTTPError(http.StatusBadRequest, "invalid index")
	}
	return id, index, nil
}

// -- FHIR --

func (h *Handler) GetStudyFHIR(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, operationOutcome("invalid", "invalid id"))
	}
	study, err := h.svc.GetStudy(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, operationOutcome("not-found", "ImagingStudy/"+id.String()+" not found"))
		}
		return c.JSON(http.StatusInternalServerError, operationOutcome("exception", err.Error()))
	}
	return c.JSON(http.StatusOK, study.ToFHIR())
}

func operationOutcome(code, diagnostics string) map[string]interface{} {
	return map[string]interface{}{
		"resourceType": "OperationOutcome",
		"issue": []map[string]string{{
			"severity":    "error",
			"code":        code,
			"diagnostics": diagnostics,
		}},
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "imaging study not found")
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPatientRequired),
		errors.Is(err, ErrNoFiles),
		errors.Is(err, ErrTooManyFiles),
		errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBatchExhausted),
		errors.Is(err, dicom.ErrStructural),
		errors.Is(err, dicom.ErrMissingDimensions),
		errors.Is(err, dicom.ErrMissingSampleBlock),
		errors.Is(err, dicom.ErrUnsupportedBitDepth):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, blobstore.ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "stored object not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func formBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
