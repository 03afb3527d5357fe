package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/imaging/internal/platform/auth"
	"github.com/ehr/imaging/internal/platform/db"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc, 0), echo.New()
}

func multipartUpload(t *testing.T, fields map[string]string, files []UploadFile) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		part, err := w.CreateFormFile("files", f.Name)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write(f.Data)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, w.FormDataContentType()
}

func clinicRequest(method, target string, body *bytes.Buffer) *http.Request {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	return req.WithContext(db.WithClinic(context.Background(), "clinic_a"))
}

func uploadStudy(t *testing.T, h *Handler, e *echo.Echo, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, fields, threeFiles())
	req := clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	if err := h.Upload(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func uploadedID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Data.ID
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_Upload(t *testing.T) {
	h, e := newTestHandler()
	rec := uploadStudy(t, h, e, map[string]string{"patientId": "patient-1", "visitId": "visit-9"})

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Data struct {
			ID          string  `json:"id"`
			VisitID     *string `json:"visitId"`
			TotalImages int     `json:"totalImages"`
			TotalSeries int     `json:"totalSeries"`
		} `json:"data"`
		Errors  []FileError   `json:"errors"`
		Summary IngestSummary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.TotalImages != 3 || resp.Data.TotalSeries != 1 {
		t.Errorf("expected 3 images in 1 series, got %d/%d", resp.Data.TotalImages, resp.Data.TotalSeries)
	}
	if resp.Data.VisitID == nil || *resp.Data.VisitID != "visit-9" {
		t.Errorf("expected visit id, got %v", resp.Data.VisitID)
	}
	if resp.Errors == nil || len(resp.Errors) != 0 {
		t.Errorf("expected empty errors array, got %v", resp.Errors)
	}
	if resp.Summary.Succeeded != 3 {
		t.Errorf("expected 3 succeeded, got %d", resp.Summary.Succeeded)
	}
}

func TestHandler_Upload_RequiresConfirmation(t *testing.T) {
	h, e := newTestHandler()
	rec := uploadStudy(t, h, e, map[string]string{"patientId": "patient-2"})

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		RequiresConfirmation bool                `json:"requiresConfirmation"`
		Validation           IdentityMatchResult `json:"validation"`
		StudyInfo            StudyPreview        `json:"studyInfo"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.RequiresConfirmation {
		t.Error("expected requiresConfirmation")
	}
	if len(resp.Validation.Warnings) == 0 {
		t.Error("expected warnings")
	}
	if resp.StudyInfo.TotalImages != 3 {
		t.Errorf("expected 3 images in preview, got %d", resp.StudyInfo.TotalImages)
	}

	rec = uploadStudy(t, h, e, map[string]string{"patientId": "patient-2", "acknowledgedMismatch": "true"})
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201 after acknowledgement, got %d", rec.Code)
	}
}

func TestHandler_Upload_Duplicate(t *testing.T) {
	h, e := newTestHandler()
	first := uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"})
	id := uploadedID(t, first)

	rec := uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["id"] != id {
		t.Errorf("expected existing id %s, got %s", id, resp["id"])
	}
}

func TestHandler_Upload_BadRequests(t *testing.T) {
	h, e := newTestHandler()

	body, contentType := multipartUpload(t, map[string]string{}, threeFiles())
	req := clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	err := h.Upload(e.NewContext(req, httptest.NewRecorder()))
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("missing patient: expected 400, got %d", code)
	}

	body, contentType = multipartUpload(t, map[string]string{"patientId": "patient-1"}, nil)
	req = clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	err = h.Upload(e.NewContext(req, httptest.NewRecorder()))
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("no files: expected 400, got %d", code)
	}

	h.maxFileSize = 10
	body, contentType = multipartUpload(t, map[string]string{"patientId": "patient-1"}, threeFiles())
	req = clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	err = h.Upload(e.NewContext(req, httptest.NewRecorder()))
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("oversized file: expected 400, got %d", code)
	}
}

func TestHandler_Upload_AllFilesInvalid(t *testing.T) {
	h, e := newTestHandler()
	body, contentType := multipartUpload(t, map[string]string{"patientId": "patient-1"}, []UploadFile{
		{Name: "a.dcm", Data: []byte("garbage")},
	})
	req := clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	if err := h.Upload(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
}

func TestHandler_ValidatePatient(t *testing.T) {
	h, e := newTestHandler()
	body, contentType := multipartUpload(t, map[string]string{"patientId": "patient-1"}, threeFiles())
	req := clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec := httptest.NewRecorder()
	if err := h.ValidatePatient(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Validation IdentityMatchResult `json:"validation"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Validation.IsMatch || resp.Validation.Confidence != 1 {
		t.Errorf("expected full match, got %+v", resp.Validation)
	}

	body, contentType = multipartUpload(t, map[string]string{"patientId": "nobody"}, threeFiles())
	req = clinicRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	rec = httptest.NewRecorder()
	if err := h.ValidatePatient(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unknown patient: unexpected error: %v", err)
	}
	resp.Validation = IdentityMatchResult{}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Validation.Confidence != 0 || !resp.Validation.RequiresConfirmation {
		t.Errorf("expected zero-confidence verdict for unknown patient, got %+v", resp.Validation)
	}
}

func TestHandler_GetStudy(t *testing.T) {
	h, e := newTestHandler()
	id := uploadedID(t, uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"}))

	req := clinicRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.GetStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(clinicRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if code := httpStatus(t, h.GetStudy(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c = e.NewContext(clinicRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if code := httpStatus(t, h.GetStudy(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetStudyByUID(t *testing.T) {
	h, e := newTestHandler()
	uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"})

	rec := httptest.NewRecorder()
	c := e.NewContext(clinicRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("uid")
	c.SetParamValues("1.2.840.1")
	if err := h.GetStudyByUID(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListPatientStudies(t *testing.T) {
	h, e := newTestHandler()
	uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"})

	rec := httptest.NewRecorder()
	c := e.NewContext(clinicRequest(http.MethodGet, "/?modality=ct&from=2024-01-01&limit=10", nil), rec)
	c.SetParamNames("patientId")
	c.SetParamValues("patient-1")
	if err := h.ListPatientStudies(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []json.RawMessage `json:"data"`
		Total int               `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Errorf("expected 1 study, got %d", resp.Total)
	}

	c = e.NewContext(clinicRequest(http.MethodGet, "/?from=yesterday", nil), httptest.NewRecorder())
	c.SetParamNames("patientId")
	c.SetParamValues("patient-1")
	if code := httpStatus(t, h.ListPatientStudies(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad date, got %d", code)
	}
}

func TestHandler_ImageAndRender(t *testing.T) {
	h, e := newTestHandler()
	id := uploadedID(t, uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"}))

	rec := httptest.NewRecorder()
	c := e.NewContext(clinicRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id", "seriesUID", "index")
	c.SetParamValues(id, "1.2.840.1.1", "0")
	if err := h.GetImage(c); err != nil {
		t.Fatalf("GetImage: %v", err)
	}
	var img ImageRef
	json.Unmarshal(rec.Body.Bytes(), &img)
	if img.SOPInstanceUID != "1.2.840.1.1.1" {
		t.Errorf("expected first instance, got %s", img.SOPInstanceUID)
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(clinicRequest(http.MethodGet, "/?invert=true&size=1", nil), rec)
	c.SetParamNames("id", "seriesUID", "index")
	c.SetParamValues(id, "1.2.840.1.1", "2")
	if err := h.RenderImage(c); err != nil {
		t.Fatalf("RenderImage: %v", err)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "image/png" {
		t.Errorf("expected image/png, got %s", ct)
	}

	c = e.NewContext(clinicRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id", "seriesUID", "index")
	c.SetParamValues(id, "1.2.840.1.1", "7")
	if code := httpStatus(t, h.GetImage(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	c = e.NewContext(clinicRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id", "seriesUID", "index")
	c.SetParamValues(id, "1.2.840.1.1", "x")
	if code := httpStatus(t, h.GetImage(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetStudyFHIR(t *testing.T) {
	h, e := newTestHandler()
	id := uploadedID(t, uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"}))

	rec := httptest.NewRecorder()
	c := e.NewContext(clinicRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.GetStudyFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resource map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &resource)
	if resource["resourceType"] != "ImagingStudy" {
		t.Errorf("expected ImagingStudy, got %v", resource["resourceType"])
	}
	if resource["numberOfInstances"] != float64(3) {
		t.Errorf("expected 3 instances, got %v", resource["numberOfInstances"])
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(clinicRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if err := h.GetStudyFHIR(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_DeleteStudy(t *testing.T) {
	h, e := newTestHandler()
	id := uploadedID(t, uploadStudy(t, h, e, map[string]string{"patientId": "patient-1"}))

	rec := httptest.NewRecorder()
	c := e.NewContext(clinicRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	if err := h.DeleteStudy(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}

	c = e.NewContext(clinicRequest(http.MethodDelete, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(id)
	if code := httpStatus(t, h.DeleteStudy(c)); code != http.StatusNotFound {
		t.Errorf("expected 404 on second delete, got %d", code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	h, e := newTestHandler()
	api := e.Group("/api/v1")
	fhirGroup := e.Group("/fhir")
	h.RegisterRoutes(api, fhirGroup)

	routes := []string{
		"POST /api/v1/imaging/upload",
		"POST /api/v1/imaging/validate-patient",
		"GET /api/v1/imaging/studies/:id",
		"GET /api/v1/imaging/studies/by-uid/:uid",
		"DELETE /api/v1/imaging/studies/:id",
		"GET /api/v1/imaging/patients/:patientId/studies",
		"GET /api/v1/imaging/studies/:id/series/:seriesUID/images/:index",
		"GET /api/v1/imaging/studies/:id/series/:seriesUID/images/:index/render",
		"GET /fhir/ImagingStudy/:id",
	}
	want := make(map[string]bool, len(routes))
	for _, r := range routes {
		want[r] = false
	}
	for _, r := range e.Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		if !found {
			t.Errorf("missing route %s", route)
		}
	}
}

func TestHandler_RoleGuards(t *testing.T) {
	tests := []struct {
		role   string
		method string
		target string
		want   int
	}{
		{"physician", http.MethodGet, "/api/v1/imaging/studies/0f8c3a52-6f64-4d5e-9a2e-7d1b5f0c9a11", http.StatusNotFound},
		{"technician", http.MethodGet, "/api/v1/imaging/studies/0f8c3a52-6f64-4d5e-9a2e-7d1b5f0c9a11", http.StatusForbidden},
		{"physician", http.MethodDelete, "/api/v1/imaging/studies/0f8c3a52-6f64-4d5e-9a2e-7d1b5f0c9a11", http.StatusForbidden},
		{"technician", http.MethodDelete, "/api/v1/imaging/studies/0f8c3a52-6f64-4d5e-9a2e-7d1b5f0c9a11", http.StatusNotFound},
		{"billing", http.MethodGet, "/fhir/ImagingStudy/0f8c3a52-6f64-4d5e-9a2e-7d1b5f0c9a11", http.StatusForbidden},
	}
	for _, tt := range tests {
		h, e := newTestHandler()
		role := tt.role
		e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				ctx := auth.WithUser(db.WithClinic(c.Request().Context(), "clinic_a"), "u1", role)
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}
		})
		h.RegisterRoutes(e.Group("/api/v1"), e.Group("/fhir"))

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.target, nil))
		if rec.Code != tt.want {
			t.Errorf("%s %s as %s: expected %d, got %d", tt.method, tt.target, tt.role, tt.want, rec.Code)
		}
	}
}
