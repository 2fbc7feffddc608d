package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/example/oral-check/internal/auth"
	"github.com/example/oral-check/internal/backend"
	"github.com/example/oral-check/internal/classifier"
	"github.com/example/oral-check/internal/imageprocessor"
	"github.com/example/oral-check/internal/knowledge"
	"github.com/example/oral-check/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubDiagnosis struct {
	result    *classifier.Result
	err       error
	calls     int
	gotUser   string
	record    *usecase.ClassificationRecord
	recordErr error
}

func (s *stubDiagnosis) Diagnose(ctx context.Context, userID string, image []byte) (string, *classifier.Result, error) {
	s.calls++
	s.gotUser = userID
	if s.err != nil {
		return "", nil, s.err
	}
	return "req-1", s.result, nil
}

func (s *stubDiagnosis) GetResult(ctx context.Context, userID, requestID string) (*usecase.ClassificationRecord, error) {
	return s.record, s.recordErr
}

func (s *stubDiagnosis) GetDuplicateReport(ctx context.Context, userID, requestID string) (*usecase.DuplicateReport, error) {
	return &usecase.DuplicateReport{Request: s.record}, s.recordErr
}

func (s *stubDiagnosis) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	return &usecase.MetricsSummary{TotalRequests: 3}, nil
}

type stubModel struct {
	initErr error
	status  classifier.Status
}

func (s *stubModel) Initialize(ctx context.Context) error {
	if s.initErr != nil {
		s.status = classifier.StatusFailed
		return s.initErr
	}
	s.status = classifier.StatusReady
	return nil
}

func (s *stubModel) Snapshot() classifier.Snapshot {
	return classifier.Snapshot{Status: s.status, Backend: "stub"}
}

func newTestRouter(diag *stubDiagnosis, model *stubModel) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, Dependencies{
		Diagnosis: diag,
		Model:     model,
		Knowledge: knowledge.Default(),
	}, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}))
	return router
}

func TestClassifyRejectsLargeUpload(t *testing.T) {
	diag := &stubDiagnosis{}
	router := newTestRouter(diag, &stubModel{})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))
	resp := doRequest(t, router, http.MethodPost, "/v1/classify", body, contentType)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
	if diag.calls != 0 {
		t.Fatal("oversized uploads must not reach the use case")
	}
}

func TestClassifyRejectsUnsupportedContentType(t *testing.T) {
	diag := &stubDiagnosis{}
	router := newTestRouter(diag, &stubModel{})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))
	resp := doRequest(t, router, http.MethodPost, "/v1/classify", body, contentType)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if diag.calls != 0 {
		t.Fatal("unsupported uploads must not reach the use case")
	}
}

func TestClassifyReturnsResult(t *testing.T) {
	entry, _ := knowledge.Default().Lookup("healthy")
	diag := &stubDiagnosis{result: &classifier.Result{
		ConditionKey:    entry.Key,
		ConditionName:   entry.DisplayName,
		Description:     entry.Description,
		Severity:        entry.Severity,
		Confidence:      0.83,
		Recommendations: entry.Recommendations,
		ObservedAt:      time.Now().UTC(),
	}}
	router := newTestRouter(diag, &stubModel{})

	body, contentType := buildMultipartBody(t, "image/png", []byte("png-bytes"))
	resp := doRequest(t, router, http.MethodPost, "/v1/classify", body, contentType)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var payload struct {
		RequestID string `json:"request_id"`
		Result    struct {
			ConditionName   string   `json:"condition_name"`
			Confidence      float64  `json:"confidence"`
			Severity        string   `json:"severity"`
			Recommendations []string `json:"recommendations"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.RequestID != "req-1" || payload.Result.ConditionName != "Healthy Oral Tissue" ||
		payload.Result.Confidence != 0.83 || payload.Result.Severity != "low" || len(payload.Result.Recommendations) != 5 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if diag.gotUser != "user-123" {
		t.Fatalf("expected token subject to be forwarded, got %q", diag.gotUser)
	}
}

func TestClassifyErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		kind   string
	}{
		{fmt.Errorf("%w: empty payload", imageprocessor.ErrInvalidInput), http.StatusBadRequest, "invalid_input"},
		{classifier.ErrNotReady, http.StatusServiceUnavailable, "not_ready"},
		{usecase.ErrRequestInProgress, http.StatusConflict, "request_in_progress"},
		{fmt.Errorf("%w: bad reply", backend.ErrInference), http.StatusBadGateway, "inference_error"},
		{fmt.Errorf("%w: %w", backend.ErrInference, context.DeadlineExceeded), http.StatusGatewayTimeout, "timeout"},
		{backend.ErrUnavailable, http.StatusServiceUnavailable, "backend_unavailable"},
		{&knowledge.UnknownConditionError{Key: "x"}, http.StatusInternalServerError, "unknown_condition"},
		{errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			router := newTestRouter(&stubDiagnosis{err: tc.err}, &stubModel{})
			body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg-bytes"))
			resp := doRequest(t, router, http.MethodPost, "/v1/classify", body, contentType)

			if resp.Code != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, resp.Code)
			}
			var payload map[string]string
			_ = json.Unmarshal(resp.Body.Bytes(), &payload)
			if payload["kind"] != tc.kind {
				t.Fatalf("expected kind %q, got %q", tc.kind, payload["kind"])
			}
		})
	}
}

func TestClassifyRequiresAuth(t *testing.T) {
	router := newTestRouter(&stubDiagnosis{}, &stubModel{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"))

	req := httptest.NewRequest(http.MethodPost, "/v1/classify", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestInitializeModel(t *testing.T) {
	model := &stubModel{}
	router := newTestRouter(&stubDiagnosis{}, model)

	resp := doRequest(t, router, http.MethodPost, "/v1/model/initialize", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var snap map[string]interface{}
	_ = json.Unmarshal(resp.Body.Bytes(), &snap)
	if snap["status"] != "ready" {
		t.Fatalf("expected ready status, got %v", snap["status"])
	}

	model.initErr = fmt.Errorf("%w: weights missing", classifier.ErrInitializationFailed)
	resp = doRequest(t, router, http.MethodPost, "/v1/model/initialize", nil, "")
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestGetResultNotFound(t *testing.T) {
	router := newTestRouter(&stubDiagnosis{recordErr: fmt.Errorf("find: %w", gorm.ErrRecordNotFound)}, &stubModel{})

	resp := doRequest(t, router, http.MethodGet, "/v1/results/missing", nil, "")
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestListConditions(t *testing.T) {
	router := newTestRouter(&stubDiagnosis{}, &stubModel{})

	resp := doRequest(t, router, http.MethodGet, "/v1/conditions", nil, "")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var payload struct {
		Conditions []knowledge.ConditionEntry `json:"conditions"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(payload.Conditions) != knowledge.Default().Len() {
		t.Fatalf("expected %d conditions, got %d", knowledge.Default().Len(), len(payload.Conditions))
	}
}

func TestAcceptablePartType(t *testing.T) {
	for header, want := range map[string]bool{
		"":                         true,
		"application/octet-stream": true,
		"image/png":                true,
		"image/jpg":                true,
		"image/gif":                false,
		"text/plain":               false,
		"not a media type;;":       false,
	} {
		if got := acceptablePartType(header); got != want {
			t.Errorf("acceptablePartType(%q) = %v, want %v", header, got, want)
		}
	}
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "user-123"))

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}
