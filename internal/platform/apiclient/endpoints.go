package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// -- Auth --

// Register creates an account.
func (c *Client) Register(ctx context.Context, p RegisterPayload) (AuthResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/auth/register", WithJSON(p))
	if err != nil {
		return nil, err
	}
	return decodeAuth(res)
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, p LoginPayload) (AuthResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/auth/login", WithJSON(p))
	if err != nil {
		return nil, err
	}
	return decodeAuth(res)
}

func decodeAuth(res *Result) (AuthResponse, error) {
	if !res.IsJSON {
		return AuthResponse{}, nil
	}
	var out AuthResponse
	if err := json.Unmarshal(res.Body, &out); err != nil {
		return nil, &InvalidResponseError{Err: fmt.Errorf("expected JSON object: %w", err)}
	}
	if out == nil {
		out = AuthResponse{}
	}
	return out, nil
}

// -- Reports --

// ListPatientReports returns a patient's reports in backend order. The
// backend may answer with a bare array or wrap it in "items" or "reports".
// An empty patient id yields an empty list without a request.
func (c *Client) ListPatientReports(ctx context.Context, patientID string) ([]Report, error) {
	if strings.TrimSpace(patientID) == "" {
		return []Report{}, nil
	}
	res, err := c.Request(ctx, http.MethodGet, "/reports/patient/"+url.PathEscape(patientID))
	if err != nil {
		return nil, err
	}
	if !res.IsJSON {
		return nil, &InvalidResponseError{Err: fmt.Errorf("expected JSON report list, got %q", res.ContentType)}
	}
	return decodeReportList(res.Body)
}

func decodeReportList(body []byte) ([]Report, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []Report
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &InvalidResponseError{Err: err}
		}
		return items, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		// Neither an array nor an object: nothing to list.
		return []Report{}, nil
	}
	for _, key := range []string{"items", "reports"} {
		raw, ok := wrapped[key]
		if !ok {
			continue
		}
		var items []Report
		if err := json.Unmarshal(raw, &items); err != nil {
			continue
		}
		if items != nil {
			return items, nil
		}
	}
	return []Report{}, nil
}

// UploadReport uploads one file to the single-file endpoint. progress, if
// set, receives byte counts as the body is sent.
func (c *Client) UploadReport(ctx context.Context, patientID string, form UploadForm, f File, progress ProgressFunc) (*Result, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, NewValidationError("patient_id", "patientId required")
	}
	path := "/reports/patient/" + url.PathEscape(patientID) + "/upload"
	return c.postMultipart(ctx, path, c.baseURL, uploadFields(form), []formFile{{field: "file", file: f}}, progress)
}

// UploadReports uploads several files in one request to the multi-file
// endpoint. progress reports overall bytes.
func (c *Client) UploadReports(ctx context.Context, patientID string, form UploadForm, files []File, progress ProgressFunc) (*Result, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, NewValidationError("patient_id", "patientId required")
	}
	if len(files) == 0 {
		return nil, NewValidationError("files", "pick files first")
	}
	parts := make([]formFile, 0, len(files))
	for _, f := range files {
		parts = append(parts, formFile{field: "files", file: f})
	}
	path := "/reports/patient/" + url.PathEscape(patientID) + "/upload-multiple"
	return c.postMultipart(ctx, path, c.baseURL, uploadFields(form), parts, progress)
}

func uploadFields(form UploadForm) []formField {
	return []formField{
		{name: "date", value: form.Date},
		{name: "doc_type", value: form.DocType},
	}
}

func (c *Client) postMultipart(ctx context.Context, path, base string, fields []formField, files []formFile, progress ProgressFunc) (*Result, error) {
	body, contentType, err := encodeMultipart(fields, files)
	if err != nil {
		return nil, err
	}
	total := int64(len(body))
	pr := &progressReader{r: bytes.NewReader(body), total: total, fn: progress}
	return c.Request(ctx, http.MethodPost, path,
		func(rc *requestConfig) { rc.base = base },
		WithBody(pr, total),
		WithHeader("Content-Type", contentType),
	)
}

// -- AI backend --

// ProcessReport sends one file for extraction and summarization.
func (c *Client) ProcessReport(ctx context.Context, f File) (*ProcessResult, error) {
	res, err := c.postMultipart(ctx, "/api/process-report", c.aiBaseURL, nil, []formFile{{field: "file", file: f}}, nil)
	if err != nil {
		return nil, err
	}
	var out ProcessResult
	if err := decodeInto(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DoctorChat asks a question over the given report context.
func (c *Client) DoctorChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	res, err := c.Request(ctx, http.MethodPost, "/api/doctor-chat", onAI(c), WithJSON(req))
	if err != nil {
		return nil, err
	}
	var out ChatResponse
	if err := decodeInto(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DoctorVisit resolves a share-link token into the patient and reports.
func (c *Client) DoctorVisit(ctx context.Context, token string) (*Visit, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewValidationError("token", "missing doctor token")
	}
	res, err := c.Request(ctx, http.MethodGet, "/api/doctor/visit/"+url.PathEscape(token), onAI(c))
	if err != nil {
		return nil, err
	}
	var out Visit
	if err := decodeInto(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatientDashboard returns the patient record and reports.
func (c *Client) PatientDashboard(ctx context.Context, patientID string) (*Visit, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, NewValidationError("patient_id", "no patient ID found")
	}
	res, err := c.Request(ctx, http.MethodGet, "/api/patients/"+url.PathEscape(patientID)+"/dashboard", onAI(c))
	if err != nil {
		return nil, err
	}
	var out Visit
	if err := decodeInto(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateShareLink asks the backend for a doctor share link.
func (c *Client) CreateShareLink(ctx context.Context, patientID string) (*ShareLink, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, NewValidationError("patient_id", "no patient ID found")
	}
	res, err := c.Request(ctx, http.MethodPost, "/api/patients/"+url.PathEscape(patientID)+"/share", onAI(c))
	if err != nil {
		return nil, err
	}
	var out ShareLink
	if err := decodeInto(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

var errNotJSON = errors.New("expected a JSON response")

func decodeInto(res *Result, v any) error {
	if !res.IsJSON {
		return &InvalidResponseError{Err: errNotJSON}
	}
	if err := res.Decode(v); err != nil {
		return &InvalidResponseError{Err: err}
	}
	return nil
}
