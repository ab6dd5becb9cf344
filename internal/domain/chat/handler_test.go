package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/platform/apiclient"
)

type fakeSource struct {
	merged map[string]reports.MergedContext
	visits map[string]*reports.VisitView
	err    error
	calls  int
}

func (f *fakeSource) MergedContext(_ context.Context, patientID string) (reports.MergedContext, error) {
	f.calls++
	if f.err != nil {
		return reports.MergedContext{}, f.err
	}
	m, ok := f.merged[patientID]
	if !ok {
		return reports.MergedContext{}, &apiclient.APIError{Status: http.StatusNotFound, Message: "Patient not found"}
	}
	return m, nil
}

func (f *fakeSource) Visit(_ context.Context, token string) (*reports.VisitView, error) {
	f.calls++
	v, ok := f.visits[token]
	if !ok {
		return nil, &apiclient.APIError{Status: http.StatusForbidden, Message: "Link expired"}
	}
	return v, nil
}

func merged(summary string, diagnosis ...string) reports.MergedContext {
	m := reports.MergedContext{Structured: reports.NewStructuredData(), Summary: summary}
	m.Structured.Diagnosis = append(m.Structured.Diagnosis, diagnosis...)
	return m
}

func newTestHandler(b *fakeBackend) (*Handler, *fakeSource, *echo.Echo) {
	src := &fakeSource{
		merged: map[string]reports.MergedContext{"p1": merged("patient summary", "asthma")},
		visits: map[string]*reports.VisitView{"tok": {Context: merged("visit summary", "flu")}},
	}
	return NewHandler(NewService(b, src, zerolog.Nop())), src, echo.New()
}

func askContext(e *echo.Echo, body string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, "/chat/ask", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	return he.Code
}

func TestHandler_AskPatientContext(t *testing.T) {
	b := &fakeBackend{}
	h, _, e := newTestHandler(b)
	c, rec := askContext(e, `{"question":"meds?","patient_id":"p1"}`)

	if err := h.Ask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var out askResponse
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out.Answer != "answer to meds?" || out.Panel.State != StateAnswered {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	req := b.requests[0]
	if req.ReportSummary != "patient summary" || !strings.Contains(string(req.StructuredData), `"asthma"`) {
		t.Errorf("unexpected chat request %+v", req)
	}
}

func TestHandler_AskVisitForwardsToken(t *testing.T) {
	b := &fakeBackend{}
	h, _, e := newTestHandler(b)
	c, _ := askContext(e, `{"question":"history?","token":"tok"}`)

	if err := h.Ask(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.requests[0].Token != "tok" || b.requests[0].ReportSummary != "visit summary" {
		t.Errorf("unexpected chat request %+v", b.requests[0])
	}
}

func TestHandler_AskBlankLoadsNothing(t *testing.T) {
	b := &fakeBackend{}
	h, src, e := newTestHandler(b)
	c, _ := askContext(e, `{"question":"  ","patient_id":"p1"}`)

	if code := httpCode(t, h.Ask(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
	if src.calls != 0 || b.count() != 0 {
		t.Errorf("expected no requests, got source=%d chat=%d", src.calls, b.count())
	}
}

func TestHandler_AskWithoutReport(t *testing.T) {
	h, _, e := newTestHandler(&fakeBackend{})
	c, _ := askContext(e, `{"question":"anything?"}`)

	if code := httpCode(t, h.Ask(c)); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
}

func TestHandler_AskErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		backend *fakeBackend
		want    int
		message string
	}{
		{"unknown patient", `{"question":"q","patient_id":"nope"}`, &fakeBackend{}, http.StatusBadGateway, ContextFailed},
		{"expired link", `{"question":"q","token":"old"}`, &fakeBackend{}, http.StatusBadGateway, ContextFailed},
		{"chat failure", `{"question":"q","patient_id":"p1"}`, &fakeBackend{err: errors.New("boom")}, http.StatusBadGateway, GenericError},
		{"no report", `{"question":"q"}`, &fakeBackend{}, http.StatusConflict, NoContextMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, e := newTestHandler(tt.backend)
			c, _ := askContext(e, tt.body)
			var he *echo.HTTPError
			if !errors.As(h.Ask(c), &he) {
				t.Fatal("expected HTTPError")
			}
			if he.Code != tt.want || he.Message != tt.message {
				t.Errorf("got %d %v, want %d %q", he.Code, he.Message, tt.want, tt.message)
			}
		})
	}
}

func TestHandler_AskHidesBackendDetail(t *testing.T) {
	b := &fakeBackend{}
	h, src, e := newTestHandler(b)
	src.err = &apiclient.APIError{
		Status:  http.StatusInternalServerError,
		Message: "psycopg2.OperationalError: password authentication failed for user admin",
	}
	c, _ := askContext(e, `{"question":"hi","patient_id":"p1"}`)

	var he *echo.HTTPError
	if !errors.As(h.Ask(c), &he) {
		t.Fatal("expected HTTPError")
	}
	if he.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", he.Code)
	}
	if msg, _ := he.Message.(string); strings.Contains(msg, "psycopg2") || msg != ContextFailed {
		t.Errorf("backend detail leaked: %v", he.Message)
	}
	if b.count() != 0 {
		t.Errorf("expected no chat request, got %d", b.count())
	}
}

func TestService_ResetDropsPanels(t *testing.T) {
	b := &fakeBackend{process: &apiclient.ProcessResult{StructuredData: []byte(`{"diagnosis":["flu"]}`), ReportSummary: "private"}}
	_, src, _ := newTestHandler(b)
	svc := NewService(b, src, zerolog.Nop())

	if _, err := svc.ProcessReport(context.Background(), apiclient.FileFromBytes("r.pdf", []byte("%PDF"))); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, _, err := svc.Ask(context.Background(), AskRequest{Question: "flu?"}); err != nil {
		t.Fatalf("ask: %v", err)
	}

	svc.Reset()

	if h := svc.History(AskRequest{}); len(h) != 0 {
		t.Errorf("expected empty history after reset, got %+v", h)
	}
	if _, _, err := svc.Ask(context.Background(), AskRequest{Question: "flu?"}); !errors.Is(err, ErrNoContext) {
		t.Errorf("expected ErrNoContext after reset, got %v", err)
	}
	if b.count() != 1 {
		t.Errorf("expected one chat request, got %d", b.count())
	}
}

func TestHandler_ProcessReportThenAsk(t *testing.T) {
	b := &fakeBackend{process: &apiclient.ProcessResult{
		StructuredData: []byte(`{"diagnosis":["flu"]}`),
		ReportSummary:  "text",
	}}
	h, _, e := newTestHandler(b)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "report.pdf")
	part.Write([]byte("%PDF-1.4"))
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/chat/process-report", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()

	if err := h.ProcessReport(e.NewContext(req, rec)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"report_summary":"text"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	c, _ := askContext(e, `{"question":"Is it flu?"}`)
	if err := h.Ask(c); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if string(b.requests[0].StructuredData) != `{"diagnosis":["flu"]}` {
		t.Errorf("structured data altered: %s", b.requests[0].StructuredData)
	}
}

func TestHandler_ProcessReportMissingFile(t *testing.T) {
	h, _, e := newTestHandler(&fakeBackend{})
	req := httptest.NewRequest(http.MethodPost, "/chat/process-report", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	if code := httpCode(t, h.ProcessReport(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
