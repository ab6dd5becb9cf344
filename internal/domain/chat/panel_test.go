package chat

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/platform/apiclient"
)

// -- Fake Backend --

type fakeBackend struct {
	mu       sync.Mutex
	requests []apiclient.ChatRequest
	chat     func(apiclient.ChatRequest) (*apiclient.ChatResponse, error)
	process  *apiclient.ProcessResult
	err      error
}

func (f *fakeBackend) DoctorChat(_ context.Context, req apiclient.ChatRequest) (*apiclient.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.chat
	f.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &apiclient.ChatResponse{Answer: "answer to " + req.Question}, nil
}

func (f *fakeBackend) ProcessReport(_ context.Context, _ apiclient.File) (*apiclient.ProcessResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.process, nil
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestPanel(b *fakeBackend) *Panel {
	return NewPanel(b, zerolog.Nop())
}

// -- Tests --

func TestPanel_BlankQuestionSendsNothing(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPanel(b)
	p.SetContext(Context{StructuredData: []byte(`{}`), ReportSummary: "s"})

	for _, q := range []string{"", "   ", "\n\t"} {
		_, err := p.Ask(context.Background(), q)
		var ve *apiclient.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("question %q: expected ValidationError, got %v", q, err)
		}
	}
	if b.count() != 0 {
		t.Errorf("expected zero requests, got %d", b.count())
	}
	if p.State().State != StateIdle {
		t.Errorf("state = %s", p.State().State)
	}
}

func TestPanel_NoContext(t *testing.T) {
	b := &fakeBackend{}
	p := newTestPanel(b)

	if _, err := p.Ask(context.Background(), "what now?"); !errors.Is(err, ErrNoContext) {
		t.Fatalf("expected ErrNoContext, got %v", err)
	}
	if b.count() != 0 {
		t.Error("expected no request without context")
	}
}

func TestPanel_ForwardsProcessedContextUnchanged(t *testing.T) {
	b := &fakeBackend{process: &apiclient.ProcessResult{
		StructuredData: []byte(`{"diagnosis":["flu"]}`),
		ReportSummary:  "text",
	}}
	p := newTestPanel(b)

	if _, err := p.ProcessReport(context.Background(), apiclient.FileFromBytes("r.pdf", []byte("%PDF"))); err != nil {
		t.Fatalf("process: %v", err)
	}
	answer, err := p.Ask(context.Background(), "  Is it serious?  ")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if answer != "answer to Is it serious?" {
		t.Errorf("answer = %q", answer)
	}

	req := b.requests[0]
	if string(req.StructuredData) != `{"diagnosis":["flu"]}` || req.ReportSummary != "text" {
		t.Errorf("context altered: %s / %q", req.StructuredData, req.ReportSummary)
	}
	if req.Question != "Is it serious?" {
		t.Errorf("question not trimmed: %q", req.Question)
	}
	if req.Token != "" {
		t.Errorf("unexpected token %q", req.Token)
	}
}

func TestPanel_ProcessFailure(t *testing.T) {
	b := &fakeBackend{err: &apiclient.NetworkError{Err: errors.New("dial tcp: refused")}}
	p := newTestPanel(b)

	_, err := p.ProcessReport(context.Background(), apiclient.FileFromBytes("r.pdf", nil))
	if !errors.Is(err, ErrProcess) {
		t.Fatalf("expected ErrProcess, got %v", err)
	}
	if _, ok := p.Context(); ok {
		t.Error("failed processing must not set a context")
	}
	if st := p.State(); st.State != StateError || st.Message != ProcessFailed {
		t.Errorf("unexpected state %+v", st)
	}
}

func TestPanel_FailureRendersGenericMessage(t *testing.T) {
	b := &fakeBackend{err: &apiclient.APIError{Status: 500, Message: "internal stack trace"}}
	p := newTestPanel(b)
	p.SetContext(Context{StructuredData: []byte(`{}`)})

	_, err := p.Ask(context.Background(), "hi")
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	st := p.State()
	if st.State != StateError || st.Message != GenericError {
		t.Errorf("unexpected state %+v", st)
	}
	if len(p.History()) != 0 {
		t.Error("failed exchange must not enter history")
	}
}

func TestPanel_StaleResponseDiscarded(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	b := &fakeBackend{chat: func(req apiclient.ChatRequest) (*apiclient.ChatResponse, error) {
		if req.Question == "first" {
			close(started)
			<-gate
			return &apiclient.ChatResponse{Answer: "old"}, nil
		}
		return &apiclient.ChatResponse{Answer: "new"}, nil
	}}
	p := newTestPanel(b)
	p.SetContext(Context{StructuredData: []byte(`{}`)})

	done := make(chan error, 1)
	go func() {
		_, err := p.Ask(context.Background(), "first")
		done <- err
	}()
	<-started

	answer, err := p.Ask(context.Background(), "second")
	if err != nil || answer != "new" {
		t.Fatalf("second ask = %q, %v", answer, err)
	}
	close(gate)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	st := p.State()
	if st.State != StateAnswered || st.Answer != "new" || st.Seq != 2 {
		t.Errorf("stale response changed state: %+v", st)
	}
	if h := p.History(); len(h) != 1 || h[0].Answer != "new" {
		t.Errorf("unexpected history %+v", h)
	}
}

func TestPanel_HistoryOrdered(t *testing.T) {
	p := newTestPanel(&fakeBackend{})
	p.SetContext(Context{StructuredData: []byte(`{}`)})

	for _, q := range []string{"a", "b", "c"} {
		if _, err := p.Ask(context.Background(), q); err != nil {
			t.Fatalf("ask %s: %v", q, err)
		}
	}
	h := p.History()
	if len(h) != 3 || h[0].Question != "a" || h[2].Question != "c" || h[2].Seq != 3 {
		t.Errorf("unexpected history %+v", h)
	}
}

func TestFromMerged(t *testing.T) {
	m := reports.MergedContext{Structured: reports.NewStructuredData(), Summary: "one\n\ntwo"}
	m.Structured.Diagnosis = []string{"flu"}

	c, err := FromMerged(m, "tok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"diagnosis":["flu"],"medications":[],"allergies":[],"notes":[]}`
	if string(c.StructuredData) != want {
		t.Errorf("structured = %s", c.StructuredData)
	}
	if c.ReportSummary != "one\n\ntwo" || c.Token != "tok" {
		t.Errorf("unexpected context %+v", c)
	}
}
