package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/platform/apiclient"
)

// Rendered messages.
const (
	NoContextMessage = "Upload a patient's report first!"
	GenericError     = "Error contacting doctor bot."
	ProcessFailed    = "Error processing report."
	ContextFailed    = "Error loading reports."
)

var (
	ErrNoContext  = errors.New("no report context")
	ErrSuperseded = errors.New("a newer question was asked")
	ErrFailed     = errors.New("doctor chat failed")
	ErrProcess    = errors.New("process report failed")
	ErrContext    = errors.New("load report context failed")
)

// State of a panel.
type State string

const (
	StateIdle     State = "idle"
	StateInFlight State = "in_flight"
	StateAnswered State = "answered"
	StateError    State = "error"
)

// Context is what questions are asked against. StructuredData is sent as
// structured_data without re-encoding.
type Context struct {
	StructuredData json.RawMessage `json:"structured_data"`
	ReportSummary  string          `json:"report_summary"`
	// Token is the share-link token when the panel was opened from a
	// doctor visit.
	Token string `json:"token,omitempty"`
}

// FromMerged builds a Context from merged reports.
func FromMerged(m reports.MergedContext, token string) (Context, error) {
	raw, err := m.StructuredJSON()
	if err != nil {
		return Context{}, err
	}
	return Context{StructuredData: raw, ReportSummary: m.Summary, Token: token}, nil
}

// FromProcessed builds a Context from a single processed report.
func FromProcessed(r *apiclient.ProcessResult) Context {
	return Context{StructuredData: r.StructuredData, ReportSummary: r.ReportSummary}
}

// Backend is the AI service the panel talks to.
type Backend interface {
	DoctorChat(ctx context.Context, req apiclient.ChatRequest) (*apiclient.ChatResponse, error)
	ProcessReport(ctx context.Context, f apiclient.File) (*apiclient.ProcessResult, error)
}

// Exchange is one answered question.
type Exchange struct {
	Seq      uint64    `json:"seq"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	At       time.Time `json:"at"`
}

// Snapshot is the rendered state of a panel.
type Snapshot struct {
	State    State  `json:"state"`
	Seq      uint64 `json:"seq"`
	Question string `json:"question,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Message  string `json:"message,omitempty"`
}

// Panel renders one answer per question over an explicit Context. Every
// question takes the next sequence number and only the response to the
// latest number may change the panel.
type Panel struct {
	client Backend
	logger zerolog.Logger

	mu      sync.Mutex
	context *Context
	seq     uint64
	snap    Snapshot
	history []Exchange
}

// NewPanel returns an idle panel with no context.
func NewPanel(client Backend, logger zerolog.Logger) *Panel {
	return &Panel{client: client, logger: logger, snap: Snapshot{State: StateIdle}}
}

func (p *Panel) SetContext(c Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context = &c
}

// Context returns the current context and whether one is set.
func (p *Panel) Context() (Context, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.context == nil {
		return Context{}, false
	}
	return *p.context, true
}

// State returns what the panel currently renders.
func (p *Panel) State() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// History returns accepted exchanges, oldest first.
func (p *Panel) History() []Exchange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Exchange{}, p.history...)
}

// ProcessReport extracts a single file and makes its result the panel
// context.
func (p *Panel) ProcessReport(ctx context.Context, f apiclient.File) (*apiclient.ProcessResult, error) {
	res, err := p.client.ProcessReport(ctx, f)
	if err != nil {
		p.logger.Error().Err(err).Str("file", f.Name).Msg("process report failed")
		p.mu.Lock()
		p.snap = Snapshot{State: StateError, Seq: p.seq, Message: ProcessFailed}
		p.mu.Unlock()
		return nil, ErrProcess
	}
	p.SetContext(FromProcessed(res))
	return res, nil
}

// Ask sends question with the panel's context. A blank question or a
// missing context is rejected before any request is made. Failures render
// as GenericError and return ErrFailed; the cause is only logged. A response
// that arrives after a newer question was asked returns ErrSuperseded and
// leaves the panel untouched.
func (p *Panel) Ask(ctx context.Context, question string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", apiclient.NewValidationError("question", "Enter your question.")
	}

	p.mu.Lock()
	if p.context == nil {
		p.mu.Unlock()
		return "", ErrNoContext
	}
	cur := *p.context
	p.seq++
	seq := p.seq
	p.snap = Snapshot{State: StateInFlight, Seq: seq, Question: question}
	p.mu.Unlock()

	res, err := p.client.DoctorChat(ctx, apiclient.ChatRequest{
		Question:       question,
		StructuredData: cur.StructuredData,
		ReportSummary:  cur.ReportSummary,
		Token:          cur.Token,
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if seq != p.seq {
		p.logger.Debug().Uint64("seq", seq).Uint64("latest", p.seq).Msg("discarding stale chat response")
		return "", ErrSuperseded
	}
	if err != nil {
		p.logger.Error().Err(err).Uint64("seq", seq).Msg("chat failed")
		p.snap = Snapshot{State: StateError, Seq: seq, Question: question, Message: GenericError}
		return "", ErrFailed
	}

	p.snap = Snapshot{State: StateAnswered, Seq: seq, Question: question, Answer: res.Answer}
	p.history = append(p.history, Exchange{Seq: seq, Question: question, Answer: res.Answer, At: time.Now().UTC()})
	return res.Answer, nil
}
