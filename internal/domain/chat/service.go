package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/domain/reports"
	"github.com/healthbot/portal/internal/platform/apiclient"
)

// ContextSource loads merged report context for a patient or a visit.
type ContextSource interface {
	MergedContext(ctx context.Context, patientID string) (reports.MergedContext, error)
	Visit(ctx context.Context, token string) (*reports.VisitView, error)
}

// AskRequest selects which panel a question goes to. With a patient ID the
// patient's merged reports are the context, with a token the shared visit
// is, and with neither the last processed single report is.
type AskRequest struct {
	Question  string `json:"question"`
	PatientID string `json:"patient_id,omitempty"`
	Token     string `json:"token,omitempty"`
}

func (r AskRequest) key() string {
	switch {
	case r.PatientID != "":
		return "patient:" + r.PatientID
	case r.Token != "":
		return "visit:" + r.Token
	}
	return "report"
}

// Service keeps one Panel per patient, visit token and the single-report
// flow.
type Service struct {
	backend Backend
	source  ContextSource
	logger  zerolog.Logger

	mu     sync.Mutex
	panels map[string]*Panel
}

// NewService returns a service with no panels.
func NewService(backend Backend, source ContextSource, logger zerolog.Logger) *Service {
	return &Service{
		backend: backend,
		source:  source,
		logger:  logger,
		panels:  make(map[string]*Panel),
	}
}

func (s *Service) panel(key string) *Panel {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.panels[key]
	if !ok {
		p = NewPanel(s.backend, s.logger.With().Str("panel", key).Logger())
		s.panels[key] = p
	}
	return p
}

// ProcessReport runs the single-report flow.
func (s *Service) ProcessReport(ctx context.Context, f apiclient.File) (*apiclient.ProcessResult, error) {
	return s.panel(AskRequest{}.key()).ProcessReport(ctx, f)
}

// Ask refreshes the panel context when the request names a patient or a
// visit, then asks. A blank question is rejected before anything is loaded.
func (s *Service) Ask(ctx context.Context, req AskRequest) (string, Snapshot, error) {
	if strings.TrimSpace(req.Question) == "" {
		return "", Snapshot{}, apiclient.NewValidationError("question", "Enter your question.")
	}
	p := s.panel(req.key())

	if err := s.refresh(ctx, p, req); err != nil {
		return "", p.State(), err
	}

	answer, err := p.Ask(ctx, req.Question)
	return answer, p.State(), err
}

// refresh reloads the context of a patient or visit panel. Load failures
// are logged and reported as ErrContext so backend detail never reaches
// the caller.
func (s *Service) refresh(ctx context.Context, p *Panel, req AskRequest) error {
	var (
		merged reports.MergedContext
		token  string
		err    error
	)
	switch {
	case req.PatientID != "":
		merged, err = s.source.MergedContext(ctx, req.PatientID)
	case req.Token != "":
		var view *reports.VisitView
		if view, err = s.source.Visit(ctx, req.Token); err == nil {
			merged, token = view.Context, req.Token
		}
	default:
		return nil
	}

	var c Context
	if err == nil {
		c, err = FromMerged(merged, token)
	}
	if err != nil {
		var ve *apiclient.ValidationError
		if errors.As(err, &ve) {
			return err
		}
		s.logger.Error().Err(err).Str("panel", req.key()).Msg("load chat context failed")
		return ErrContext
	}
	p.SetContext(c)
	return nil
}

// Reset drops every panel with its context and history.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.panels = make(map[string]*Panel)
}

// History returns the transcript of the panel a request would use.
func (s *Service) History(req AskRequest) []Exchange {
	return s.panel(req.key()).History()
}
