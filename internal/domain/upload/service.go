package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthbot/portal/internal/platform/apiclient"
	"github.com/healthbot/portal/internal/platform/staging"
	"github.com/healthbot/portal/internal/platform/websocket"
)

// DefaultDocType is used when an upload form leaves doc_type blank.
const DefaultDocType = "lab"

// Service keeps one Coordinator per patient. Files are staged before they
// are queued and removed from staging once their queue completes or is
// cleared. Task changes are published to the patient's websocket topic.
type Service struct {
	client         Uploader
	store          staging.Store
	pub            websocket.Publisher
	logger         zerolog.Logger
	defaultDocType string
	now            func() time.Time

	mu     sync.Mutex
	queues map[string]*Coordinator
}

// NewService returns a service with no queues. A blank defaultDocType means
// DefaultDocType.
func NewService(client Uploader, store staging.Store, pub websocket.Publisher, logger zerolog.Logger, defaultDocType string) *Service {
	if defaultDocType == "" {
		defaultDocType = DefaultDocType
	}
	return &Service{
		client:         client,
		store:          store,
		pub:            pub,
		logger:         logger,
		defaultDocType: defaultDocType,
		now:            time.Now,
		queues:         make(map[string]*Coordinator),
	}
}

// Queue returns the patient's coordinator, creating it on first use.
func (s *Service) Queue(patientID string) *Coordinator {
	patientID = strings.TrimSpace(patientID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.queues[patientID]; ok {
		return c
	}
	c := NewCoordinator(s.client, patientID,
		WithLogger(s.logger.With().Str("component", "upload").Logger()),
		WithObserver(s.publish),
		WithOnComplete(func(done []Task) { s.release(patientID, done, "upload.complete") }),
	)
	s.queues[patientID] = c
	return c
}

// Stage stores content and queues it for patientID.
func (s *Service) Stage(ctx context.Context, patientID, fileName string, content io.Reader) (Task, error) {
	if strings.TrimSpace(patientID) == "" {
		return Task{}, apiclient.NewValidationError("patient_id", "Please enter a patient ID first.")
	}
	meta, err := s.store.Put(ctx, patientID, fileName, content)
	if err != nil {
		return Task{}, fmt.Errorf("stage %s: %w", fileName, err)
	}

	q := s.Queue(patientID)
	added := q.AddFiles(staging.AsFile(s.store, meta))
	task := added[0]
	q.attach(task.ID, meta.ID)
	task.StagedID = meta.ID
	return task, nil
}

// Form fills the blank fields of an upload form with the service defaults.
func (s *Service) Form(date, docType string) apiclient.UploadForm {
	return NewForm(date, docType, s.defaultDocType, s.now())
}

// NewForm fills a blank date with now's UTC date and a blank document type
// with defaultDocType, or DefaultDocType when that is blank too.
func NewForm(date, docType, defaultDocType string, now time.Time) apiclient.UploadForm {
	if strings.TrimSpace(date) == "" {
		date = now.UTC().Format("2006-01-02")
	}
	if strings.TrimSpace(docType) == "" {
		docType = defaultDocType
	}
	if strings.TrimSpace(docType) == "" {
		docType = DefaultDocType
	}
	return apiclient.UploadForm{Date: strings.TrimSpace(date), DocType: strings.TrimSpace(docType)}
}

// Run uploads the patient's queue file by file.
func (s *Service) Run(ctx context.Context, patientID string, form apiclient.UploadForm) error {
	return s.Queue(patientID).UploadAll(ctx, form)
}

// Batch uploads the patient's queue in one request.
func (s *Service) Batch(ctx context.Context, patientID string, form apiclient.UploadForm) error {
	return s.Queue(patientID).UploadBatch(ctx, form)
}

// Retry re-sends one failed task of the patient's queue.
func (s *Service) Retry(ctx context.Context, patientID, taskID string, form apiclient.UploadForm) error {
	return s.Queue(patientID).Retry(ctx, taskID, form)
}

// Clear empties the patient's queue and drops the staged files.
func (s *Service) Clear(patientID string) int {
	removed := s.Queue(patientID).Clear()
	s.release(patientID, removed, "upload.cleared")
	return len(removed)
}

// Snapshot returns the patient's tasks and their counts.
func (s *Service) Snapshot(patientID string) ([]Task, Summary) {
	q := s.Queue(patientID)
	return q.Snapshot(), q.Summary()
}

// Reset clears every queue and drops all staged files, including any left
// behind by a queue that no longer tracks them.
func (s *Service) Reset(ctx context.Context) {
	s.mu.Lock()
	queues := s.queues
	s.queues = make(map[string]*Coordinator)
	s.mu.Unlock()

	for patientID, q := range queues {
		s.release(patientID, q.Clear(), "upload.cleared")

		leftover, err := s.store.ListByPatient(ctx, patientID)
		if err != nil {
			s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("list staged files")
			continue
		}
		for _, m := range leftover {
			if err := s.store.Delete(ctx, m.ID); err != nil && !errors.Is(err, staging.ErrNotFound) {
				s.logger.Warn().Err(err).Str("staged_id", m.ID).Msg("release staged file")
			}
		}
	}
}

func (s *Service) publish(ev Event) {
	err := s.pub.Publish(context.Background(), websocket.Event{
		Type:     "upload." + string(ev.Status),
		Topic:    websocket.UploadTopic(ev.PatientID),
		TaskID:   ev.TaskID,
		Filename: ev.Filename,
		Progress: ev.Progress,
		Status:   string(ev.Status),
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("task_id", ev.TaskID).Msg("publish upload event")
	}
}

// release deletes staged files for tasks that left the queue and announces
// it on the patient's topic.
func (s *Service) release(patientID string, tasks []Task, eventType string) {
	ctx := context.Background()
	for _, t := range tasks {
		if t.StagedID == "" {
			continue
		}
		if err := s.store.Delete(ctx, t.StagedID); err != nil {
			s.logger.Warn().Err(err).Str("staged_id", t.StagedID).Msg("release staged file")
		}
	}
	if err := s.pub.Publish(ctx, websocket.Event{Type: eventType, Topic: websocket.UploadTopic(patientID)}); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID).Msg("publish upload event")
	}
}
