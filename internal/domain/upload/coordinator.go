package upload

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// Uploader is the subset of the backend client the coordinator sends files
// through.
type Uploader interface {
	UploadReport(ctx context.Context, patientID string, form apiclient.UploadForm, f apiclient.File, progress apiclient.ProgressFunc) (*apiclient.Result, error)
	UploadReports(ctx context.Context, patientID string, form apiclient.UploadForm, files []apiclient.File, progress apiclient.ProgressFunc) (*apiclient.Result, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger. The default discards output.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithObserver registers fn to receive every task change.
func WithObserver(fn func(Event)) Option {
	return func(c *Coordinator) { c.observers = append(c.observers, fn) }
}

// WithOnComplete registers fn to run after every queued task has been
// uploaded and the queue cleared. It receives the completed tasks.
func WithOnComplete(fn func([]Task)) Option {
	return func(c *Coordinator) { c.onComplete = fn }
}

// Coordinator owns one patient's upload queue. Runs are serialized so at
// most one request is in flight per coordinator.
type Coordinator struct {
	client     Uploader
	patientID  string
	logger     zerolog.Logger
	observers  []func(Event)
	onComplete func([]Task)

	run   sync.Mutex
	mu    sync.Mutex
	tasks []*Task
}

// NewCoordinator returns an empty queue for patientID. A blank patient ID is
// accepted here and rejected when an upload starts.
func NewCoordinator(client Uploader, patientID string, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:    client,
		patientID: strings.TrimSpace(patientID),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PatientID returns the trimmed patient ID the queue uploads for.
func (c *Coordinator) PatientID() string { return c.patientID }

// AddFiles appends files to the queue as pending tasks. Files with the same
// name are queued again.
func (c *Coordinator) AddFiles(files ...apiclient.File) []Task {
	added := make([]Task, 0, len(files))
	c.mu.Lock()
	for _, f := range files {
		t := &Task{
			ID:       uuid.New().String(),
			File:     f,
			Filename: f.Name,
			Size:     f.Size,
			Status:   StatusPending,
		}
		c.tasks = append(c.tasks, t)
		added = append(added, *t)
	}
	c.mu.Unlock()

	for _, t := range added {
		c.emit(eventOf(c.patientID, t))
	}
	return added
}

// attach sets the staging id on a queued task.
func (c *Coordinator) attach(taskID, stagedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t := c.find(taskID); t != nil {
		t.StagedID = stagedID
	}
}

// UploadAll sends every task that is not yet done through the single-file
// endpoint, strictly in queue order and one at a time. The first failure
// stops the run: that task is marked failed, later tasks stay pending and
// the queue is kept. When every task is done the queue is cleared and the
// completion callback runs.
func (c *Coordinator) UploadAll(ctx context.Context, form apiclient.UploadForm) error {
	if err := c.validate(); err != nil {
		return err
	}

	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	todo := lo.Filter(c.tasks, func(t *Task, _ int) bool { return t.Status != StatusDone })
	c.mu.Unlock()

	for _, t := range todo {
		if err := c.send(ctx, t, form); err != nil {
			return err
		}
	}
	c.finish()
	return nil
}

// Retry re-sends exactly one failed task.
func (c *Coordinator) Retry(ctx context.Context, taskID string, form apiclient.UploadForm) error {
	if c.patientID == "" {
		return apiclient.NewValidationError("patient_id", "Please enter a patient ID first.")
	}

	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	t := c.find(taskID)
	if t == nil {
		c.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusFailed {
		c.mu.Unlock()
		return ErrNotFailed
	}
	c.mu.Unlock()

	if err := c.send(ctx, t, form); err != nil {
		return err
	}
	c.finish()
	return nil
}

// UploadBatch sends every task that is not yet done in one multi-file
// request. Progress is spread across tasks by their byte offset in the
// batch. A failure marks every task in the batch failed.
func (c *Coordinator) UploadBatch(ctx context.Context, form apiclient.UploadForm) error {
	if err := c.validate(); err != nil {
		return err
	}

	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	batch := lo.Filter(c.tasks, func(t *Task, _ int) bool { return t.Status != StatusDone })
	files := make([]apiclient.File, len(batch))
	offsets := make([]int64, len(batch))
	var sum int64
	for i, t := range batch {
		files[i] = t.File
		offsets[i] = sum
		sum += t.Size
		t.Status = StatusUploading
		t.Progress = 0
		t.Err = ""
	}
	events := lo.Map(batch, func(t *Task, _ int) Event { return eventOf(c.patientID, *t) })
	c.mu.Unlock()
	c.emit(events...)

	progress := func(loaded, total int64) {
		if total <= 0 || sum <= 0 {
			return
		}
		sent := loaded * sum / total
		for i, t := range batch {
			c.setProgress(t, percent(sent-offsets[i], t.Size))
		}
	}

	c.logger.Info().Str("patient_id", c.patientID).Int("files", len(batch)).Msg("uploading report batch")
	if _, err := c.client.UploadReports(ctx, c.patientID, form, files, progress); err != nil {
		c.mu.Lock()
		for _, t := range batch {
			t.Status = StatusFailed
			t.Err = err.Error()
		}
		events = lo.Map(batch, func(t *Task, _ int) Event { return eventOf(c.patientID, *t) })
		c.mu.Unlock()
		c.emit(events...)
		c.logger.Error().Err(err).Str("patient_id", c.patientID).Msg("report batch upload failed")
		return &BatchError{Err: err}
	}

	for _, t := range batch {
		c.complete(t)
	}
	c.finish()
	return nil
}

// Clear empties the queue and returns the removed tasks. It waits for a
// running upload to settle first.
func (c *Coordinator) Clear() []Task {
	c.run.Lock()
	defer c.run.Unlock()

	c.mu.Lock()
	removed := lo.Map(c.tasks, func(t *Task, _ int) Task { return *t })
	c.tasks = nil
	c.mu.Unlock()
	return removed
}

// Snapshot returns copies of the queued tasks in order.
func (c *Coordinator) Snapshot() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return lo.Map(c.tasks, func(t *Task, _ int) Task { return *t })
}

// Summary counts the queued tasks by status.
func (c *Coordinator) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := lo.CountValuesBy(c.tasks, func(t *Task) Status { return t.Status })
	return Summary{
		Total:     len(c.tasks),
		Pending:   counts[StatusPending],
		Uploading: counts[StatusUploading],
		Done:      counts[StatusDone],
		Failed:    counts[StatusFailed],
	}
}

func (c *Coordinator) validate() error {
	if c.patientID == "" {
		return apiclient.NewValidationError("patient_id", "Please enter a patient ID first.")
	}
	c.mu.Lock()
	empty := len(c.tasks) == 0
	c.mu.Unlock()
	if empty {
		return apiclient.NewValidationError("files", "Pick files first.")
	}
	return nil
}

// send uploads one task and settles it as done or failed.
func (c *Coordinator) send(ctx context.Context, t *Task, form apiclient.UploadForm) error {
	c.mu.Lock()
	t.Status = StatusUploading
	t.Progress = 0
	t.Err = ""
	ev := eventOf(c.patientID, *t)
	c.mu.Unlock()
	c.emit(ev)

	progress := func(loaded, total int64) {
		c.setProgress(t, percent(loaded, total))
	}

	c.logger.Info().Str("patient_id", c.patientID).Str("task_id", t.ID).Str("filename", t.Filename).Msg("uploading report")
	if _, err := c.client.UploadReport(ctx, c.patientID, form, t.File, progress); err != nil {
		c.mu.Lock()
		t.Status = StatusFailed
		t.Err = err.Error()
		ev := eventOf(c.patientID, *t)
		c.mu.Unlock()
		c.emit(ev)
		c.logger.Error().Err(err).Str("task_id", t.ID).Str("filename", t.Filename).Msg("report upload failed")
		return &BatchError{TaskID: t.ID, Filename: t.Filename, Err: err}
	}

	c.complete(t)
	return nil
}

// complete forces progress to 100 and then marks the task done.
func (c *Coordinator) complete(t *Task) {
	c.setProgress(t, 100)

	c.mu.Lock()
	t.Status = StatusDone
	t.Err = ""
	ev := eventOf(c.patientID, *t)
	c.mu.Unlock()
	c.emit(ev)
}

// setProgress records p for a task that is still uploading.
func (c *Coordinator) setProgress(t *Task, p int) {
	c.mu.Lock()
	if t.Status != StatusUploading || t.Progress == p {
		c.mu.Unlock()
		return
	}
	t.Progress = p
	ev := eventOf(c.patientID, *t)
	c.mu.Unlock()
	c.emit(ev)
}

// finish clears the queue and runs the completion callback once every task
// is done.
func (c *Coordinator) finish() {
	c.mu.Lock()
	if len(c.tasks) == 0 || !lo.EveryBy(c.tasks, func(t *Task) bool { return t.Status == StatusDone }) {
		c.mu.Unlock()
		return
	}
	done := lo.Map(c.tasks, func(t *Task, _ int) Task { return *t })
	c.tasks = nil
	c.mu.Unlock()

	c.logger.Info().Str("patient_id", c.patientID).Int("files", len(done)).Msg("all reports uploaded")
	if c.onComplete != nil {
		c.onComplete(done)
	}
}

func (c *Coordinator) find(id string) *Task {
	t, _ := lo.Find(c.tasks, func(t *Task) bool { return t.ID == id })
	return t
}

func (c *Coordinator) emit(events ...Event) {
	for _, ev := range events {
		for _, fn := range c.observers {
			fn(ev)
		}
	}
}

func eventOf(patientID string, t Task) Event {
	return Event{
		PatientID: patientID,
		TaskID:    t.ID,
		Filename:  t.Filename,
		Progress:  t.Progress,
		Status:    t.Status,
	}
}

// percent converts a byte count into 0..100, rounded to nearest.
func percent(n, total int64) int {
	if total <= 0 || n <= 0 {
		return 0
	}
	if n >= total {
		return 100
	}
	return int((n*100 + total/2) / total)
}
