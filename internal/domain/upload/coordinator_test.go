package upload

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// -- Fake Uploader --

type call struct {
	patientID string
	form      apiclient.UploadForm
	names     []string
	multi     bool
}

type fakeUploader struct {
	mu       sync.Mutex
	calls    []call
	inFlight int
	overlap  bool
	failOn   map[string]error
	batchErr error
	before   func(name string)
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{failOn: make(map[string]error)}
}

func (f *fakeUploader) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
}

func (f *fakeUploader) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeUploader) UploadReport(_ context.Context, patientID string, form apiclient.UploadForm, file apiclient.File, progress apiclient.ProgressFunc) (*apiclient.Result, error) {
	f.enter()
	defer f.leave()
	if f.before != nil {
		f.before(file.Name)
	}

	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	data, _ := io.ReadAll(rc)
	rc.Close()

	f.mu.Lock()
	f.calls = append(f.calls, call{patientID: patientID, form: form, names: []string{file.Name}})
	failErr := f.failOn[file.Name]
	f.mu.Unlock()

	if progress != nil {
		total := int64(len(data))
		progress(total/2, total)
	}
	if failErr != nil {
		return nil, failErr
	}
	return &apiclient.Result{StatusCode: 200}, nil
}

func (f *fakeUploader) UploadReports(_ context.Context, patientID string, form apiclient.UploadForm, files []apiclient.File, progress apiclient.ProgressFunc) (*apiclient.Result, error) {
	f.enter()
	defer f.leave()

	names := make([]string, len(files))
	var total int64
	for i, file := range files {
		names[i] = file.Name
		total += file.Size
	}

	f.mu.Lock()
	f.calls = append(f.calls, call{patientID: patientID, form: form, names: names, multi: true})
	f.mu.Unlock()

	if progress != nil {
		progress(total/2, total)
	}
	if f.batchErr != nil {
		return nil, f.batchErr
	}
	return &apiclient.Result{StatusCode: 200}, nil
}

func (f *fakeUploader) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.names...)
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) forTask(id string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.TaskID == id {
			out = append(out, ev)
		}
	}
	return out
}

var testForm = apiclient.UploadForm{Date: "2024-05-01", DocType: "lab"}

func file(name, content string) apiclient.File {
	return apiclient.FileFromBytes(name, []byte(content))
}

// -- Tests --

func TestUploadAll_ValidationErrors(t *testing.T) {
	up := newFakeUploader()

	blank := NewCoordinator(up, "   ")
	blank.AddFiles(file("a.pdf", "a"))
	err := blank.UploadAll(context.Background(), testForm)
	var ve *apiclient.ValidationError
	if !errors.As(err, &ve) || ve.Field != "patient_id" {
		t.Fatalf("expected patient_id ValidationError, got %v", err)
	}

	empty := NewCoordinator(up, "p1")
	err = empty.UploadAll(context.Background(), testForm)
	if !errors.As(err, &ve) || ve.Field != "files" {
		t.Fatalf("expected files ValidationError, got %v", err)
	}

	if len(up.calls) != 0 {
		t.Errorf("expected zero requests, got %d", len(up.calls))
	}
}

func TestUploadAll_OneRequestPerFileInOrder(t *testing.T) {
	up := newFakeUploader()
	var completed []Task
	c := NewCoordinator(up, "p1", WithOnComplete(func(done []Task) { completed = done }))
	c.AddFiles(file("a.pdf", "aaaa"), file("b.pdf", "bbbb"), file("a.pdf", "cccc"))

	if err := c.UploadAll(context.Background(), testForm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := up.callNames()
	want := []string{"a.pdf", "b.pdf", "a.pdf"}
	if len(names) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("request %d = %s, want %s", i, names[i], want[i])
		}
	}
	for _, cl := range up.calls {
		if cl.multi || cl.patientID != "p1" || cl.form != testForm {
			t.Errorf("unexpected call %+v", cl)
		}
	}
	if up.overlap {
		t.Error("uploads overlapped")
	}
	if len(c.Snapshot()) != 0 {
		t.Error("expected queue to be cleared")
	}
	if len(completed) != 3 {
		t.Fatalf("expected completion callback with 3 tasks, got %d", len(completed))
	}
	for _, task := range completed {
		if task.Status != StatusDone || task.Progress != 100 {
			t.Errorf("unexpected completed task %+v", task)
		}
	}
}

func TestUploadAll_ProgressForcedTo100BeforeDone(t *testing.T) {
	up := newFakeUploader()
	rec := &recorder{}
	c := NewCoordinator(up, "p1", WithObserver(rec.observe))
	added := c.AddFiles(file("a.pdf", "0123456789"))

	if err := c.UploadAll(context.Background(), testForm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := rec.forTask(added[0].ID)
	var statuses []Status
	var progress []int
	for _, ev := range events {
		statuses = append(statuses, ev.Status)
		progress = append(progress, ev.Progress)
	}
	wantStatus := []Status{StatusPending, StatusUploading, StatusUploading, StatusUploading, StatusDone}
	wantProgress := []int{0, 0, 50, 100, 100}
	if len(statuses) != len(wantStatus) {
		t.Fatalf("events = %+v", events)
	}
	for i := range wantStatus {
		if statuses[i] != wantStatus[i] || progress[i] != wantProgress[i] {
			t.Errorf("event %d = %s/%d, want %s/%d", i, statuses[i], progress[i], wantStatus[i], wantProgress[i])
		}
	}
}

func TestUploadAll_FailureStopsAndKeepsQueue(t *testing.T) {
	up := newFakeUploader()
	up.failOn["b.pdf"] = &apiclient.APIError{Status: 500, Message: "boom"}
	completed := false
	c := NewCoordinator(up, "p1", WithOnComplete(func([]Task) { completed = true }))
	c.AddFiles(file("a.pdf", "a"), file("b.pdf", "b"), file("c.pdf", "c"))

	err := c.UploadAll(context.Background(), testForm)

	var be *BatchError
	if !errors.As(err, &be) || be.Filename != "b.pdf" {
		t.Fatalf("expected BatchError for b.pdf, got %v", err)
	}
	var ae *apiclient.APIError
	if !errors.As(err, &ae) || ae.Status != 500 {
		t.Errorf("expected wrapped APIError, got %v", err)
	}
	if names := up.callNames(); len(names) != 2 {
		t.Errorf("expected c.pdf not to be sent, requests=%v", names)
	}
	if completed {
		t.Error("completion callback should not run on failure")
	}

	tasks := c.Snapshot()
	if len(tasks) != 3 {
		t.Fatalf("expected queue kept, got %d tasks", len(tasks))
	}
	want := []Status{StatusDone, StatusFailed, StatusPending}
	for i, s := range want {
		if tasks[i].Status != s {
			t.Errorf("task %d status = %s, want %s", i, tasks[i].Status, s)
		}
	}
	if tasks[1].Err == "" {
		t.Error("expected failed task to carry its error")
	}
	sum := c.Summary()
	if sum.Total != 3 || sum.Done != 1 || sum.Failed != 1 || sum.Pending != 1 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestUploadAll_SecondRunSkipsDoneTasks(t *testing.T) {
	up := newFakeUploader()
	up.failOn["b.pdf"] = errors.New("offline")
	c := NewCoordinator(up, "p1")
	c.AddFiles(file("a.pdf", "a"), file("b.pdf", "b"))

	if err := c.UploadAll(context.Background(), testForm); err == nil {
		t.Fatal("expected failure")
	}
	delete(up.failOn, "b.pdf")
	if err := c.UploadAll(context.Background(), testForm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := up.callNames()
	want := []string{"a.pdf", "b.pdf", "b.pdf"}
	if len(names) != len(want) {
		t.Fatalf("requests = %v, want %v", names, want)
	}
	if len(c.Snapshot()) != 0 {
		t.Error("expected queue cleared after all done")
	}
}

func TestRetry(t *testing.T) {
	up := newFakeUploader()
	up.failOn["a.pdf"] = errors.New("offline")
	c := NewCoordinator(up, "p1")
	added := c.AddFiles(file("a.pdf", "a"))

	if err := c.UploadAll(context.Background(), testForm); err == nil {
		t.Fatal("expected failure")
	}

	if err := c.Retry(context.Background(), "missing", testForm); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}

	delete(up.failOn, "a.pdf")
	if err := c.Retry(context.Background(), added[0].ID, testForm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Snapshot()) != 0 {
		t.Error("expected queue cleared after retry succeeded")
	}
	if len(up.calls) != 2 {
		t.Errorf("expected 2 requests, got %d", len(up.calls))
	}
}

func TestRetry_OnlyFailedTasks(t *testing.T) {
	up := newFakeUploader()
	c := NewCoordinator(up, "p1")
	added := c.AddFiles(file("a.pdf", "a"))

	if err := c.Retry(context.Background(), added[0].ID, testForm); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("expected ErrNotFailed, got %v", err)
	}
	if len(up.calls) != 0 {
		t.Error("expected no request")
	}
}

func TestUploadBatch(t *testing.T) {
	up := newFakeUploader()
	completed := 0
	c := NewCoordinator(up, "p1", WithOnComplete(func(done []Task) { completed = len(done) }))
	c.AddFiles(file("a.pdf", "aaaa"), file("b.pdf", "bbbb"))

	if err := c.UploadBatch(context.Background(), testForm); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(up.calls) != 1 || !up.calls[0].multi {
		t.Fatalf("expected a single multi-file request, got %+v", up.calls)
	}
	if got := up.calls[0].names; len(got) != 2 || got[0] != "a.pdf" || got[1] != "b.pdf" {
		t.Errorf("files = %v", got)
	}
	if completed != 2 {
		t.Errorf("expected completion with 2 tasks, got %d", completed)
	}
}

func TestUploadBatch_ProgressSpreadByOffset(t *testing.T) {
	up := newFakeUploader()
	rec := &recorder{}
	up.batchErr = errors.New("stop")
	c := NewCoordinator(up, "p1", WithObserver(rec.observe))
	added := c.AddFiles(file("a.pdf", "aaaa"), file("b.pdf", "bbbb"))

	err := c.UploadBatch(context.Background(), testForm)
	var be *BatchError
	if !errors.As(err, &be) || be.TaskID != "" {
		t.Fatalf("expected whole-batch BatchError, got %v", err)
	}

	// Half the bytes sent covers the first file completely.
	var aMax, bMax int
	for _, ev := range rec.forTask(added[0].ID) {
		if ev.Progress > aMax {
			aMax = ev.Progress
		}
	}
	for _, ev := range rec.forTask(added[1].ID) {
		if ev.Progress > bMax {
			bMax = ev.Progress
		}
	}
	if aMax != 100 || bMax != 0 {
		t.Errorf("progress a=%d b=%d, want 100 and 0", aMax, bMax)
	}
	for _, task := range c.Snapshot() {
		if task.Status != StatusFailed {
			t.Errorf("task %s status = %s, want failed", task.Filename, task.Status)
		}
	}
}

func TestClear(t *testing.T) {
	c := NewCoordinator(newFakeUploader(), "p1")
	c.AddFiles(file("a.pdf", "a"), file("b.pdf", "b"))

	removed := c.Clear()

	if len(removed) != 2 || len(c.Snapshot()) != 0 {
		t.Errorf("removed=%d remaining=%d", len(removed), len(c.Snapshot()))
	}
	if c.Summary().Total != 0 {
		t.Error("expected empty summary")
	}
}

func TestPercent(t *testing.T) {
	tests := []struct {
		n, total int64
		want     int
	}{
		{0, 100, 0},
		{1, 3, 33},
		{2, 3, 67},
		{100, 100, 100},
		{150, 100, 100},
		{5, 0, 0},
	}
	for _, tt := range tests {
		if got := percent(tt.n, tt.total); got != tt.want {
			t.Errorf("percent(%d,%d) = %d, want %d", tt.n, tt.total, got, tt.want)
		}
	}
}
