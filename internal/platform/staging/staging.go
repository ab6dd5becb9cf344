// Package staging holds files the browser has handed to the portal until
// the upload coordinator sends them to the backend. It defines the Store
// interface and an in-memory implementation.
package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/healthbot/portal/internal/platform/apiclient"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrNotFound        = errors.New("staged file not found")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrMissingFileName = errors.New("file name is required")
	ErrMissingPatient  = errors.New("patient id is required")
)

// MaxFileSize is the largest file the portal will stage (50 MB).
const MaxFileSize = 50 * 1024 * 1024

// Meta describes a staged file.
type Meta struct {
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the contract for staging backends.
type Store interface {
	Put(ctx context.Context, patientID, fileName string, content io.Reader) (*Meta, error)
	Open(ctx context.Context, id string) (io.ReadCloser, *Meta, error)
	Delete(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, patientID string) ([]*Meta, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type stagedFile struct {
	meta    Meta
	content []byte
}

// MemoryStore is a thread-safe in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*stagedFile
	max   int64
}

// NewMemoryStore returns a MemoryStore that rejects files larger than
// maxSize bytes. A non-positive maxSize means MaxFileSize.
func NewMemoryStore(maxSize int64) *MemoryStore {
	if maxSize <= 0 {
		maxSize = MaxFileSize
	}
	return &MemoryStore{files: make(map[string]*stagedFile), max: maxSize}
}

// Put reads content fully, sniffs its type and records a SHA-256 digest.
func (s *MemoryStore) Put(_ context.Context, patientID, fileName string, content io.Reader) (*Meta, error) {
	if patientID == "" {
		return nil, ErrMissingPatient
	}
	if fileName == "" {
		return nil, ErrMissingFileName
	}

	data, err := io.ReadAll(io.LimitReader(content, s.max+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > s.max {
		return nil, ErrFileTooLarge
	}

	meta := Meta{
		ID:          uuid.New().String(),
		PatientID:   patientID,
		FileName:    fileName,
		ContentType: mimetype.Detect(data).String(),
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", sha256.Sum256(data)),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.files[meta.ID] = &stagedFile{meta: meta, content: data}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *MemoryStore) Open(_ context.Context, id string) (io.ReadCloser, *Meta, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	meta := f.meta
	return io.NopCloser(bytes.NewReader(f.content)), &meta, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrNotFound
	}
	delete(s.files, id)
	return nil
}

// ListByPatient returns a patient's staged files, oldest first.
func (s *MemoryStore) ListByPatient(_ context.Context, patientID string) ([]*Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Meta{}
	for _, f := range s.files {
		if f.meta.PatientID != patientID {
			continue
		}
		m := f.meta
		out = append(out, &m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// AsFile exposes a staged file as an upload source. Each Open re-reads the
// staged bytes, so the file can be sent again on retry.
func AsFile(store Store, meta *Meta) apiclient.File {
	id := meta.ID
	return apiclient.File{
		Name: meta.FileName,
		Size: meta.Size,
		Open: func() (io.ReadCloser, error) {
			rc, _, err := store.Open(context.Background(), id)
			return rc, err
		},
	}
}
