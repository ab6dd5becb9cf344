package apiclient

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
)

// RegisterPayload is the body of POST /auth/register.
type RegisterPayload struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	Phone      string `json:"phone,omitempty"`
	Age        *int   `json:"age,omitempty"`
	Gender     string `json:"gender,omitempty"`
	Speciality string `json:"speciality,omitempty"`
	ClinicName string `json:"clinic_name,omitempty"`
	Experience *int   `json:"experience,omitempty"`
}

// LoginPayload is the body of POST /auth/login.
type LoginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is the loosely-shaped login/register response. Which of
// user, profile, role and session are present depends on the backend.
type AuthResponse map[string]any

// StructuredJSON holds a report's structured extraction as raw JSON text.
// The backend may store it as a JSON-encoded string or embed the object
// directly; both decode to the same text.
type StructuredJSON string

func (s *StructuredJSON) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(trimmed, &str); err != nil {
			return err
		}
		*s = StructuredJSON(str)
		return nil
	}
	*s = StructuredJSON(trimmed)
	return nil
}

// Report is one uploaded medical document with its AI-derived fields.
type Report struct {
	ID             string         `json:"id,omitempty"`
	PatientID      string         `json:"patient_id,omitempty"`
	Filename       string         `json:"filename,omitempty"`
	FileURL        string         `json:"file_url,omitempty"`
	Text           string         `json:"text,omitempty"`
	DocType        string         `json:"doc_type,omitempty"`
	ReportType     string         `json:"report_type,omitempty"`
	CreatedAt      string         `json:"created_at,omitempty"`
	Summary        string         `json:"summary"`
	StructuredJSON StructuredJSON `json:"structured_json,omitempty"`
}

// UploadForm carries the non-file fields of an upload.
type UploadForm struct {
	Date    string
	DocType string
}

// ProcessResult is the response of POST /api/process-report. StructuredData
// is kept verbatim so it can be forwarded to the chat endpoint unchanged.
type ProcessResult struct {
	StructuredData json.RawMessage `json:"structured_data"`
	ReportSummary  string          `json:"report_summary"`
}

// ChatRequest is the body of POST /api/doctor-chat.
type ChatRequest struct {
	Question       string          `json:"question"`
	StructuredData json.RawMessage `json:"structured_data"`
	ReportSummary  string          `json:"report_summary"`
	Token          string          `json:"token,omitempty"`
}

// ChatResponse is the body returned by POST /api/doctor-chat.
type ChatResponse struct {
	Answer string `json:"answer"`
}

// Visit is the patient record plus reports returned by the dashboard and
// doctor share-link endpoints.
type Visit struct {
	Patient json.RawMessage `json:"patient"`
	Reports []Report        `json:"reports"`
}

// ShareLink is a time-limited doctor access URL.
type ShareLink struct {
	ShareURL  string `json:"share_url"`
	ExpiresAt string `json:"expires_at"`
}

// File is an upload source. Open may be called more than once, so a failed
// upload can be retried.
type File struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// FileFromBytes wraps an in-memory file.
func FileFromBytes(name string, content []byte) File {
	return File{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(content)), nil
		},
	}
}

// FileFromPath wraps a file on disk.
func FileFromPath(path string) (File, error) {
	st, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	return File{
		Name: filepath.Base(path),
		Size: st.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// ProgressFunc receives the bytes sent so far and the total body size.
type ProgressFunc func(loaded, total int64)
