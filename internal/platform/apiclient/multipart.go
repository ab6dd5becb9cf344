package apiclient

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"
)

type formField struct {
	name  string
	value string
}

type formFile struct {
	field string
	file  File
}

// encodeMultipart renders the fields and files into one multipart body. The
// body is materialized so that its total size is known up front and byte
// progress can be reported as a percentage.
func encodeMultipart(fields []formField, files []formFile) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	for _, f := range fields {
		if err := mw.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f.name, err)
		}
	}
	for _, f := range files {
		if err := writeFilePart(mw, f.field, f.file); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func writeFilePart(mw *multipart.Writer, field string, f File) error {
	if f.Open == nil {
		return NewValidationError("file", "no content for "+f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Name, err)
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", mimetype.Detect(content).String())

	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create part %s: %w", f.Name, err)
	}
	if _, err := part.Write(content); err != nil {
		return fmt.Errorf("write part %s: %w", f.Name, err)
	}
	return nil
}

// progressReader reports cumulative bytes read to fn.
type progressReader struct {
	r     io.Reader
	total int64
	fn    ProgressFunc

	mu     sync.Mutex
	loaded int64
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.fn != nil {
		p.mu.Lock()
		p.loaded += int64(n)
		loaded := p.loaded
		p.mu.Unlock()
		p.fn(loaded, p.total)
	}
	return n, err
}
