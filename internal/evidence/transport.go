package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
)

// Upload is one multipart request to the collector.
type Upload struct {
	Type     Type
	URL      string
	Token    string
	Metadata []byte
	Payload  []byte
	Filename string
	MimeType string
}

// Transport delivers uploads. Implementations must not retry.
type Transport interface {
	Upload(ctx context.Context, u *Upload) error
}

// TransportError describes a failed upload.
type TransportError struct {
	Type       Type
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("evidence: upload %s to %s: status %d", e.Type, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("evidence: upload %s to %s: %v", e.Type, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPTransport posts multipart forms with a "metadata" JSON field and an
// optional "file" part.
type HTTPTransport struct {
	client *http.Client
}

// NewHTTPTransport creates a transport. A nil client uses one with a 30s
// timeout.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTransport{client: client}
}

// Upload implements Transport.
func (t *HTTPTransport) Upload(ctx context.Context, u *Upload) error {
	body, contentType, err := encodeMultipart(u)
	if err != nil {
		return &TransportError{Type: u.Type, Endpoint: u.URL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, body)
	if err != nil {
		return &TransportError{Type: u.Type, Endpoint: u.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if u.Token != "" {
		req.Header.Set("Authorization", "Bearer "+u.Token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Type: u.Type, Endpoint: u.URL, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{
			Type:       u.Type,
			Endpoint:   u.URL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	return nil
}

func encodeMultipart(u *Upload) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	meta := make(textproto.MIMEHeader)
	meta.Set("Content-Disposition", `form-data; name="metadata"`)
	meta.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(meta)
	if err != nil {
		return nil, "", fmt.Errorf("create metadata part: %w", err)
	}
	if _, err := part.Write(u.Metadata); err != nil {
		return nil, "", fmt.Errorf("write metadata: %w", err)
	}

	if u.Payload != nil {
		fileHeader := make(textproto.MIMEHeader)
		fileHeader.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, u.Filename))
		mimeType := u.MimeType
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		fileHeader.Set("Content-Type", mimeType)
		part, err := writer.CreatePart(fileHeader)
		if err != nil {
			return nil, "", fmt.Errorf("create file part: %w", err)
		}
		if _, err := part.Write(u.Payload); err != nil {
			return nil, "", fmt.Errorf("write file: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}
