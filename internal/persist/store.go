package persist

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/bladesense/gateway/internal/httputil"
)

// ObjectStore is the upload target for window documents. Put must be
// idempotent: re-uploading an existing object overwrites it byte for
// byte, which makes at-least-once delivery safe.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
}

// UploadError is a transient upload failure. The window is backed up
// locally and retried; nothing is lost.
type UploadError struct {
	Name       string
	StatusCode int
	Err        error
}

func (e *UploadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload of %q failed: %v", e.Name, e.Err)
	}
	return fmt.Sprintf("upload of %q failed: status %d", e.Name, e.StatusCode)
}

func (e *UploadError) Unwrap() error { return e.Err }

// HTTPStore uploads documents with HTTP PUT to baseURL/<name>.
type HTTPStore struct {
	client  httputil.HTTPClient
	baseURL string
	token   string
}

// NewHTTPStore creates a store client. token, if non-empty, is sent as a
// bearer token on every request.
func NewHTTPStore(client httputil.HTTPClient, baseURL, token string) *HTTPStore {
	if client == nil {
		client = httputil.NewStandardClient(nil)
	}
	return &HTTPStore{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
}

// Put uploads one document. Any transport error or non-2xx status is
// returned as an *UploadError.
func (s *HTTPStore) Put(ctx context.Context, name string, data []byte) error {
	url := s.baseURL + "/" + name
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return &UploadError{Name: name, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UploadError{Name: name, StatusCode: resp.StatusCode}
	}
	return nil
}
