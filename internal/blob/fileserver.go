package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/httpclient"
)

// FileServerConfig configures a FileServer client.
type FileServerConfig struct {
	BaseURL   string // internal address used for upload and download
	PublicURL string // address written into entities; defaults to BaseURL
	HTTP      httpclient.Config
}

// FileServer is a client for the HTTP file server.
type FileServer struct {
	baseURL    string
	publicURL  string
	httpClient *http.Client
}

// NewFileServer creates a file server client.
func NewFileServer(cfg FileServerConfig) *FileServer {
	if cfg.HTTP == (httpclient.Config{}) {
		cfg.HTTP = httpclient.DefaultConfig()
	}
	pub := cfg.PublicURL
	if pub == "" {
		pub = cfg.BaseURL
	}
	return &FileServer{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		publicURL:  strings.TrimSuffix(pub, "/"),
		httpClient: httpclient.New(cfg.HTTP),
	}
}

// Put uploads data as multipart field "file". The server answers with a
// list holding the assigned id.
func (f *FileServer) Put(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", safeName(name))
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/files/", &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", apperrors.BlobError("upload failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", apperrors.BlobError("upload failed", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var ids []string
	if err := json.NewDecoder(resp.Body).Decode(&ids); err != nil {
		return "", apperrors.BlobError("decode upload response", err)
	}
	if len(ids) == 0 || ids[0] == "" {
		return "", apperrors.BlobError("upload response carried no id", nil)
	}
	return ids[0], nil
}

// Get downloads the blob with the given id.
func (f *FileServer) Get(ctx context.Context, id string) ([]byte, error) {
	id = IDFromURL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/files/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.BlobError("download failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, notFound(id)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperrors.BlobError("download failed", fmt.Errorf("status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.BlobError("read download", err)
	}
	return data, nil
}

// URL returns the public address of id.
func (f *FileServer) URL(id string) string {
	return fileURL(f.publicURL, id)
}
