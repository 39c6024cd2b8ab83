// Package simcore is a client for the similarity service and a parser for
// the result workbooks it produces.
package simcore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/httpclient"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/logger"
)

// Mode selects the analysis granularity.
type Mode string

const (
	Coarse   Mode = "coarse"
	Detailed Mode = "detailed"
)

// Task status values reported by the service.
const (
	StatusFailed  = -1
	StatusSuccess = 1
	StatusRunning = 2
	StatusWarning = 3
)

// File is a named blob exchanged with the service.
type File struct {
	Name string
	Data []byte
}

// TaskStatus is the answer of list_task_files.
type TaskStatus struct {
	Status  int
	Message string
	Files   []string
}

// ResultCount returns how many listed files belong to the results folder.
func (s TaskStatus) ResultCount() int {
	n := 0
	for _, f := range s.Files {
		if strings.Contains(f, "results") {
			n++
		}
	}
	return n
}

type response struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

// Config configures a Client.
type Config struct {
	BaseURL      string
	PollInterval time.Duration
	// TriggerTimeout bounds the analyze call, which the service may hold
	// open until the analysis is done. Progress is observed by polling.
	TriggerTimeout time.Duration
	// Visualize requests rendered result charts after the coarse pass.
	Visualize bool
	HTTP      httpclient.Config
}

// Client runs similarity tasks.
type Client struct {
	baseURL        string
	pollInterval   time.Duration
	triggerTimeout time.Duration
	visualize      bool
	httpClient     *http.Client
	log            *logger.Logger
}

// NewClient creates a similarity service client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 180 * time.Second
	}
	if cfg.TriggerTimeout <= 0 {
		cfg.TriggerTimeout = time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	// downloads of large detailed workbooks can be slow; the caller's
	// context is the only deadline
	cfg.HTTP.Timeout = 0

	return &Client{
		baseURL:        strings.TrimSuffix(cfg.BaseURL, "/"),
		pollInterval:   cfg.PollInterval,
		triggerTimeout: cfg.TriggerTimeout,
		visualize:      cfg.Visualize,
		httpClient:     httpclient.New(cfg.HTTP),
		log:            log.WithComponent("simcore"),
	}
}

func (c *Client) newRequest(ctx context.Context, method, p string, query url.Values, body io.Reader) (*http.Request, error) {
	u := c.baseURL + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// call sends req and decodes the service envelope.
func (c *Client) call(req *http.Request, op string) (response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, apperrors.SimCoreError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return response{}, apperrors.SimCoreError(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return response{}, apperrors.SimCoreError(op+": decode response", err)
	}
	if r.Status == StatusFailed {
		return r, apperrors.SimCoreError(op, errors.New(r.Message))
	}
	return r, nil
}

func (c *Client) get(ctx context.Context, p, op string, query url.Values) (response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, p, query, nil)
	if err != nil {
		return response{}, err
	}
	return c.call(req, op)
}

func (c *Client) post(ctx context.Context, p, op string, query url.Values) (response, error) {
	req, err := c.newRequest(ctx, http.MethodPost, p, query, nil)
	if err != nil {
		return response{}, err
	}
	return c.call(req, op)
}

// OpenTask opens a task and returns its token.
func (c *Client) OpenTask(ctx context.Context) (string, error) {
	r, err := c.get(ctx, "/open_task", "open task", nil)
	if err != nil {
		return "", err
	}
	var d struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(r.Details, &d); err != nil || d.Token == "" {
		return "", apperrors.SimCoreError("open task: no token issued", err)
	}
	return d.Token, nil
}

func (c *Client) upload(ctx context.Context, p, op string, f File) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("ufile", f.Name)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("close multipart: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, p, nil, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	_, err = c.call(req, op)
	return err
}

// UploadText uploads the analysis text.
func (c *Client) UploadText(ctx context.Context, token string, f File) error {
	return c.upload(ctx, "/upload_text/"+url.PathEscape(token), "upload text", f)
}

// UploadReference uploads one reference text.
func (c *Client) UploadReference(ctx context.Context, token string, f File) error {
	return c.upload(ctx, "/upload_reference/"+url.PathEscape(token), "upload reference "+f.Name, f)
}

// SetAnalyzer selects the analysis mode.
func (c *Client) SetAnalyzer(ctx context.Context, token string, mode Mode) error {
	_, err := c.post(ctx, "/set_analyzer/"+url.PathEscape(token), "set analyzer", url.Values{"analyzer": {string(mode)}})
	return err
}

// SetVisualizer selects the visualizer.
func (c *Client) SetVisualizer(ctx context.Context, token string, mode Mode) error {
	_, err := c.post(ctx, "/set_visualizer/"+url.PathEscape(token), "set visualizer", url.Values{"sc_visualizer": {string(mode)}})
	return err
}

// Visualize renders the result charts of the current mode.
func (c *Client) Visualize(ctx context.Context, token string) error {
	_, err := c.get(ctx, "/visualize_project/"+url.PathEscape(token), "visualize project", nil)
	return err
}

// Status lists the task files.
func (c *Client) Status(ctx context.Context, token string) (TaskStatus, error) {
	r, err := c.get(ctx, "/list_task_files/"+url.PathEscape(token), "list task files", nil)
	if err != nil {
		return TaskStatus{Status: r.Status, Message: r.Message}, err
	}
	st := TaskStatus{Status: r.Status, Message: r.Message}
	var d struct {
		Files []string `json:"files"`
	}
	if len(r.Details) > 0 {
		if err := json.Unmarshal(r.Details, &d); err != nil {
			return st, apperrors.SimCoreError("list task files: decode details", err)
		}
	}
	st.Files = d.Files
	return st, nil
}

// ExpectedResults returns the result file count that marks mode as done.
func ExpectedResults(mode Mode, refs int) int {
	if mode == Detailed {
		return 2*refs + 2
	}
	return 2
}

// Analyze starts the analysis and polls at a fixed interval until the
// expected result files exist. Only ctx bounds the wait.
func (c *Client) Analyze(ctx context.Context, token string, mode Mode, refs int) error {
	if err := c.trigger(ctx, token); err != nil {
		return err
	}

	want := ExpectedResults(mode, refs)
	start := time.Now()
	for {
		st, err := c.Status(ctx, token)
		switch {
		case err != nil && st.Status == StatusFailed:
			return err
		case err != nil:
			// transient listing failures are retried on the next tick
			c.log.Warn("Status check failed", "token", token, "error", err)
		case st.Status == StatusSuccess && st.ResultCount() == want:
			c.log.Info("Analysis finished", "mode", mode, "elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		default:
			c.log.Debug("Analysis running", "mode", mode, "results", st.ResultCount(), "want", want)
		}

		select {
		case <-ctx.Done():
			return apperrors.SimCoreError("analysis "+string(mode), ctx.Err())
		case <-time.After(c.pollInterval):
		}
	}
}

// trigger calls analyze_project. The service may block until the analysis
// is done, so hitting the trigger timeout is not an error.
func (c *Client) trigger(ctx context.Context, token string) error {
	tctx, cancel := context.WithTimeout(ctx, c.triggerTimeout)
	defer cancel()

	_, err := c.get(tctx, "/analyze_project/"+url.PathEscape(token), "analyze project", nil)
	if err != nil && errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

// Download fetches one task file.
func (c *Client) Download(ctx context.Context, token, filePath string) (File, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/download_file/"+url.PathEscape(token), url.Values{"afilepath": {filePath}}, nil)
	if err != nil {
		return File{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return File{}, apperrors.SimCoreError("download "+filePath, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return File{}, apperrors.SimCoreError("download "+filePath, fmt.Errorf("status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return File{}, apperrors.SimCoreError("download "+filePath, err)
	}
	return File{Name: path.Base(filePath), Data: data}, nil
}

// CloseTask releases the task.
func (c *Client) CloseTask(ctx context.Context, token string) error {
	_, err := c.get(ctx, "/close_task/"+url.PathEscape(token), "close task", nil)
	return err
}

// Match runs a full coarse and detailed analysis of text against refs and
// returns every file the task produced.
func (c *Client) Match(ctx context.Context, text File, refs []File) ([]File, error) {
	if len(refs) == 0 {
		return nil, apperrors.ValidationError("at least one reference text is required")
	}

	token, err := c.OpenTask(ctx)
	if err != nil {
		return nil, err
	}
	log := c.log.With("token", token)
	log.Info("Task opened", "references", len(refs))

	files, err := c.runTask(ctx, token, text, refs)

	// close with a fresh context so a cancelled run still releases the task
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if cerr := c.CloseTask(closeCtx, token); cerr != nil {
		log.Warn("Failed to close task", "error", cerr)
	}

	if err != nil {
		return nil, err
	}
	log.Info("Task finished", "files", len(files))
	return files, nil
}

func (c *Client) runTask(ctx context.Context, token string, text File, refs []File) ([]File, error) {
	if err := c.UploadText(ctx, token, text); err != nil {
		return nil, err
	}
	for _, ref := range refs {
		if err := c.UploadReference(ctx, token, ref); err != nil {
			return nil, err
		}
	}

	if err := c.SetAnalyzer(ctx, token, Coarse); err != nil {
		return nil, err
	}
	if err := c.Analyze(ctx, token, Coarse, len(refs)); err != nil {
		return nil, err
	}
	if err := c.SetVisualizer(ctx, token, Coarse); err != nil {
		return nil, err
	}
	if c.visualize {
		if err := c.Visualize(ctx, token); err != nil {
			return nil, err
		}
	}

	if err := c.SetAnalyzer(ctx, token, Detailed); err != nil {
		return nil, err
	}
	if err := c.Analyze(ctx, token, Detailed, len(refs)); err != nil {
		return nil, err
	}

	st, err := c.Status(ctx, token)
	if err != nil {
		return nil, err
	}
	out := make([]File, 0, len(st.Files))
	for _, p := range st.Files {
		f, err := c.Download(ctx, token, p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
