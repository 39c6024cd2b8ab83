package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/agendaanalytics/agenda-analytics/internal/pkg/errors"
	"github.com/agendaanalytics/agenda-analytics/internal/pkg/httpclient"
)

const entitiesPath = "/ngsi-ld/v1/entities"

// NGSIClient talks to an NGSI-LD context broker over HTTP.
type NGSIClient struct {
	baseURL    string
	contextURL string
	httpClient *http.Client
}

// NGSIConfig holds NGSI client settings.
type NGSIConfig struct {
	BaseURL    string
	ContextURL string
	HTTP       httpclient.Config
}

// NewNGSIClient creates a broker client.
func NewNGSIClient(cfg NGSIConfig) *NGSIClient {
	return &NGSIClient{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		contextURL: cfg.ContextURL,
		httpClient: httpclient.New(cfg.HTTP),
	}
}

func (c *NGSIClient) linkHeader() string {
	return fmt.Sprintf(`<%s>; rel="http://www.w3.org/ns/json-ld#context"; type="application/ld+json"`, c.contextURL)
}

func (c *NGSIClient) do(ctx context.Context, method, path string, body any, ld bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/ld+json")
	switch {
	case body != nil && ld:
		req.Header.Set("Content-Type", "application/ld+json")
	case body != nil:
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Link", c.linkHeader())
	default:
		req.Header.Set("Link", c.linkHeader())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.BrokerError(method+" "+path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return apperrors.BrokerError(op, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
}

// Get returns the entity with the given id.
func (c *NGSIClient) Get(ctx context.Context, id string) (Entity, error) {
	resp, err := c.do(ctx, http.MethodGet, entitiesPath+"/"+url.PathEscape(id), nil, false)
	if err != nil {
		return Entity{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Entity{}, apperrors.NotFoundError("entity " + id)
	}
	if resp.StatusCode != http.StatusOK {
		return Entity{}, statusError(resp, "get entity")
	}

	var e Entity
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		return Entity{}, apperrors.BrokerError("decode entity", err)
	}
	return e, nil
}

// Query returns all entities of typ. The broker may answer with a single
// object instead of a list.
func (c *NGSIClient) Query(ctx context.Context, typ string) ([]Entity, error) {
	resp, err := c.do(ctx, http.MethodGet, entitiesPath+"?type="+url.QueryEscape(typ), nil, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp, "query "+typ)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.BrokerError("read entities", err)
	}

	var list []Entity
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one Entity
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, apperrors.BrokerError("decode entities", err)
	}
	return []Entity{one}, nil
}

// Upsert creates e or merges it into the entity with the same identity.
func (c *NGSIClient) Upsert(ctx context.Context, e Entity) (UpsertResult, error) {
	if len(e.Context) == 0 && c.contextURL != "" {
		e.Context = []string{c.contextURL}
	}
	return upsert(ctx, c, e)
}

// Update overwrites the named attributes.
func (c *NGSIClient) Update(ctx context.Context, id string, attrs map[string]Attribute) error {
	resp, err := c.do(ctx, http.MethodPatch, entitiesPath+"/"+url.PathEscape(id)+"/attrs", attrs, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusMultiStatus:
		return nil
	case http.StatusNotFound:
		return apperrors.NotFoundError("entity " + id)
	default:
		return statusError(resp, "update entity")
	}
}

// Close releases idle connections.
func (c *NGSIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// create posts a new entity. A conflicting id falls back to appending.
func (c *NGSIClient) create(ctx context.Context, e Entity) error {
	resp, err := c.do(ctx, http.MethodPost, entitiesPath, e, len(e.Context) > 0)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return c.appendAttrs(ctx, e.ID, e.Attrs)
	default:
		return statusError(resp, "create entity")
	}
}

func (c *NGSIClient) appendAttrs(ctx context.Context, id string, attrs map[string]Attribute) error {
	path := entitiesPath + "/" + url.PathEscape(id) + "/attrs?options=noOverwrite"
	resp, err := c.do(ctx, http.MethodPost, path, attrs, false)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusMultiStatus:
		return nil
	default:
		return statusError(resp, "append attributes")
	}
}
