package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-console/internal/batch"
	"github.com/noah-isme/sma-adp-console/internal/models"
	"github.com/noah-isme/sma-adp-console/internal/selection"
	"github.com/noah-isme/sma-adp-console/pkg/config"
)

const maxBodyBytes = 4 << 20

// RequestObserver records upstream call outcomes.
type RequestObserver interface {
	ObserveUpstreamRequest(method, resource string, status int, duration time.Duration)
}

// SheetResource maps a sheet kind onto the REST resources that serve it.
type SheetResource struct {
	Rows        string
	Records     string
	IdentityKey string
	Fields      []string
	RowScope    []string
}

// DefaultSheetResources are the endpoints of the school API.
var DefaultSheetResources = map[models.SheetKind]SheetResource{
	models.SheetKindResults: {
		Rows:        "students",
		Records:     "results",
		IdentityKey: "student_id",
		Fields:      []string{"score", "remarks"},
		RowScope:    []string{"class_id", "arm_id", "section_id"},
	},
	models.SheetKindAttendance: {
		Rows:        "students",
		Records:     "attendance",
		IdentityKey: "student_id",
		Fields:      []string{"status", "remarks"},
		RowScope:    []string{"class_id", "arm_id", "section_id"},
	},
}

// Error is a non-2xx answer from the school API.
type Error struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream %s %s returned %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("upstream %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// ServerMessage is the message the server sent, if any.
func (e *Error) ServerMessage() string {
	return e.Message
}

type tokenKey struct{}

// WithToken attaches a bearer token to forward upstream, overriding the configured one.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFrom returns the bearer token attached by WithToken.
func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

// Client talks to the school REST API. It serves both option lookups and sheets.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	sheets   map[models.SheetKind]SheetResource
	logger   *zap.Logger
	observer RequestObserver
}

// NewClient constructs a Client from the upstream configuration.
func NewClient(cfg config.UpstreamConfig, logger *zap.Logger, observer RequestObserver) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		sheets:   DefaultSheetResources,
		logger:   logger,
		observer: observer,
	}
}

// FetchOptions lists the options of level. Each ancestor value in scope is sent as
// <ancestor>_id.
func (c *Client) FetchOptions(ctx context.Context, level selection.Level, scope selection.Scope) ([]models.Option, error) {
	query := url.Values{}
	for i, key := range scope.Keys {
		if i < len(scope.Values) && scope.Values[i] != "" {
			query.Set(key+"_id", scope.Values[i])
		}
	}
	body, err := c.do(ctx, http.MethodGet, level.Resource, query, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("%s options: %w", level.Key, err)
	}
	options := make([]models.Option, 0, len(items))
	for _, item := range items {
		id := models.NormalizeID(item["id"])
		if id == "" {
			continue
		}
		options = append(options, models.Option{ID: id, Label: itemLabel(item), Raw: item})
	}
	return options, nil
}

// FetchRows lists the row subjects of a sheet.
func (c *Client) FetchRows(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.RowEntity, error) {
	res, err := c.sheet(kind)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	for _, key := range res.RowScope {
		if v := filter[key]; v != "" {
			query.Set(key, v)
		}
	}
	body, err := c.do(ctx, http.MethodGet, res.Rows, query, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("%s rows: %w", kind, err)
	}
	rows := make([]models.RowEntity, 0, len(items))
	for _, item := range items {
		id := models.NormalizeID(item["id"])
		if id == "" {
			continue
		}
		attrs := make(map[string]string)
		for k, v := range item {
			if k == "id" {
				continue
			}
			if s := scalarString(v); s != "" {
				attrs[k] = s
			}
		}
		rows = append(rows, models.RowEntity{Identity: id, Label: itemLabel(item), Attributes: attrs})
	}
	return rows, nil
}

// FetchExistingRecords lists the persisted records of a sheet scope.
func (c *Client) FetchExistingRecords(ctx context.Context, kind models.SheetKind, filter batch.Filter) ([]models.Record, error) {
	res, err := c.sheet(kind)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	for k, v := range filter {
		query.Set(k, v)
	}
	body, err := c.do(ctx, http.MethodGet, res.Records, query, nil, nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("%s records: %w", kind, err)
	}
	return toRecords(items, res), nil
}

// SubmitBatch posts the entries to /{resource}/batch.
func (c *Client) SubmitBatch(ctx context.Context, req batch.SubmitRequest) (*batch.SubmitResponse, error) {
	res, err := c.sheet(req.Kind)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", req.IdempotencyKey)
	}
	body, err := c.do(ctx, http.MethodPost, res.Records+"/batch", nil, headers, payload)
	if err != nil {
		return nil, err
	}

	obj, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("%s batch: %w", req.Kind, err)
	}
	out := &batch.SubmitResponse{Message: scalarString(obj["message"])}
	if meta, ok := obj["meta"].(map[string]interface{}); ok {
		out.Meta = meta
	}
	if list, ok := obj["updated_records"].([]interface{}); ok {
		items := make([]map[string]interface{}, 0, len(list))
		for _, raw := range list {
			if item, ok := raw.(map[string]interface{}); ok {
				items = append(items, item)
			}
		}
		out.UpdatedRecords = toRecords(items, res)
	}
	return out, nil
}

func (c *Client) sheet(kind models.SheetKind) (SheetResource, error) {
	res, ok := c.sheets[kind]
	if !ok {
		return SheetResource{}, fmt.Errorf("no upstream resource for sheet %q", kind)
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, method, resource string, query url.Values, headers http.Header, payload []byte) ([]byte, error) {
	endpoint := c.baseURL + "/" + strings.TrimLeft(resource, "/")
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	token := TokenFrom(ctx)
	if token == "" {
		token = c.token
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.observe(method, resource, http.StatusServiceUnavailable, duration)
		c.logger.Warn("upstream request failed",
			zap.String("method", method),
			zap.String("resource", resource),
			zap.Error(err))
		return nil, fmt.Errorf("upstream %s %s: %w", method, resource, err)
	}
	defer resp.Body.Close()
	c.observe(method, resource, resp.StatusCode, duration)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		upErr := &Error{Method: method, Path: resource, Status: resp.StatusCode, Message: errorMessage(body)}
		c.logger.Debug("upstream rejected request", zap.Error(upErr))
		return nil, upErr
	}
	return body, nil
}

func (c *Client) observe(method, resource string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveUpstreamRequest(method, resource, status, d)
	}
}

func toRecords(items []map[string]interface{}, res SheetResource) []models.Record {
	records := make([]models.Record, 0, len(items))
	for _, item := range items {
		id := models.NormalizeID(item[res.IdentityKey])
		if id == "" {
			continue
		}
		values := make(map[string]string, len(res.Fields))
		for _, field := range res.Fields {
			if raw, ok := item[field]; ok {
				values[field] = scalarString(raw)
			}
		}
		records = append(records, models.Record{Identity: id, Values: values})
	}
	return records
}
