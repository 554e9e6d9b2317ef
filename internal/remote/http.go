package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kimhsiao/actisync/internal/logging"
)

// HTTPBackend talks JSON to a document service:
//
//	POST   {base}/records        -> {"id": "..."}
//	PATCH  {base}/records/{id}
//	DELETE {base}/records/{id}
//	GET    {base}/records        -> [Document, ...]
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.httpClient = c }
}

// WithBearerToken sends token in the Authorization header.
func WithBearerToken(token string) HTTPOption {
	return func(b *HTTPBackend) { b.token = token }
}

// NewHTTPBackend creates an HTTPBackend for baseURL.
func NewHTTPBackend(baseURL string, opts ...HTTPOption) (*HTTPBackend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid remote url %q: scheme must be http or https", baseURL)
	}

	b := &HTTPBackend{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

type createResponse struct {
	ID string `json:"id"`
}

// Create implements Backend.
func (b *HTTPBackend) Create(ctx context.Context, doc Document) (string, error) {
	var out createResponse
	if err := b.do(ctx, http.MethodPost, "/records", doc, &out, http.StatusOK, http.StatusCreated); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("create response has no id")
	}
	return out.ID, nil
}

// Update implements Backend.
func (b *HTTPBackend) Update(ctx context.Context, remoteID string, doc Document) error {
	err := b.do(ctx, http.MethodPatch, "/records/"+url.PathEscape(remoteID), doc, nil, http.StatusOK, http.StatusNoContent)
	var se *statusError
	if errors.As(err, &se) && se.code == http.StatusNotFound {
		return ErrDocumentNotFound
	}
	return err
}

// Delete implements Backend. A 404 counts as success.
func (b *HTTPBackend) Delete(ctx context.Context, remoteID string) error {
	return b.do(ctx, http.MethodDelete, "/records/"+url.PathEscape(remoteID), nil, nil,
		http.StatusOK, http.StatusNoContent, http.StatusNotFound)
}

// List implements Backend.
func (b *HTTPBackend) List(ctx context.Context) ([]Document, error) {
	var docs []Document
	if err := b.do(ctx, http.MethodGet, "/records", nil, &docs, http.StatusOK); err != nil {
		return nil, err
	}
	return docs, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("remote returned status %d: %s", e.code, e.body)
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, in, out interface{}, okCodes ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	accepted := false
	for _, c := range okCodes {
		if resp.StatusCode == c {
			accepted = true
			break
		}
	}
	if !accepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// NewHTTPHandler serves the HTTPBackend wire protocol on top of any Backend,
// so one process can act as the remote document service for others.
func NewHTTPHandler(backend Backend) http.Handler {
	h := &documentHandler{backend: backend}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /records", h.create)
	mux.HandleFunc("GET /records", h.list)
	mux.HandleFunc("PATCH /records/{id}", h.update)
	mux.HandleFunc("DELETE /records/{id}", h.delete)
	return mux
}

type documentHandler struct {
	backend Backend
}

func (h *documentHandler) create(w http.ResponseWriter, r *http.Request) {
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}
	id, err := h.backend.Create(r.Context(), doc)
	if err != nil {
		h.fail(w, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: id})
}

func (h *documentHandler) update(w http.ResponseWriter, r *http.Request) {
	var doc Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		http.Error(w, "invalid document", http.StatusBadRequest)
		return
	}
	if err := h.backend.Update(r.Context(), r.PathValue("id"), doc); err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		h.fail(w, "update", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *documentHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.backend.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *documentHandler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.backend.List(r.Context())
	if err != nil {
		h.fail(w, "list", err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *documentHandler) fail(w http.ResponseWriter, op string, err error) {
	logging.Error("Document service call failed", err, map[string]interface{}{"op": op})
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
