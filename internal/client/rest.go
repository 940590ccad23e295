package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// API calls the REST surface of a sheetsync server as one user.
type API struct {
	base string
	user broker.User
	http *http.Client
}

// NewAPI returns a client for the server at baseURL. A nil httpClient uses
// a client with a 30s timeout.
func NewAPI(baseURL string, user broker.User, httpClient *http.Client) *API {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &API{base: strings.TrimRight(baseURL, "/"), user: user, http: httpClient}
}

// SocketURL returns the websocket endpoint of the server.
func (a *API) SocketURL() string {
	switch {
	case strings.HasPrefix(a.base, "https://"):
		return "wss://" + strings.TrimPrefix(a.base, "https://") + "/v1/ws"
	case strings.HasPrefix(a.base, "http://"):
		return "ws://" + strings.TrimPrefix(a.base, "http://") + "/v1/ws"
	}
	return a.base + "/v1/ws"
}

// User returns the identity requests are sent as.
func (a *API) User() broker.User {
	return a.user
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status int
	Title  string
	Detail string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Title)
}

// Document is a created document with its first tab.
type Document struct {
	storage.Document
	Tabs []tab.Tab `json:"tabs"`
}

// DocumentSnapshot is a document with every cell and the caller's role.
type DocumentSnapshot struct {
	storage.Document
	Role  storage.Role   `json:"role"`
	Tabs  []tab.Tab      `json:"tabs"`
	Cells []engine.Entry `json:"cells"`
}

// Snapshot returns the engine view of the snapshot.
func (s DocumentSnapshot) Snapshot() engine.Snapshot {
	return engine.Snapshot{Tabs: s.Tabs, Cells: s.Cells}
}

func (a *API) CreateDocument(ctx context.Context, name string) (Document, error) {
	var doc Document
	err := a.call(ctx, http.MethodPost, "/v1/documents", map[string]string{"name": name}, &doc)
	return doc, err
}

func (a *API) GetDocument(ctx context.Context, documentID int64) (DocumentSnapshot, error) {
	var snap DocumentSnapshot
	err := a.call(ctx, http.MethodGet, docPath(documentID), nil, &snap)
	return snap, err
}

func (a *API) Grant(ctx context.Context, documentID, userID int64, role storage.Role) error {
	body := map[string]any{"user_id": userID, "role": role}
	return a.call(ctx, http.MethodPost, docPath(documentID)+"/permissions", body, nil)
}

func (a *API) AddTab(ctx context.Context, documentID int64, name string) ([]tab.Tab, error) {
	var tabs []tab.Tab
	err := a.call(ctx, http.MethodPost, docPath(documentID)+"/tabs", map[string]string{"name": name}, &tabs)
	return tabs, err
}

func (a *API) RenameTab(ctx context.Context, documentID, tabID int64, name string) ([]tab.Tab, error) {
	var tabs []tab.Tab
	err := a.call(ctx, http.MethodPatch, tabPath(documentID, tabID), map[string]string{"name": name}, &tabs)
	return tabs, err
}

func (a *API) MoveTab(ctx context.Context, documentID, tabID int64, position int) ([]tab.Tab, error) {
	var tabs []tab.Tab
	err := a.call(ctx, http.MethodPost, tabPath(documentID, tabID)+"/move", map[string]int{"position": position}, &tabs)
	return tabs, err
}

func (a *API) DeleteTab(ctx context.Context, documentID, tabID int64) ([]tab.Tab, error) {
	var tabs []tab.Tab
	err := a.call(ctx, http.MethodDelete, tabPath(documentID, tabID), nil, &tabs)
	return tabs, err
}

// Export streams the document's xlsx rendition to w.
func (a *API) Export(ctx context.Context, documentID int64, w io.Writer) error {
	resp, err := a.do(ctx, http.MethodGet, docPath(documentID)+"/export.xlsx", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read export: %w", err)
	}
	return nil
}

func docPath(documentID int64) string {
	return "/v1/documents/" + strconv.FormatInt(documentID, 10)
}

func tabPath(documentID, tabID int64) string {
	return docPath(documentID) + "/tabs/" + strconv.FormatInt(tabID, 10)
}

func (a *API) call(ctx context.Context, method, path string, in, out any) error {
	resp, err := a.do(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// do sends the request and returns the response when the status is 2xx.
func (a *API) do(ctx context.Context, method, path string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u, err := url.JoinPath(a.base, path)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", strconv.FormatInt(a.user.ID, 10))
	req.Header.Set("X-User-Name", a.user.Name)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer resp.Body.Close()

	herr := &HTTPError{Status: resp.StatusCode, Title: http.StatusText(resp.StatusCode)}
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if json.NewDecoder(resp.Body).Decode(&problem) == nil {
		if problem.Title != "" {
			herr.Title = problem.Title
		}
		herr.Detail = problem.Detail
	}
	return nil, herr
}
