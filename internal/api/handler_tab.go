package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// --- Huma Input/Output types ---

type TabPath struct {
	DocumentID int64 `path:"document_id" doc:"Document ID" minimum:"1"`
	TabID      int64 `path:"tab_id" doc:"Tab ID" minimum:"1"`
}

type TabNameBody struct {
	Name string `json:"name,omitempty" doc:"Tab name; a default is chosen when empty" maxLength:"255"`
}

type AddTabInput struct {
	DocumentPath
	Body TabNameBody
}

type RenameTabInput struct {
	TabPath
	Body struct {
		Name string `json:"name" doc:"New tab name" required:"true" minLength:"1" maxLength:"255"`
	}
}

type MoveTabInput struct {
	TabPath
	Body struct {
		Position int `json:"position" doc:"Target position; clamped to the tab range"`
	}
}

type DuplicateTabInput struct {
	TabPath
	Body TabNameBody
}

type TabsOutput struct {
	Body []tab.Tab
}

// --- Handler ---

// TabHandler routes tab edits through the broker so that connected clients
// see the same tabs_changed broadcast as websocket-initiated edits.
type TabHandler struct {
	broker *broker.Broker
	logger *slog.Logger
}

func NewTabHandler(b *broker.Broker, logger *slog.Logger) *TabHandler {
	return &TabHandler{broker: b, logger: logger}
}

func registerTabRoutes(api huma.API, h *TabHandler) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-tab",
		Method:        http.MethodPost,
		Path:          "/v1/documents/{document_id}/tabs",
		Summary:       "Append a tab",
		Tags:          []string{"tabs"},
		DefaultStatus: http.StatusCreated,
	}, h.AddTab)

	huma.Register(api, huma.Operation{
		OperationID: "rename-tab",
		Method:      http.MethodPatch,
		Path:        "/v1/documents/{document_id}/tabs/{tab_id}",
		Summary:     "Rename a tab",
		Tags:        []string{"tabs"},
	}, h.RenameTab)

	huma.Register(api, huma.Operation{
		OperationID: "delete-tab",
		Method:      http.MethodDelete,
		Path:        "/v1/documents/{document_id}/tabs/{tab_id}",
		Summary:     "Delete a tab and its cells",
		Tags:        []string{"tabs"},
	}, h.DeleteTab)

	huma.Register(api, huma.Operation{
		OperationID: "move-tab",
		Method:      http.MethodPost,
		Path:        "/v1/documents/{document_id}/tabs/{tab_id}/move",
		Summary:     "Move a tab",
		Tags:        []string{"tabs"},
	}, h.MoveTab)

	huma.Register(api, huma.Operation{
		OperationID:   "duplicate-tab",
		Method:        http.MethodPost,
		Path:          "/v1/documents/{document_id}/tabs/{tab_id}/duplicate",
		Summary:       "Duplicate a tab",
		Tags:          []string{"tabs"},
		DefaultStatus: http.StatusCreated,
	}, h.DuplicateTab)
}

func (h *TabHandler) AddTab(ctx context.Context, input *AddTabInput) (*TabsOutput, error) {
	return h.run(ctx, "failed to add tab", func(user broker.User) ([]tab.Tab, error) {
		return h.broker.AddTab(ctx, user, input.DocumentID, input.Body.Name)
	})
}

func (h *TabHandler) RenameTab(ctx context.Context, input *RenameTabInput) (*TabsOutput, error) {
	return h.run(ctx, "failed to rename tab", func(user broker.User) ([]tab.Tab, error) {
		return h.broker.RenameTab(ctx, user, input.DocumentID, input.TabID, input.Body.Name)
	})
}

func (h *TabHandler) DeleteTab(ctx context.Context, input *TabPath) (*TabsOutput, error) {
	return h.run(ctx, "failed to delete tab", func(user broker.User) ([]tab.Tab, error) {
		return h.broker.DeleteTab(ctx, user, input.DocumentID, input.TabID)
	})
}

func (h *TabHandler) MoveTab(ctx context.Context, input *MoveTabInput) (*TabsOutput, error) {
	return h.run(ctx, "failed to move tab", func(user broker.User) ([]tab.Tab, error) {
		return h.broker.MoveTab(ctx, user, input.DocumentID, input.TabID, input.Body.Position)
	})
}

func (h *TabHandler) DuplicateTab(ctx context.Context, input *DuplicateTabInput) (*TabsOutput, error) {
	return h.run(ctx, "failed to duplicate tab", func(user broker.User) ([]tab.Tab, error) {
		return h.broker.DuplicateTab(ctx, user, input.DocumentID, input.TabID, input.Body.Name)
	})
}

func (h *TabHandler) run(ctx context.Context, msg string, op func(broker.User) ([]tab.Tab, error)) (*TabsOutput, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	tabs, err := op(user)
	if err != nil {
		return nil, statusError(h.logger, msg, err)
	}
	return &TabsOutput{Body: tabs}, nil
}
