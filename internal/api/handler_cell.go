package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-sheetsync/internal/cell"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
)

// --- Huma Input/Output types ---

type CellMetaInput struct {
	TabPath
	Row    int `path:"row" doc:"0-based row" minimum:"0"`
	Column int `path:"column" doc:"0-based column" minimum:"0"`
}

type CellMetaOutput struct {
	Body cell.Meta
}

type ListCellsInput struct {
	TabPath
	Cursor string `query:"cursor" doc:"Opaque cursor from a previous page"`
	Limit  int    `query:"limit" doc:"Maximum number of cells to return" minimum:"0" maximum:"10000"`
}

type ListCellsOutput struct {
	Body *storage.Page
}

// --- Handler ---

// CellHandler serves the stored raw inputs. Writes go through the websocket
// so that every edit is broadcast.
type CellHandler struct {
	store  storage.Store
	logger *slog.Logger
}

func NewCellHandler(store storage.Store, logger *slog.Logger) *CellHandler {
	return &CellHandler{store: store, logger: logger}
}

func registerCellRoutes(api huma.API, h *CellHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "get-cell-meta",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}/tabs/{tab_id}/cells/{row}/{column}/meta",
		Summary:     "Get a cell's raw value and last writer",
		Tags:        []string{"cells"},
	}, h.GetCellMeta)

	huma.Register(api, huma.Operation{
		OperationID: "list-cells",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}/tabs/{tab_id}/cells",
		Summary:     "Page through a tab's stored cells",
		Tags:        []string{"cells"},
	}, h.ListCells)
}

func (h *CellHandler) GetCellMeta(ctx context.Context, input *CellMetaInput) (*CellMetaOutput, error) {
	if _, err := authorize(ctx, h.store, input.DocumentID, anyRole); err != nil {
		return nil, statusError(h.logger, "failed to get cell", err)
	}
	meta, err := h.store.GetCellMeta(ctx, input.DocumentID, input.TabID, input.Row, input.Column)
	if err != nil {
		return nil, statusError(h.logger, "failed to get cell", err)
	}
	return &CellMetaOutput{Body: *meta}, nil
}

func (h *CellHandler) ListCells(ctx context.Context, input *ListCellsInput) (*ListCellsOutput, error) {
	if _, err := authorize(ctx, h.store, input.DocumentID, anyRole); err != nil {
		return nil, statusError(h.logger, "failed to list cells", err)
	}
	page, err := h.store.ListCellsPage(ctx, input.DocumentID, input.TabID, input.Cursor, input.Limit)
	if err != nil {
		return nil, statusError(h.logger, "failed to list cells", err)
	}
	return &ListCellsOutput{Body: page}, nil
}
