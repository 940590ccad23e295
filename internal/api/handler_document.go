package api

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/ryanbastic/go-sheetsync/internal/broker"
	"github.com/ryanbastic/go-sheetsync/internal/engine"
	"github.com/ryanbastic/go-sheetsync/internal/export"
	"github.com/ryanbastic/go-sheetsync/internal/storage"
	"github.com/ryanbastic/go-sheetsync/internal/tab"
)

// --- Huma Input/Output types ---

type CreateDocumentBody struct {
	Name string `json:"name" doc:"Document name" required:"true" minLength:"1" maxLength:"255"`
}

type CreateDocumentInput struct {
	Body CreateDocumentBody
}

type DocumentResponse struct {
	storage.Document
	Tabs []tab.Tab `json:"tabs" doc:"Tabs in display order"`
}

type CreateDocumentOutput struct {
	Body DocumentResponse
}

type DocumentPath struct {
	DocumentID int64 `path:"document_id" doc:"Document ID" minimum:"1"`
}

type SnapshotResponse struct {
	storage.Document
	Role  storage.Role   `json:"role" doc:"Caller's role on the document"`
	Tabs  []tab.Tab      `json:"tabs" doc:"Tabs in display order"`
	Cells []engine.Entry `json:"cells" doc:"Every non-empty cell with its raw input and computed value"`
}

type GetDocumentOutput struct {
	Body SnapshotResponse
}

type GrantBody struct {
	UserID int64  `json:"user_id" doc:"User to grant" required:"true" minimum:"1"`
	Role   string `json:"role" doc:"Role to grant" required:"true" enum:"editor,viewer"`
}

type GrantInput struct {
	DocumentPath
	Body GrantBody
}

type GrantOutput struct {
	Body struct {
		DocumentID int64        `json:"document_id"`
		UserID     int64        `json:"user_id"`
		Role       storage.Role `json:"role"`
	}
}

type ExportOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// --- Handler ---

type DocumentHandler struct {
	store  storage.Store
	engine *engine.Engine
	logger *slog.Logger
}

func NewDocumentHandler(store storage.Store, eng *engine.Engine, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{store: store, engine: eng, logger: logger}
}

func registerDocumentRoutes(api huma.API, h *DocumentHandler) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-document",
		Method:        http.MethodPost,
		Path:          "/v1/documents",
		Summary:       "Create a document",
		Tags:          []string{"documents"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateDocument)

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}",
		Summary:     "Get a document snapshot",
		Tags:        []string{"documents"},
	}, h.GetDocument)

	huma.Register(api, huma.Operation{
		OperationID: "grant-permission",
		Method:      http.MethodPost,
		Path:        "/v1/documents/{document_id}/permissions",
		Summary:     "Share a document",
		Tags:        []string{"documents"},
	}, h.Grant)

	huma.Register(api, huma.Operation{
		OperationID: "export-document",
		Method:      http.MethodGet,
		Path:        "/v1/documents/{document_id}/export.xlsx",
		Summary:     "Export computed values as xlsx",
		Tags:        []string{"documents"},
	}, h.Export)
}

func (h *DocumentHandler) CreateDocument(ctx context.Context, input *CreateDocumentInput) (*CreateDocumentOutput, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}

	doc, first, err := h.store.CreateDocument(ctx, input.Body.Name, user.ID)
	if err != nil {
		return nil, statusError(h.logger, "failed to create document", err)
	}

	h.logger.Info("document created", "document_id", doc.ID, "owner_id", user.ID)
	return &CreateDocumentOutput{Body: DocumentResponse{Document: doc, Tabs: []tab.Tab{first}}}, nil
}

func (h *DocumentHandler) GetDocument(ctx context.Context, input *DocumentPath) (*GetDocumentOutput, error) {
	doc, role, snap, err := h.snapshot(ctx, input.DocumentID)
	if err != nil {
		return nil, err
	}
	return &GetDocumentOutput{Body: SnapshotResponse{Document: doc, Role: role, Tabs: snap.Tabs, Cells: snap.Cells}}, nil
}

func (h *DocumentHandler) Grant(ctx context.Context, input *GrantInput) (*GrantOutput, error) {
	role, err := storage.ParseRole(input.Body.Role)
	if err != nil || role == storage.RoleOwner {
		return nil, huma.Error422UnprocessableEntity("role must be editor or viewer")
	}
	user, err := authorize(ctx, h.store, input.DocumentID, storage.Role.CanGrant)
	if err != nil {
		return nil, statusError(h.logger, "failed to grant permission", err)
	}
	if input.Body.UserID == user.ID {
		return nil, huma.Error422UnprocessableEntity("cannot change your own role")
	}

	if err := h.store.Grant(ctx, input.DocumentID, input.Body.UserID, role); err != nil {
		return nil, statusError(h.logger, "failed to grant permission", err)
	}

	h.logger.Info("permission granted", "document_id", input.DocumentID, "user_id", input.Body.UserID, "role", role, "granted_by", user.ID)
	out := &GrantOutput{}
	out.Body.DocumentID = input.DocumentID
	out.Body.UserID = input.Body.UserID
	out.Body.Role = role
	return out, nil
}

func (h *DocumentHandler) Export(ctx context.Context, input *DocumentPath) (*ExportOutput, error) {
	doc, _, snap, err := h.snapshot(ctx, input.DocumentID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := export.Write(&buf, snap); err != nil {
		return nil, statusError(h.logger, "failed to export document", err)
	}
	return &ExportOutput{
		ContentType:        export.ContentType,
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", fmt.Sprintf("document-%d.xlsx", doc.ID)),
		Body:               buf.Bytes(),
	}, nil
}

func (h *DocumentHandler) snapshot(ctx context.Context, documentID int64) (storage.Document, storage.Role, engine.Snapshot, error) {
	var role storage.Role
	capture := func(r storage.Role) bool {
		role = r
		return true
	}
	if _, err := authorize(ctx, h.store, documentID, capture); err != nil {
		return storage.Document{}, "", engine.Snapshot{}, statusError(h.logger, "failed to read document", err)
	}
	doc, err := h.store.GetDocument(ctx, documentID)
	if err != nil {
		return storage.Document{}, "", engine.Snapshot{}, statusError(h.logger, "failed to read document", err)
	}
	snap, err := h.engine.Snapshot(ctx, documentID)
	if err != nil {
		return storage.Document{}, "", engine.Snapshot{}, statusError(h.logger, "failed to read document", err)
	}
	return doc, role, snap, nil
}

func anyRole(storage.Role) bool { return true }

// authorize returns the request's user when their role on the document
// satisfies allow. A user without any role gets broker.ErrForbidden.
func authorize(ctx context.Context, perms storage.PermissionStore, documentID int64, allow func(storage.Role) bool) (broker.User, error) {
	user, err := requireUser(ctx)
	if err != nil {
		return broker.User{}, err
	}
	role, err := perms.Role(ctx, documentID, user.ID)
	if err != nil {
		return broker.User{}, fmt.Errorf("lookup role: %w", err)
	}
	if !allow(role) {
		return broker.User{}, broker.ErrForbidden
	}
	return user, nil
}
