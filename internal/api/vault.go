package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"consultflow/backend/internal/blob"
	"consultflow/backend/internal/retrieval"
	"consultflow/backend/pkg/models"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// UploadVaultFile stores an uploaded document and starts its ingestion.
// The response is sent before ingestion finishes; poll the file for its
// status.
// (POST /api/v1/projects/:projectId/vault)
func (s *Server) UploadVaultFile(c echo.Context) error {
	ctx := c.Request().Context()
	project, err := s.store.GetProject(ctx, c.Param("projectId"))
	if err != nil {
		return err
	}

	if c.Request().ContentLength > s.maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
	}
	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, s.maxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds the upload limit")
		}
		return badRequest("multipart field \"file\" is required")
	}
	src, err := header.Open()
	if err != nil {
		return badRequest("could not read upload: " + err.Error())
	}
	defer src.Close()
	raw, err := io.ReadAll(src)
	if err != nil {
		return badRequest("could not read upload: " + err.Error())
	}

	mimeType := header.Header.Get(echo.HeaderContentType)
	if mimeType == "" || mimeType == echo.MIMEOctetStream {
		if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(header.Filename))); byExt != "" {
			mimeType = byExt
		}
	}

	file := &models.VaultFile{
		ID:        uuid.New().String(),
		ProjectID: project.ID,
		FileName:  filepath.Base(header.Filename),
		MimeType:  mimeType,
		SizeBytes: int64(len(raw)),
		Status:    models.VaultPending,
	}
	file.StoragePath = blob.Key(project.ID, file.ID, file.FileName)
	if _, err := s.blobs.Put(ctx, file.StoragePath, bytes.NewReader(raw)); err != nil {
		return err
	}
	if err := s.store.CreateVaultFile(ctx, file); err != nil {
		if derr := s.blobs.Delete(ctx, file.StoragePath); derr != nil {
			s.logger.Warn("could not remove orphaned upload", "path", file.StoragePath, "error", derr)
		}
		return err
	}

	s.vault.IngestAsync(ctx, file.ID, raw, mimeType)
	s.logger.Info("Vault file uploaded", "project_id", project.ID, "file_id", file.ID, "size", file.SizeBytes, "operator", operator(c))
	return c.JSON(http.StatusAccepted, file)
}

// ListVaultFiles returns a project's vault files
// (GET /api/v1/projects/:projectId/vault)
func (s *Server) ListVaultFiles(c echo.Context) error {
	ctx := c.Request().Context()
	if _, err := s.store.GetProject(ctx, c.Param("projectId")); err != nil {
		return err
	}
	files, err := s.store.ListVaultFiles(ctx, c.Param("projectId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, files)
}

// GetVaultFile returns one vault file with its ingestion status
// (GET /api/v1/vault/:fileId)
func (s *Server) GetVaultFile(c echo.Context) error {
	file, err := s.store.GetVaultFile(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, file)
}

// ReprocessVaultFile ingests a stored file again
// (POST /api/v1/vault/:fileId/reprocess)
func (s *Server) ReprocessVaultFile(c echo.Context) error {
	ctx := c.Request().Context()
	file, err := s.store.GetVaultFile(ctx, c.Param("fileId"))
	if err != nil {
		return err
	}
	raw, err := s.blobs.Get(ctx, file.StoragePath)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return echo.NewHTTPError(http.StatusGone, "stored bytes for this file are gone")
		}
		return err
	}
	s.vault.IngestAsync(ctx, file.ID, raw, file.MimeType)
	file.Status = models.VaultPending
	return c.JSON(http.StatusAccepted, file)
}

// SearchVaultRequest is the body of POST /projects/:projectId/vault/search.
type SearchVaultRequest struct {
	Query     string `json:"query"`
	MaxChunks int    `json:"max_chunks"`
}

// SearchVaultResponse carries ranked chunks and the prompt block built
// from them.
type SearchVaultResponse struct {
	Results []retrieval.Result `json:"results"`
	Context string             `json:"context"`
}

// SearchVault ranks a project's chunks against a query
// (POST /api/v1/projects/:projectId/vault/search)
func (s *Server) SearchVault(c echo.Context) error {
	var req SearchVaultRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return badRequest("query is required")
	}
	ctx := c.Request().Context()
	projectID := c.Param("projectId")
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	results, err := s.vault.Retrieve(ctx, projectID, req.Query, req.MaxChunks)
	if err != nil {
		return err
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	return c.JSON(http.StatusOK, SearchVaultResponse{Results: results, Context: retrieval.FormatContext(results)})
}
