// ABOUTME: JSON read API over the history and annotation caches
// ABOUTME: Maps orchestrator errors to HTTP status codes

package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nainya/historycache/internal/logger"
	"github.com/nainya/historycache/internal/metrics"
	"github.com/nainya/historycache/pkg/cache"
	"github.com/nainya/historycache/pkg/history"
	"github.com/nainya/historycache/pkg/orchestrator"
	"github.com/nainya/historycache/pkg/repository"
)

// Service is the part of the orchestrator the API serves.
type Service interface {
	History(ctx context.Context, path string, withFiles bool) (*history.History, error)
	Annotate(ctx context.Context, path, revision string) (*history.Annotation, error)
	CachedAnnotation(ctx context.Context, path, revision string) (*history.Annotation, error)
	Repositories() []*repository.Info
	CreateCache(ctx context.Context, roots ...string) map[string]error
	ClearCache(roots ...string) ([]string, error)
}

// API serves history and annotations as JSON.
type API struct {
	svc     Service
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewAPI creates the API handlers.
func NewAPI(svc Service, log *logger.Logger, m *metrics.Metrics) *API {
	return &API{svc: svc, log: log, metrics: m}
}

// Handler returns a gin engine with every route registered under /api/v1.
func (a *API) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), MetricsMiddleware(a.metrics, a.log))
	a.RegisterRoutes(router.Group("/api/v1"))
	return router
}

// RegisterRoutes registers the API routes on rg.
//
//	GET    /history?path=&files=&limit=&offset=
//	GET    /annotate?path=&revision=&cached=
//	GET    /repositories
//	POST   /cache          {"repositories": [...]}
//	DELETE /cache?repository=
func (a *API) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/history", a.HandleHistory)
	rg.GET("/annotate", a.HandleAnnotate)
	rg.GET("/repositories", a.HandleRepositories)
	rg.POST("/cache", a.HandleCreateCache)
	rg.DELETE("/cache", a.HandleClearCache)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EntryResponse is one changeset.
type EntryResponse struct {
	Revision        string    `json:"revision"`
	DisplayRevision string    `json:"display_revision"`
	Author          string    `json:"author"`
	Date            time.Time `json:"date"`
	Message         string    `json:"message"`
	Tags            string    `json:"tags,omitempty"`
	Files           []string  `json:"files,omitempty"`
}

// HistoryResponse is a page of a file or directory history.
type HistoryResponse struct {
	Path         string          `json:"path"`
	Total        int             `json:"total"`
	Entries      []EntryResponse `json:"entries"`
	RenamedFiles []string        `json:"renamed_files,omitempty"`
}

// LineResponse is one annotated line.
type LineResponse struct {
	Number          int    `json:"number"`
	Revision        string `json:"revision"`
	DisplayRevision string `json:"display_revision"`
	Author          string `json:"author"`
	Enabled         bool   `json:"enabled"`
	Version         int    `json:"version,omitempty"`
	Color           string `json:"color,omitempty"`
}

// AnnotationResponse is the annotation of one file.
type AnnotationResponse struct {
	Path         string            `json:"path"`
	Revision     string            `json:"revision"`
	Versions     int               `json:"versions"`
	Lines        []LineResponse    `json:"lines"`
	Descriptions map[string]string `json:"descriptions,omitempty"`
}

// RepositoryResponse describes a registered repository.
type RepositoryResponse struct {
	Root               string `json:"root"`
	Type               string `json:"type"`
	Nested             bool   `json:"nested"`
	HandleRenamedFiles bool   `json:"handle_renamed_files"`
}

// CacheRequest selects repositories; empty means all.
type CacheRequest struct {
	Repositories []string `json:"repositories"`
}

// CacheResponse reports the per-repository outcome of a cache operation.
type CacheResponse struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type historyQuery struct {
	Path   string `form:"path" binding:"required"`
	Files  bool   `form:"files"`
	Limit  int    `form:"limit" binding:"min=0"`
	Offset int    `form:"offset" binding:"min=0"`
}

// HandleHistory serves GET /history.
func (a *API) HandleHistory(c *gin.Context) {
	var q historyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	h, err := a.svc.History(c.Request.Context(), q.Path, q.Files)
	if err != nil {
		a.fail(c, err)
		return
	}

	page := h.Page(q.Limit, q.Offset)
	resp := HistoryResponse{
		Path:         q.Path,
		Total:        h.Count(),
		Entries:      make([]EntryResponse, 0, len(page)),
		RenamedFiles: h.RenamedFiles,
	}
	for _, e := range page {
		resp.Entries = append(resp.Entries, EntryResponse{
			Revision:        e.Revision,
			DisplayRevision: e.DisplayRev(),
			Author:          e.Author,
			Date:            e.Date,
			Message:         e.Message,
			Tags:            h.TagFor(e.Revision),
			Files:           e.Files,
		})
	}
	c.JSON(http.StatusOK, resp)
}

type annotateQuery struct {
	Path     string `form:"path" binding:"required"`
	Revision string `form:"revision"`
	Cached   bool   `form:"cached"`
}

// HandleAnnotate serves GET /annotate. With cached=true only a cached
// annotation is returned.
func (a *API) HandleAnnotate(c *gin.Context) {
	var q annotateQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	get := a.svc.Annotate
	if q.Cached {
		get = a.svc.CachedAnnotation
	}
	ann, err := get(ctx, q.Path, q.Revision)
	if err != nil {
		a.fail(c, err)
		return
	}

	var colors map[string]string
	if h, err := a.svc.History(ctx, q.Path, false); err == nil {
		colors = ann.Colors(h)
	}

	resp := AnnotationResponse{
		Path:         q.Path,
		Revision:     ann.Revision,
		Versions:     ann.FileVersionsCount(),
		Lines:        make([]LineResponse, 0, ann.Size()),
		Descriptions: make(map[string]string),
	}
	for i, l := range ann.Lines {
		resp.Lines = append(resp.Lines, LineResponse{
			Number:          i + 1,
			Revision:        l.Revision,
			DisplayRevision: l.DisplayRev(),
			Author:          l.Author,
			Enabled:         l.Enabled,
			Version:         ann.FileVersion(l.Revision),
			Color:           colors[l.Revision],
		})
	}
	for _, rev := range ann.Revisions() {
		if d := ann.Description(rev); d != "" {
			resp.Descriptions[rev] = d
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleRepositories serves GET /repositories.
func (a *API) HandleRepositories(c *gin.Context) {
	infos := a.svc.Repositories()
	resp := make([]RepositoryResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, RepositoryResponse{
			Root:               info.Root,
			Type:               string(info.Type),
			Nested:             info.Nested,
			HandleRenamedFiles: info.HandleRenamedFiles,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCreateCache serves POST /cache. Failures of single repositories are
// reported in the body; the request itself succeeds.
func (a *API) HandleCreateCache(c *gin.Context) {
	var req CacheRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}

	outcome := a.svc.CreateCache(c.Request.Context(), req.Repositories...)
	resp := CacheResponse{Succeeded: []string{}}
	for root, err := range outcome {
		if err == nil {
			resp.Succeeded = append(resp.Succeeded, root)
			continue
		}
		if resp.Failed == nil {
			resp.Failed = make(map[string]string)
		}
		resp.Failed[root] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// HandleClearCache serves DELETE /cache.
func (a *API) HandleClearCache(c *gin.Context) {
	cleared, err := a.svc.ClearCache(c.QueryArray("repository")...)
	if err != nil && len(cleared) == 0 {
		a.fail(c, err)
		return
	}
	resp := CacheResponse{Succeeded: cleared}
	if resp.Succeeded == nil {
		resp.Succeeded = []string{}
	}
	if err != nil {
		resp.Failed = map[string]string{"": err.Error()}
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code >= http.StatusInternalServerError {
		a.log.Error("API request failed").
			Str("path", c.Request.URL.Path).
			Err(err).
			Send()
	}
	c.JSON(code, ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrNoRepository),
		errors.Is(err, orchestrator.ErrNoHistory),
		errors.Is(err, orchestrator.ErrNoAnnotation),
		errors.Is(err, repository.ErrRevisionNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrOutsideSourceRoot):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
