/**
 * HTTP API for the drawings annotation worker.
 *
 * Routes mirror the annotation workflow: upload a PDF, process sheets,
 * open crops for review, save tags, export the aggregated report. Errors
 * map by code: NOT_FOUND 404, OUT_OF_RANGE 400, ALREADY_PROCESSED is a
 * no-op success, EXTERNAL_SERVICE 502, partial propagation 200 with the
 * failed crop list attached.
 */

package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/scopebuilder/drawings-worker/internal/config"
	"github.com/scopebuilder/drawings-worker/internal/errors"
	"github.com/scopebuilder/drawings-worker/internal/logging"
	"github.com/scopebuilder/drawings-worker/internal/processor"
	"github.com/scopebuilder/drawings-worker/internal/queue"
	"github.com/scopebuilder/drawings-worker/internal/storage"
)

// Server wires the HTTP routes to the processor.
type Server struct {
	engine    *gin.Engine
	processor *processor.AnnotationProcessor
	store     storage.Store
	queue     *queue.Client
	cfg       *config.Config
	logger    *logging.Logger
}

// NewServer builds the router. queueClient may be nil; sheet processing
// then always runs inline.
func NewServer(proc *processor.AnnotationProcessor, store storage.Store, queueClient *queue.Client, cfg *config.Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    gin.New(),
		processor: proc,
		store:     store,
		queue:     queueClient,
		cfg:       cfg,
		logger:    logging.NewLogger("API"),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.health)
	s.engine.GET("/api/scopes", s.scopes)

	uploads := s.engine.Group("/api/uploads")
	{
		uploads.POST("", s.upload)
		uploads.GET("/:id/progress", s.progress)
		uploads.GET("/:id/thumbnails/:page", s.thumbnail)
		uploads.POST("/:id/pages/:page/process", s.processSheet)
		uploads.GET("/:id/pages/:page/crops/:crop", s.openCrop)
		uploads.GET("/:id/pages/:page/crops/:crop/image", s.cropImage)
		uploads.POST("/:id/pages/:page/crops/:crop/annotations", s.saveAnnotations)
		uploads.GET("/:id/export", s.export)
		uploads.DELETE("/:id", s.deleteUpload)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// scopes returns the classification catalogue with "Others" appended.
func (s *Server) scopes(c *gin.Context) {
	scopes := make([]string, 0, len(s.cfg.Scopes)+1)
	scopes = append(scopes, s.cfg.Scopes...)
	scopes = append(scopes, "Others")
	c.JSON(http.StatusOK, gin.H{"scopes": scopes})
}

func (s *Server) upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	if header.Size > s.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadSize),
		})
		return
	}

	pdf, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return
	}
	if int64(len(pdf)) > s.cfg.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxUploadSize),
		})
		return
	}

	meta, err := s.processor.ProcessUpload(c.Request.Context(), header.Filename, pdf)
	if err != nil {
		s.respondError(c, err)
		return
	}

	if s.queue != nil && c.Query("process") == "async" {
		if err := s.queue.EnqueueUpload(c.Request.Context(), meta.UploadID); err != nil {
			s.logger.Warn("Failed to enqueue upload processing", "uploadId", meta.UploadID, "error", err)
		}
	}
	c.JSON(http.StatusCreated, meta)
}

func (s *Server) progress(c *gin.Context) {
	report, err := s.processor.Docs().Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload_id": c.Param("id"), "pages": report})
}

func (s *Server) thumbnail(c *gin.Context) {
	pageNum, ok := s.intParam(c, "page")
	if !ok {
		return
	}
	data, err := s.store.Get(c.Request.Context(), storage.ThumbnailKey(c.Param("id"), pageNum))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) processSheet(c *gin.Context) {
	uploadID := c.Param("id")
	pageNum, ok := s.intParam(c, "page")
	if !ok {
		return
	}

	if s.queue != nil && c.Query("async") == "1" {
		if err := s.queue.EnqueueSheet(c.Request.Context(), uploadID, pageNum); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
		return
	}

	set, err := s.processor.ProcessSheet(c.Request.Context(), uploadID, pageNum)
	if errors.IsAlreadyProcessed(err) {
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (s *Server) openCrop(c *gin.Context) {
	pageNum, ok := s.intParam(c, "page")
	if !ok {
		return
	}
	cropIdx, ok := s.intParam(c, "crop")
	if !ok {
		return
	}

	record, err := s.processor.OpenCrop(c.Request.Context(), c.Param("id"), pageNum, cropIdx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (s *Server) cropImage(c *gin.Context) {
	pageNum, ok := s.intParam(c, "page")
	if !ok {
		return
	}
	cropIdx, ok := s.intParam(c, "crop")
	if !ok {
		return
	}
	data, err := s.store.Get(c.Request.Context(), storage.CropImageKey(c.Param("id"), pageNum, cropIdx))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) saveAnnotations(c *gin.Context) {
	pageNum, ok := s.intParam(c, "page")
	if !ok {
		return
	}
	cropIdx, ok := s.intParam(c, "crop")
	if !ok {
		return
	}

	var body struct {
		Updates []processor.TagUpdate `json:"updates"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	result, err := s.processor.SaveAnnotations(c.Request.Context(), c.Param("id"), pageNum, cropIdx, body.Updates)
	if err != nil && errors.CodeOf(err) != errors.ErrorPartialPropagation {
		s.respondError(c, err)
		return
	}
	// a partial propagation still saved the crop; the failed list rides
	// along in the result
	c.JSON(http.StatusOK, result)
}

func (s *Server) export(c *gin.Context) {
	doc, err := s.processor.Export(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", doc.Filename()))
	c.JSON(http.StatusOK, doc)
}

func (s *Server) deleteUpload(c *gin.Context) {
	if err := s.processor.DeleteUpload(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) intParam(c *gin.Context, name string) (int, bool) {
	value, err := strconv.Atoi(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s parameter", name)})
		return 0, false
	}
	return value, true
}

func (s *Server) respondError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errors.ErrorNotFound:
		status = http.StatusNotFound
	case errors.ErrorOutOfRange:
		status = http.StatusBadRequest
	case errors.ErrorExternalService:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": string(code)})
}
