package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fmueller/voxqueue/internal/queue"
	"github.com/fmueller/voxqueue/internal/status"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const uploadField = "audio_file"

var allowedContentTypes = map[string]bool{
	"audio/wav":    true,
	"audio/x-wav":  true,
	"audio/mpeg":   true,
	"audio/mp3":    true,
	"audio/x-mpeg": true,
	"audio/mp4":    true,
	"audio/x-m4a":  true,
	"audio/webm":   true,
}

// Jobs is the submission and polling boundary of the job queue.
type Jobs interface {
	Submit(sourcePath, language string) (string, error)
	Cancel(jobID string) error
	Status(jobID string) (status.Snapshot, error)
}

// Artifacts allocates upload paths and removes uploads that never became jobs.
type Artifacts interface {
	Allocate(originalName string) string
	Release(path string) bool
}

type Options struct {
	MaxUploadBytes  int64
	DefaultLanguage string
}

type Server struct {
	jobs      Jobs
	artifacts Artifacts
	opts      Options
	logger    *zap.Logger
}

func New(jobs Jobs, artifacts Artifacts, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 500 << 20
	}
	return &Server{jobs: jobs, artifacts: artifacts, opts: opts, logger: logger}
}

type statusResponse struct {
	TaskID        string `json:"task_id"`
	State         string `json:"state"`
	Attempt       int    `json:"attempt"`
	Current       int    `json:"current"`
	Total         int    `json:"total"`
	PartialText   string `json:"partial_text,omitempty"`
	Transcription string `json:"transcription,omitempty"`
	Error         string `json:"error,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func newStatusResponse(snap status.Snapshot) statusResponse {
	return statusResponse{
		TaskID:        snap.JobID,
		State:         string(snap.State),
		Attempt:       snap.Attempt,
		Current:       snap.Progress.Current,
		Total:         snap.Progress.Total,
		PartialText:   snap.Progress.PartialText,
		Transcription: snap.Transcription,
		Error:         snap.Error,
		ErrorKind:     snap.ErrorKind,
		LastError:     snap.LastError,
	}
}

// Handler builds the HTTP API.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1/transcriptions")
	v1.POST("", s.submit)
	v1.GET("/:id", s.status)
	v1.DELETE("/:id", s.cancel)

	return r
}

func (s *Server) submit(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes+1<<20)

	header, err := c.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
			return
		}
		respondError(c, http.StatusBadRequest, uploadField+" is required")
		return
	}

	if code, msg := s.validateUpload(header); code != 0 {
		respondError(c, code, msg)
		return
	}

	path, err := s.store(header)
	if err != nil {
		s.logger.Error("failed to store upload", zap.String("filename", header.Filename), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to store upload")
		return
	}

	language := strings.TrimSpace(c.PostForm("language"))
	if language == "" {
		language = s.opts.DefaultLanguage
	}

	id, err := s.jobs.Submit(path, language)
	if err != nil {
		s.artifacts.Release(path)
		if errors.Is(err, queue.ErrQueueFull) || errors.Is(err, queue.ErrStopped) {
			respondError(c, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.logger.Error("failed to submit job", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "failed to submit job")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": id})
}

func (s *Server) status(c *gin.Context) {
	snap, err := s.jobs.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, queue.ErrUnknownJob) {
			respondError(c, http.StatusNotFound, "task not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.JSON(http.StatusOK, newStatusResponse(snap))
}

func (s *Server) cancel(c *gin.Context) {
	id := c.Param("id")
	if err := s.jobs.Cancel(id); err != nil {
		if errors.Is(err, queue.ErrUnknownJob) {
			respondError(c, http.StatusNotFound, "task not found")
			return
		}
		respondError(c, http.StatusInternalServerError, err.Error())
		return
	}

	snap, err := s.jobs.Status(id)
	if err != nil {
		c.JSON(http.StatusAccepted, gin.H{"task_id": id})
		return
	}
	c.JSON(http.StatusAccepted, newStatusResponse(snap))
}

// validateUpload returns a non-zero HTTP status when the upload is rejected.
func (s *Server) validateUpload(header *multipart.FileHeader) (int, string) {
	contentType := strings.ToLower(strings.TrimSpace(strings.Split(header.Header.Get("Content-Type"), ";")[0]))
	if !allowedContentTypes[contentType] {
		return http.StatusUnsupportedMediaType, fmt.Sprintf("unsupported audio content type %q", contentType)
	}
	if header.Size > s.opts.MaxUploadBytes {
		return http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes)
	}
	return 0, ""
}

// store copies the upload to a fresh artifact path and syncs it to disk
// before the job is submitted.
func (s *Server) store(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	path := s.artifacts.Allocate(header.Filename)
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		s.artifacts.Release(path)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := dst.Sync(); err != nil {
		_ = dst.Close()
		s.artifacts.Release(path)
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := dst.Close(); err != nil {
		s.artifacts.Release(path)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, code int, msg string) {
	c.JSON(code, gin.H{"error": msg})
}
