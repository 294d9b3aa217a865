package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"sidequest/pkg/models"
	"sidequest/pkg/retry"
	"sidequest/pkg/scheduler"
	"sidequest/pkg/storage"
)

// listJobs handles GET /api/jobs — cross-pipeline listing with status
// filter and offset/limit pagination.
func (s *Server) listJobs(c *gin.Context) {
	opts := parseListOptions(c)

	result, err := s.store.ListAll(c.Request.Context(), opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":    result.Jobs,
		"total":   result.Total,
		"page":    opts.Offset/max(opts.Limit, 1) + 1,
		"limit":   opts.Limit,
		"hasMore": len(result.Jobs) == opts.Limit,
	})
}

// getJob handles GET /api/jobs/:jobId.
func (s *Server) getJob(c *gin.Context) {
	job, err := s.store.Get(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// cancelJob handles POST /api/jobs/:jobId/cancel.
func (s *Server) cancelJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := s.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sched, ok := s.schedulerFor(job.PipelineID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "pipeline not registered on this instance"})
		return
	}

	res := sched.CancelJob(jobID)
	if !res.OK {
		c.JSON(http.StatusConflict, gin.H{"success": false, "message": res.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "cancelled"})
}

// retryJob handles POST /api/jobs/:jobId/retry — constructs a fresh Job
// from a failed job's data, independent of the automatic Retry Controller
// chain (this is an operator-triggered retry, not a failure-driven one).
func (s *Server) retryJob(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := s.store.Get(c.Request.Context(), jobID)
	if err != nil {
		if err == storage.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if job.Status != models.JobStatusFailed {
		c.JSON(http.StatusConflict, gin.H{"error": "only failed jobs can be retried"})
		return
	}

	sched, ok := s.schedulerFor(job.PipelineID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not registered on this instance"})
		return
	}

	originalID := retry.OriginalID(job.ID)
	newID := s.clk.NewID(originalID + "-manual-retry")

	created, err := sched.CreateJob(c.Request.Context(), newID, job.Data)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"newJobId": created.ID})
}

// bulkImportJobs handles POST /api/jobs/bulk-import, guarded upstream by
// middleware.MigrationKeyMiddleware.
func (s *Server) bulkImportJobs(c *gin.Context) {
	var records []models.Job
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	result, err := s.store.BulkImport(c.Request.Context(), records)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"imported": result.Imported,
		"skipped":  result.Skipped,
		"errors":   result.Errors,
	})
}

// listPipelineJobs handles GET /api/pipelines/:id/jobs.
func (s *Server) listPipelineJobs(c *gin.Context) {
	pipelineID := c.Param("id")
	opts := parseListOptions(c)

	result, err := s.store.ListByPipeline(c.Request.Context(), pipelineID, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pipelineId": pipelineID,
		"jobs":       result.Jobs,
		"total":      result.Total,
		"hasMore":    len(result.Jobs) == opts.Limit,
	})
}

// triggerRequest is the optional body of a manual pipeline trigger.
type triggerRequest struct {
	Data json.RawMessage `json:"data"`
}

// triggerPipeline handles POST /api/pipelines/:id/trigger.
func (s *Server) triggerPipeline(c *gin.Context) {
	pipelineID := c.Param("id")

	sched, ok := s.schedulerFor(pipelineID)
	if !ok {
		if s.registry != nil && s.registry.IsSupported(pipelineID) {
			c.JSON(http.StatusNotFound, gin.H{"error": "pipeline not registered on this instance"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline"})
		return
	}

	var req triggerRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}

	jobID := s.clk.NewID(pipelineID)
	job, err := sched.CreateJob(c.Request.Context(), jobID, models.RawJSON(req.Data))
	if err != nil {
		if err == scheduler.ErrShuttingDown {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": job.ID, "status": string(job.Status)})
}

// pausePipeline handles POST /api/pipelines/:id/pause.
func (s *Server) pausePipeline(c *gin.Context) {
	s.setPipelinePaused(c, true)
}

// resumePipeline handles POST /api/pipelines/:id/resume.
func (s *Server) resumePipeline(c *gin.Context) {
	s.setPipelinePaused(c, false)
}

func (s *Server) setPipelinePaused(c *gin.Context, paused bool) {
	pipelineID := c.Param("id")
	sched, ok := s.schedulerFor(pipelineID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline"})
		return
	}
	sched.SetPaused(paused)

	status := "running"
	if paused {
		status = "paused"
	}
	c.JSON(http.StatusOK, gin.H{"pipelineId": pipelineID, "status": status})
}

// pipelineStatus handles GET /api/pipelines/:id/status.
func (s *Server) pipelineStatus(c *gin.Context) {
	pipelineID := c.Param("id")
	sched, ok := s.schedulerFor(pipelineID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown pipeline"})
		return
	}

	status := "running"
	if sched.IsPaused() {
		status = "paused"
	}

	stats := sched.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"pipelineId": pipelineID,
		"status":     status,
		"stats": gin.H{
			"total":     stats.Total,
			"queued":    stats.Queued,
			"active":    stats.Active,
			"completed": stats.Completed,
			"failed":    stats.Failed,
			"cancelled": stats.Cancelled,
		},
	})
}

func parseListOptions(c *gin.Context) storage.ListOptions {
	opts := storage.ListOptions{
		Status:       models.JobStatus(c.Query("status")),
		Limit:        50,
		Offset:       0,
		IncludeTotal: true,
	}
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		opts.Offset = v
	}
	return opts
}
