package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/service"
)

// CreateJobRequest represents the job creation request
type CreateJobRequest struct {
	URL             string `json:"url" binding:"required"`
	IntervalSeconds int    `json:"interval_seconds"`
	Mode            string `json:"mode"`
	WebhookURL      string `json:"webhook_url"`
}

// UpdateJobRequest represents a partial job update
type UpdateJobRequest struct {
	IntervalSeconds *int    `json:"interval_seconds"`
	Mode            *string `json:"mode"`
	WebhookURL      *string `json:"webhook_url"`
	Status          *string `json:"status"`
}

// RunNowResponse tells the caller whether a new check was queued, an
// in-flight one joined, or the request skipped
type RunNowResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkRequest represents a bulk operation request
type BulkRequest struct {
	Action string   `json:"action" binding:"required,oneof=run delete pause resume"`
	IDs    []string `json:"ids" binding:"required,min=1,max=100"`
}

// writeError maps service errors onto HTTP responses
func writeError(c *gin.Context, err error, op string) {
	switch {
	case service.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case service.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
	case errors.Is(err, service.ErrNoRunner):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Scheduler is not running"})
	default:
		log.Error().Err(err).Str("op", op).Msg("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

// ListJobsHandler handles job listing, optionally filtered by status
func ListJobsHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := db.JobStatus(strings.TrimSpace(c.Query("status")))
		switch status {
		case "", db.JobActive, db.JobPaused, db.JobError:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, paused or error"})
			return
		}

		list, err := jobs.List(c.Request.Context(), status)
		if err != nil {
			writeError(c, err, "list jobs")
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

// CreateJobHandler handles job creation
func CreateJobHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Debug().Err(err).Msg("Job creation validation error")
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		job, err := jobs.Create(c.Request.Context(), service.CreateJobInput{
			URL:             req.URL,
			IntervalSeconds: req.IntervalSeconds,
			Mode:            db.JobMode(strings.ToLower(strings.TrimSpace(req.Mode))),
			WebhookURL:      strings.TrimSpace(req.WebhookURL),
		})
		if err != nil {
			writeError(c, err, "create job")
			return
		}

		log.Info().Str("job_id", job.ID).Str("url", job.URL).Int("interval_seconds", job.IntervalSeconds).Msg("Created job")
		c.JSON(http.StatusCreated, job)
	}
}

// GetJobHandler handles retrieving a single job
func GetJobHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		job, err := jobs.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err, "get job")
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// UpdateJobHandler handles partial job updates, including pause and resume
func UpdateJobHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request: " + err.Error()})
			return
		}

		in := service.UpdateJobInput{
			IntervalSeconds: req.IntervalSeconds,
			WebhookURL:      req.WebhookURL,
		}
		if req.Mode != nil {
			mode := db.JobMode(strings.ToLower(*req.Mode))
			in.Mode = &mode
		}
		if req.Status != nil {
			status := db.JobStatus(strings.ToLower(*req.Status))
			in.Status = &status
		}

		job, err := jobs.Update(c.Request.Context(), c.Param("id"), in)
		if err != nil {
			writeError(c, err, "update job")
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// DeleteJobHandler deletes a job, its runs and any in-flight check
func DeleteJobHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := jobs.Delete(c.Request.Context(), id); err != nil {
			writeError(c, err, "delete job")
			return
		}

		log.Info().Str("job_id", id).Msg("Deleted job")
		c.Status(http.StatusNoContent)
	}
}

// ListRunsHandler returns the runs of a job, most recent first
func ListRunsHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := service.DefaultRunsLimit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 || parsed > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
				return
			}
			limit = parsed
		}

		runs, err := jobs.ListRuns(c.Request.Context(), c.Param("id"), limit)
		if err != nil {
			writeError(c, err, "list runs")
			return
		}
		c.JSON(http.StatusOK, runs)
	}
}

// RunNowHandler starts a manual check and returns without waiting for it
func RunNowHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		res, err := jobs.RunNow(c.Request.Context(), id)
		if err != nil {
			writeError(c, err, "run job")
			return
		}

		if res.Skipped {
			log.Info().Str("job_id", id).Str("reason", res.Reason).Msg("Manual check skipped")
			c.JSON(http.StatusOK, RunNowResponse{Status: "skipped", Reason: res.Reason})
			return
		}

		status := "queued"
		if res.Joined {
			status = "joined"
		}
		log.Info().Str("job_id", id).Str("run_id", res.RunID).Str("status", status).Msg("Manual check requested")
		c.JSON(http.StatusAccepted, RunNowResponse{Status: status, RunID: res.RunID})
	}
}

// BulkHandler applies one action to many jobs. Unknown ids are reported
// back rather than failing the whole request.
func BulkHandler(jobs *service.JobService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BulkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bulk request: " + err.Error()})
			return
		}

		ctx := c.Request.Context()
		affected := 0
		missing := make([]string, 0)
		skipped := make([]string, 0)
		for _, id := range req.IDs {
			var err error
			switch req.Action {
			case "run":
				var res service.TriggerResult
				res, err = jobs.RunNow(ctx, id)
				if err == nil && res.Skipped {
					skipped = append(skipped, id)
					continue
				}
			case "delete":
				err = jobs.Delete(ctx, id)
			case "pause", "resume":
				status := db.JobPaused
				if req.Action == "resume" {
					status = db.JobActive
				}
				_, err = jobs.Update(ctx, id, service.UpdateJobInput{Status: &status})
			}

			if service.IsNotFound(err) {
				missing = append(missing, id)
				continue
			}
			if err != nil {
				writeError(c, err, "bulk "+req.Action)
				return
			}
			affected++
		}

		log.Info().Str("action", req.Action).Int("affected", affected).Msg("Bulk operation completed")
		c.JSON(http.StatusOK, gin.H{
			"action":    req.Action,
			"affected":  affected,
			"not_found": missing,
			"skipped":   skipped,
		})
	}
}
