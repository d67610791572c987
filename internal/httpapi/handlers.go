package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/malscan/internal/config"
	"github.com/hazyhaar/malscan/internal/queue"
	"github.com/hazyhaar/malscan/internal/registry"
	"github.com/hazyhaar/malscan/internal/safety"
	"github.com/hazyhaar/malscan/internal/worker"
)

// uploadMeta is the advisory, client-supplied metadata validated before use.
type uploadMeta struct {
	Filename    string `validate:"max=255"`
	ContentType string `validate:"max=255"`
}

type uploadResponse struct {
	JobID     string    `json:"job_id"`
	FileID    string    `json:"file_id"`
	SHA256    string    `json:"sha256"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// handleUpload implements the Submission Endpoint (§4.C): validate size,
// hash, store, deduplicate, create a Job, publish, and respond — a publish
// failure is logged but does not fail the request, since the Job row is
// already committed and queryable.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	log := getLogger(r.Context())

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "MISSING_FIELD", "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	data, err := safety.LimitedReadAll(file, s.MaxFileSize)
	if errors.Is(err, safety.ErrTooLarge) {
		writeError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "upload exceeds the configured maximum size")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	meta := uploadMeta{Filename: header.Filename, ContentType: header.Header.Get("Content-Type")}
	if err := s.validate.Struct(meta); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_METADATA", err.Error())
		return
	}

	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	ctx := r.Context()
	if err := s.Store.Put(ctx, digest, data, meta.ContentType); err != nil {
		writeError(w, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}

	f, err := s.Registry.InsertFile(ctx, &registry.File{
		SHA256:      digest,
		Size:        int64(len(data)),
		Filename:    meta.Filename,
		ContentType: meta.ContentType,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	job, err := s.Registry.InsertJob(ctx, f.ID, s.StagesTotal)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	payload, _ := json.Marshal(worker.Message{
		JobID:            job.ID,
		FileID:           f.ID,
		StorageKey:       digest,
		SHA256:           digest,
		OriginalFilename: meta.Filename,
	})
	if err := publishWithRetry(ctx, s.Queue, job.ID, payload); err != nil {
		log.Error("publish failed after exhausting retries, job remains queryable but unprocessed", "job_id", job.ID, "error", err)
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		JobID:     job.ID,
		FileID:    f.ID,
		SHA256:    digest,
		Status:    string(registry.StatusQueued),
		CreatedAt: job.CreatedAt,
	})
}

// publishWithRetry applies config.PublishRetry's bounded exponential backoff
// to a single queue publish, mirroring the retry shape artifactstore uses
// for blob put/get.
func publishWithRetry(ctx context.Context, q *queue.Q, id string, payload []byte) error {
	var err error
	for attempt := 0; attempt <= len(config.PublishRetry); attempt++ {
		if err = q.Publish(ctx, id, payload); err == nil {
			return nil
		}
		if attempt == len(config.PublishRetry) {
			break
		}
		t := time.NewTimer(config.PublishRetry[attempt])
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("publish: exhausted retries: %w", err)
}

type progressView struct {
	CurrentStage *string `json:"current_stage"`
	StagesDone   int     `json:"stages_done"`
	StagesTotal  int     `json:"stages_total"`
	Percent      int     `json:"percent"`
}

type jobStatusResponse struct {
	JobID        string       `json:"job_id"`
	Status       string       `json:"status"`
	Progress     progressView `json:"progress"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ErrorMessage *string      `json:"error_message"`
}

// handleJobStatus implements read_status (§4.F).
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "job id is required")
		return
	}

	job, err := s.Registry.ReadJob(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	percent := 0
	if job.StagesTotal > 0 {
		percent = job.StagesDone * 100 / job.StagesTotal
	}

	resp := jobStatusResponse{
		JobID:  job.ID,
		Status: string(job.Status),
		Progress: progressView{
			StagesDone:  job.StagesDone,
			StagesTotal: job.StagesTotal,
			Percent:     percent,
		},
		UpdatedAt: job.UpdatedAt,
	}
	if job.CurrentStage.Valid {
		resp.Progress.CurrentStage = &job.CurrentStage.String
	}
	if job.ErrorMessage.Valid {
		resp.ErrorMessage = &job.ErrorMessage.String
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReport implements read_report (§4.F).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "job id is required")
		return
	}

	job, err := s.Registry.ReadJob(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	if job.Status != registry.StatusDone {
		writeError(w, http.StatusBadRequest, "NOT_COMPLETED", "job status is "+string(job.Status))
		return
	}
	if len(job.Result) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "report not available for job")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(job.Result)
}
