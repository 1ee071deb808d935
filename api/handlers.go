package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/walletscope/wallet-reporter/models"
	"github.com/walletscope/wallet-reporter/reporter"
)

type submitRequest struct {
	WalletAddress string `json:"wallet_address"`
	FromBlock     *int64 `json:"from_block,omitempty"`
	ToBlock       *int64 `json:"to_block,omitempty"`
}

type jobResponse struct {
	ID            string     `json:"id"`
	WalletAddress string     `json:"wallet_address"`
	State         string     `json:"state"`
	Partial       bool       `json:"partial"`
	SegmentsDone  int        `json:"segments_done"`
	SegmentsTotal int        `json:"segments_total"`
	RecordCount   int64      `json:"record_count"`
	OutputSize    int64      `json:"output_size,omitempty"`
	DownloadURL   string     `json:"download_url,omitempty"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	done, total := job.Progress()
	resp := jobResponse{
		ID:            job.ID.String(),
		WalletAddress: job.Wallet,
		State:         job.State.String(),
		Partial:       job.Partial,
		SegmentsDone:  done,
		SegmentsTotal: total,
		RecordCount:   job.RecordCount,
		OutputSize:    job.OutputSize,
		Error:         job.Error,
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
		ExpiresAt:     job.ExpiresAt,
	}
	if job.State == models.JobCompleted {
		resp.DownloadURL = "/reports/" + job.ID.String() + "/download"
	}
	return resp
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, &models.ValidationError{Msg: "invalid request body"})
		return
	}

	var rng *models.BlockRange
	if req.FromBlock != nil || req.ToBlock != nil {
		rng = &models.BlockRange{End: models.OpenEndBlock}
		if req.FromBlock != nil {
			rng.Start = *req.FromBlock
		}
		if req.ToBlock != nil {
			rng.End = *req.ToBlock
		}
	}

	job, created, err := s.engine.Submit(r.Context(), req.WalletAddress, rng)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	s.writeJSON(w, status, toJobResponse(job))
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Msg: "invalid job id"})
		return
	}
	job, err := s.engine.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toJobResponse(job))
}

func (s *Server) handleCancelReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Msg: "invalid job id"})
		return
	}
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, &models.ValidationError{Msg: "invalid job id"})
		return
	}
	job, err := s.engine.Job(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.State != models.JobCompleted || job.OutputPath == "" {
		s.writeError(w, r, models.ErrJobNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="report_`+job.ID.String()+`.csv"`)
	http.ServeFile(w, r, job.OutputPath)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	opts := reporter.QueryOptions{
		Page:     queryInt(r, "page"),
		PageSize: queryInt(r, "page_size"),
	}

	types, err := queryTypes(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts.Types = types

	rng, err := queryRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	opts.Range = rng

	result, err := s.engine.Query(r.Context(), chi.URLParam(r, "address"), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summarize(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	types, err := queryTypes(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	address := chi.URLParam(r, "address")
	// The CSV headers go out on the first byte written, so refusals raised
	// before streaming starts (bad address, dataset too large) still map to
	// their error statuses.
	cw := &csvResponseWriter{ResponseWriter: w, filename: "transactions.csv"}
	if _, err := s.engine.Export(r.Context(), address, types, cw); err != nil {
		if !cw.wrote {
			s.writeError(w, r, err)
			return
		}
		s.log.Error("Export failed mid-stream", "address", address, "error", err)
	}
}

// csvResponseWriter defers the CSV response headers until the body actually
// starts, keeping the status line available for pre-stream errors.
type csvResponseWriter struct {
	http.ResponseWriter
	filename string
	wrote    bool
}

func (w *csvResponseWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="`+w.filename+`"`)
	}
	return w.ResponseWriter.Write(p)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.cache.Clear(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(r.URL.Query().Get(name))
	return v
}

func queryTypes(r *http.Request) ([]models.TxType, error) {
	raw := r.URL.Query().Get("types")
	if raw == "" {
		return nil, nil
	}
	var types []models.TxType
	for _, part := range strings.Split(raw, ",") {
		typ, ok := models.ParseTxType(strings.TrimSpace(part))
		if !ok {
			return nil, &models.ValidationError{Msg: "unknown transaction type: " + part}
		}
		types = append(types, typ)
	}
	return types, nil
}

func queryRange(r *http.Request) (*models.BlockRange, error) {
	startRaw := r.URL.Query().Get("start_block")
	endRaw := r.URL.Query().Get("end_block")
	if startRaw == "" && endRaw == "" {
		return nil, nil
	}
	rng := &models.BlockRange{End: models.OpenEndBlock}
	if startRaw != "" {
		v, err := strconv.ParseInt(startRaw, 10, 64)
		if err != nil || v < 0 {
			return nil, &models.ValidationError{Msg: "invalid start_block"}
		}
		rng.Start = v
	}
	if endRaw != "" {
		v, err := strconv.ParseInt(endRaw, 10, 64)
		if err != nil || v < 0 {
			return nil, &models.ValidationError{Msg: "invalid end_block"}
		}
		rng.End = v
	}
	return rng, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Unrecognized errors are
// internal by definition and keep their detail out of the response body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *models.ValidationError
	var upErr *models.UpstreamUnavailableError
	var stErr *models.StorageError

	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: verr.Error()})
	case errors.Is(err, models.ErrJobNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: "report not found"})
	case errors.Is(err, models.ErrDatasetTooLarge):
		s.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: "dataset too large for a direct query, submit a report job instead",
		})
	case errors.As(err, &upErr):
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "upstream data source unavailable"})
	case errors.As(err, &stErr):
		s.log.Error("Storage error", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	default:
		s.log.Error("Unhandled error", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("Failed to encode response", "error", err)
	}
}
