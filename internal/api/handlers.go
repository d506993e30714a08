package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/cklxx/nowhow/internal/pipeline"
	"github.com/cklxx/nowhow/internal/query"
)

const maxBodyBytes = 1 << 20

type startResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

type cancelResponse struct {
	WorkflowID string `json:"workflow_id"`
	Cancelled  bool   `json:"cancelled"`
}

type sourcesResponse struct {
	Sources []pipeline.Source `json:"sources"`
	Count   int               `json:"count"`
}

type deleteSourceResponse struct {
	SourceID string `json:"source_id"`
	Deleted  bool   `json:"deleted"`
}

func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	var req pipeline.StartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := s.workflows.Start(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{WorkflowID: id, Status: string(pipeline.StatusPending)})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.views.Workflows(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	view, err := s.views.Workflow(r.Context(), chi.URLParam(r, "workflow_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflow_id")
	cancelled, err := s.workflows.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{WorkflowID: id, Cancelled: cancelled})
}

func (s *Server) listArticles(w http.ResponseWriter, r *http.Request) {
	view, err := s.views.Articles(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listContent(w http.ResponseWriter, r *http.Request) {
	filter, err := parseContentFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.views.Content(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.views.ContentItem(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) contentStatistics(w http.ResponseWriter, r *http.Request) {
	view, err := s.views.Statistics(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.views.Sources()
	if sources == nil {
		sources = []pipeline.Source{}
	}
	writeJSON(w, http.StatusOK, sourcesResponse{Sources: sources, Count: len(sources)})
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	// Omitting "active" creates an active source.
	src := pipeline.Source{Active: true}
	if !decodeBody(w, r, &src) {
		return
	}
	created, err := s.opts.Sources.Create(r.Context(), src)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("source created", zap.String("source_id", created.ID), zap.String("url", created.URL))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, ok := s.opts.Sources.Get(chi.URLParam(r, "source_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	var patch pipeline.SourcePatch
	if !decodeBody(w, r, &patch) {
		return
	}
	updated, err := s.opts.Sources.Update(r.Context(), chi.URLParam(r, "source_id"), patch)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.opts.Sources.Delete(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("source deleted", zap.String("source_id", id))
	writeJSON(w, http.StatusOK, deleteSourceResponse{SourceID: id, Deleted: true})
}

func (s *Server) sourceStatistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Sources.Stats())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *pipeline.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed",
			zap.String("request_id", requestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func parseLimit(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func parseContentFilter(r *http.Request) (query.ContentFilter, error) {
	q := r.URL.Query()
	var f query.ContentFilter
	var err error
	if f.Limit, err = parseLimit(r, "limit"); err != nil {
		return f, err
	}
	if f.From, err = parseTime(q.Get("from"), "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime(q.Get("to"), "to"); err != nil {
		return f, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.New("invalid range: to is before from")
	}
	if raw := q.Get("min_relevance"); raw != "" {
		f.MinRelevance, err = strconv.ParseFloat(raw, 64)
		if err != nil {
			return f, errors.New("invalid min_relevance")
		}
	}
	f.Category = q.Get("category")
	return f, nil
}

func parseTime(raw, name string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: expected RFC 3339", name)
	}
	return t, nil
}
