package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/dao"
	"github.com/nimbusworks/taskpipe/internal/intake"
	"github.com/nimbusworks/taskpipe/internal/model"
)

// IntakeIface is the slice of the intake service the HTTP layer needs.
type IntakeIface interface {
	Submit(ctx context.Context, req intake.Request) (model.View, error)
	Get(ctx context.Context, key string) (model.View, error)
}

// ListerIface 可选：按状态列出提交，用于观测。
type ListerIface interface {
	ListByStatus(ctx context.Context, status consts.SubmissionStatus, limit int) ([]*model.Submission, error)
}

type SubmissionController struct {
	intake IntakeIface
	lister ListerIface
}

func (c *SubmissionController) submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Key           string `json:"nonce"`
		Email         string `json:"email"`
		Secret        string `json:"secret"`
		Task          string `json:"task"`
		Round         int    `json:"round"`
		Brief         string `json:"brief"`
		EvaluationURL string `json:"evaluation_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "INVALID_JSON")
		return
	}
	view, err := c.intake.Submit(r.Context(), intake.Request{
		SubmitKey:     req.Key,
		Subject:       req.Email,
		Secret:        req.Secret,
		TaskName:      req.Task,
		Round:         req.Round,
		Brief:         req.Brief,
		EvaluationURL: req.EvaluationURL,
	})
	if err != nil {
		switch {
		case errors.Is(err, intake.ErrUnauthorized):
			writeErr(w, http.StatusForbidden, "INVALID_SECRET")
		case errors.Is(err, intake.ErrInvalidRequest):
			writeErr(w, http.StatusBadRequest, "INVALID_ARGUMENT")
		case errors.Is(err, intake.ErrStoreUnavailable):
			writeErr(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
		default:
			writeErr(w, http.StatusInternalServerError, "INTERNAL")
		}
		return
	}
	writeJSON(w, view)
}

func (c *SubmissionController) get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	view, err := c.intake.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "NOT_FOUND")
			return
		}
		writeErr(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	writeJSON(w, view)
}

func (c *SubmissionController) list(w http.ResponseWriter, r *http.Request) {
	if c.lister == nil {
		writeErr(w, http.StatusNotImplemented, "NOT_SUPPORTED")
		return
	}
	status := consts.SubmissionStatus(r.URL.Query().Get("status"))
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := c.lister.ListByStatus(r.Context(), status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "INTERNAL")
		return
	}
	views := make([]model.View, 0, len(list))
	for _, s := range list {
		views = append(views, model.ViewOf(s))
	}
	writeJSON(w, views)
}
