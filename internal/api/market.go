package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agentmarket/internal/claim"
	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/registry"
	"agentmarket/internal/task"
	"agentmarket/internal/webhook"
)

type registerResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agent_id"`
	Version int64  `json:"version"`
	Created bool   `json:"created"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	// 注册请求由 registry 自行校验。
	var req registry.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	profile, created, err := s.deps.Registry.Register(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		Status:  "success",
		AgentID: profile.AgentID,
		Version: profile.Version,
		Created: created,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	cursor, err := registry.DecodeCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	opts := []registry.ListOption{
		registry.WithLimit(intParam(query.Get("limit"))),
		registry.WithOffset(intParam(query.Get("offset"))),
		registry.WithCursor(cursor),
		registry.WithQuery(query.Get("q")),
	}
	if tags := splitParams(query["tag"]); len(tags) > 0 {
		opts = append(opts, registry.WithTags(tags...))
	}
	page, err := s.deps.Registry.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	profile, err := s.deps.Registry.Lookup(r.Context(), strings.ToLower(chi.URLParam(r, "agent_id")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

type createTaskRequest struct {
	TaskID      string         `json:"task_id" validate:"omitempty,max=128"`
	BuyerID     string         `json:"buyer_id" validate:"omitempty,max=128"`
	Description string         `json:"description" validate:"required,max=8192"`
	Context     map[string]any `json:"context"`
	Complexity  string         `json:"complexity"`
}

type createTaskResponse struct {
	TaskID              string      `json:"task_id"`
	Status              task.Status `json:"status"`
	DeadlineAt          time.Time   `json:"deadline_at"`
	ClaimWindowClosesAt time.Time   `json:"claim_window_closes_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, isNew, err := s.deps.Tasks.Create(r.Context(), task.CreateRequest{
		TaskID:      req.TaskID,
		BuyerID:     req.BuyerID,
		Description: req.Description,
		Context:     req.Context,
		Complexity:  req.Complexity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !isNew {
		status = http.StatusOK
	}
	writeJSON(w, status, createTaskResponse{
		TaskID:              created.ID,
		Status:              created.Status,
		DeadlineAt:          created.DeadlineAt,
		ClaimWindowClosesAt: created.ClaimWindowClosesAt,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	current, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, current)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []task.ListOption{
		task.WithLimit(intParam(query.Get("limit"))),
		task.WithOffset(intParam(query.Get("offset"))),
		task.WithBuyer(query.Get("buyer_id")),
		task.WithQuery(query.Get("q")),
	}
	if statuses := splitParams(query["status"]); len(statuses) > 0 {
		converted := make([]task.Status, 0, len(statuses))
		for _, status := range statuses {
			converted = append(converted, task.Status(status))
		}
		opts = append(opts, task.WithStatuses(converted...))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	for param, option := range map[string]func(time.Time) task.ListOption{
		"updated_since": task.WithUpdatedSince,
		"updated_until": task.WithUpdatedUntil,
	} {
		raw := query.Get(param)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, param+" 需要 RFC 3339 时间",
				xerrors.WithMetadata("field", param)))
			return
		}
		opts = append(opts, option(ts))
	}
	tasks, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// reportableStatuses 是卖方可以远程上报的状态，claimed 只能经由报价选定到达。
var reportableStatuses = []task.Status{task.StatusExecuting, task.StatusDone, task.StatusFailed}

// handleReportStatus 接受选定卖方的状态上报，调用方以 X-Agent-ID 标识。
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	to := task.Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !slices.Contains(reportableStatuses, to) {
		writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "只能上报 executing、done 或 failed",
			xerrors.WithMetadata("field", "status")))
		return
	}
	taskID := chi.URLParam(r, "task_id")
	current, err := s.deps.Tasks.Get(r.Context(), taskID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	caller := strings.TrimSpace(r.Header.Get("X-Agent-ID"))
	if caller == "" || current.SelectedSellerID == "" || caller != current.SelectedSellerID {
		writeError(w, r, xerrors.New(xerrors.CodeForbidden, "只有选定的卖方可以上报任务状态",
			xerrors.WithMetadata("task_id", taskID)))
		return
	}
	updated, err := s.deps.Tasks.Transition(r.Context(), taskID, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type claimRequest struct {
	SellerID string     `json:"seller_id" validate:"required,max=128"`
	Terms    task.Terms `json:"terms"`
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	stored, err := s.deps.Claims.SubmitClaim(r.Context(), chi.URLParam(r, "task_id"), req.SellerID, req.Terms)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleListClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := s.deps.Claims.Claims(r.Context(), chi.URLParam(r, "task_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"claims": claims})
}

type selectRequest struct {
	Policy string `json:"policy"`
}

func (s *Server) handleSelectClaim(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var policy claim.Policy
	if req.Policy != "" {
		resolved, err := claim.PolicyByName(req.Policy)
		if err != nil {
			writeError(w, r, err)
			return
		}
		policy = resolved
	}
	selected, err := s.deps.Claims.SelectClaim(r.Context(), chi.URLParam(r, "task_id"), policy)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, selected)
}

type webhookRequest struct {
	TargetURL string   `json:"target_url" validate:"required,url"`
	Events    []string `json:"events" validate:"dive,required"`
	Secret    string   `json:"secret"`
}

func (s *Server) handleAddWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sub, err := s.deps.Subscriptions.Add(r.Context(), &webhook.Subscription{
		TargetURL: req.TargetURL,
		Events:    req.Events,
		Secret:    req.Secret,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.deps.Subscriptions.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func intParam(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return value
}

// splitParams 同时支持重复参数与逗号分隔。
func splitParams(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
