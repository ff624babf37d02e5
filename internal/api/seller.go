package api

import (
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/execution"
	"agentmarket/internal/payment"
	"agentmarket/pkg/logger"
)

type executeRequest struct {
	TaskID          string            `json:"task_id" validate:"omitempty,max=128"`
	TaskDescription string            `json:"task_description" validate:"required,max=8192"`
	Context         map[string]any    `json:"context"`
	Secrets         map[string]string `json:"secrets"`
	Complexity      string            `json:"complexity"`
}

type executeResponse struct {
	TaskID      string           `json:"task_id"`
	BuyerSecret string           `json:"buyer_secret"`
	Status      execution.Status `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	DeadlineAt  time.Time        `json:"deadline_at"`
}

// paymentRequiredBody 是 x402 的 402 响应体。
type paymentRequiredBody struct {
	X402Version int                    `json:"x402Version"`
	Accepts     []payment.Requirements `json:"accepts"`
	Error       string                 `json:"error"`
	Code        string                 `json:"error_code"`
}

// handleExecute 实现付费执行：无凭证返回 402，凭证被接受后创建执行记录并返回买方密钥。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.TaskID = strings.TrimSpace(req.TaskID)

	reqs, err := s.deps.Gate.ChallengeFor(req.TaskID, OperationExecute)
	if err != nil {
		writeError(w, r, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "未配置执行报价"))
		return
	}

	header := r.Header.Get(payment.HeaderPayment)
	if header == "" {
		header = r.Header.Get(payment.HeaderPaymentProof)
	}
	payload, err := payment.DecodeHeader(header)
	if err != nil {
		s.paymentRequired(w, r, reqs, err)
		return
	}
	fingerprint, _, err := s.deps.Gate.Identify(payload, reqs)
	if err != nil {
		s.paymentRequired(w, r, reqs, err)
		return
	}

	if rec, secret, ok := s.deps.Machine.Replay(r.Context(), fingerprint, req.TaskID); ok {
		logger.L().Info("重复提交的支付凭证，返回首次受理结果", slog.String("task_id", rec.TaskID))
		writeJSON(w, http.StatusAccepted, acceptedResponse(rec, secret))
		return
	}

	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}
	// 请求在消费支付之前完成全部校验并占用任务 ID，失败不会用掉凭证。
	adm, err := s.deps.Machine.Prepare(execution.AcceptRequest{
		TaskID:      req.TaskID,
		Description: req.TaskDescription,
		Context:     req.Context,
		Secrets:     execution.Secrets(req.Secrets),
		Complexity:  req.Complexity,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Machine.Hold(r.Context(), adm); err != nil {
		if stdErrors.Is(err, execution.ErrRecordExists) {
			s.executionExists(w, r, fingerprint, req.TaskID)
			return
		}
		writeError(w, r, err)
		return
	}
	defer s.deps.Machine.Release(r.Context(), adm)

	acceptance, err := s.deps.Gate.VerifyAndConsume(r.Context(), req.TaskID, payload, reqs)
	if err != nil {
		if owner := xerrors.MetadataOf(err, "owner_task_id"); owner != "" && owner == req.TaskID {
			writeError(w, r, inProgress(req.TaskID))
			return
		}
		if xerrors.KindOf(err) == xerrors.KindPayment {
			s.paymentRequired(w, r, reqs, err)
			return
		}
		writeError(w, r, err)
		return
	}

	rec, secret, err := s.deps.Machine.Confirm(r.Context(), acceptance, adm)
	if err != nil {
		logger.L().Error("支付已消费但执行记录创建失败",
			slog.String("task_id", req.TaskID),
			slog.String("fingerprint", acceptance.Fingerprint()),
			slog.Any("error", err),
		)
		writeError(w, r, err)
		return
	}

	if settlement := acceptance.Settlement(); settlement != nil {
		if encoded, err := payment.EncodeSettlement(settlement); err == nil {
			w.Header().Set(payment.HeaderPaymentResponse, encoded)
		}
	}
	writeJSON(w, http.StatusAccepted, acceptedResponse(rec, secret))
}

// executionExists 处理任务已有执行记录的情况：同一凭证的重试得到首次结果或进行中提示，
// 其它凭证得到 409 且不会被消费。
func (s *Server) executionExists(w http.ResponseWriter, r *http.Request, fingerprint, taskID string) {
	if rec, secret, ok := s.deps.Machine.Replay(r.Context(), fingerprint, taskID); ok {
		writeJSON(w, http.StatusAccepted, acceptedResponse(rec, secret))
		return
	}
	owner, err := s.deps.Gate.Owner(r.Context(), fingerprint)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if owner == taskID {
		writeError(w, r, inProgress(taskID))
		return
	}
	writeError(w, r, execution.ErrRecordExists.With(xerrors.WithMetadata("task_id", taskID)))
}

func inProgress(taskID string) error {
	return execution.ErrInProgress.With(
		xerrors.WithMetadata("task_id", taskID),
		xerrors.WithMetadata("retry_after", "1"),
	)
}

func acceptedResponse(rec *execution.Record, secret string) executeResponse {
	return executeResponse{
		TaskID:      rec.TaskID,
		BuyerSecret: secret,
		Status:      rec.Status,
		CreatedAt:   rec.CreatedAt,
		DeadlineAt:  rec.DeadlineAt,
	}
}

// paymentRequired 输出带最新支付要求的 402。非支付类错误按常规映射。
func (s *Server) paymentRequired(w http.ResponseWriter, r *http.Request, reqs []payment.Requirements, cause error) {
	e, ok := xerrors.From(cause)
	if !ok || e.Kind() != xerrors.KindPayment {
		writeError(w, r, cause)
		return
	}
	writeJSON(w, http.StatusPaymentRequired, paymentRequiredBody{
		X402Version: payment.X402Version,
		Accepts:     reqs,
		Error:       e.Message(),
		Code:        string(e.Code()),
	})
}

// handlePoll 返回执行结果。缺少密钥、密钥错误与未知任务返回同样的 403。
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Machine.Poll(r.Context(), chi.URLParam(r, "task_id"), buyerSecret(r))
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindAuthorization {
			writeJSON(w, http.StatusForbidden, errorBody{Code: string(xerrors.CodeForbidden), Message: "forbidden"})
			return
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
