package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "agentmarket/internal/errors"
	"agentmarket/pkg/logger"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 将错误分类映射为 HTTP 状态码。
func statusFor(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindConflict:
		return http.StatusConflict
	case xerrors.KindAuthorization:
		return http.StatusForbidden
	case xerrors.KindRateLimited:
		return http.StatusTooManyRequests
	case xerrors.KindPayment:
		return http.StatusPaymentRequired
	case xerrors.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 输出统一错误体。非统一错误不会把原始信息透出给调用方。
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := xerrors.From(err)
	if !ok {
		logger.L().Error("未分类的错误", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: string(xerrors.CodeUnknown), Message: "internal error"})
		return
	}
	status := statusFor(e.Kind())
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.String("path", r.URL.Path), slog.String("code", string(e.Code())), slog.Any("error", err))
	}
	if retryAfter := e.Metadata()["retry_after"]; retryAfter != "" {
		w.Header().Set("Retry-After", retryAfter)
	}
	writeJSON(w, status, errorBody{Code: string(e.Code()), Message: e.Message()})
}

// decodeBody 解析请求体，空请求体视为 {}。
func decodeBody(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !stdErrors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体不是合法的 JSON")
	}
	return nil
}

// decodeJSON 解析请求体并执行结构校验。
func (s *Server) decodeJSON(r *http.Request, dst any) error {
	if err := decodeBody(r, dst); err != nil {
		return err
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if stdErrors.As(err, &verrs) && len(verrs) > 0 {
			field := strings.ToLower(verrs[0].Field())
			return xerrors.New(xerrors.CodeInvalidArgument, field+" 校验失败: "+verrs[0].Tag(),
				xerrors.WithMetadata("field", field))
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求参数不合法")
	}
	return nil
}
