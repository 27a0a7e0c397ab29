package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限，触发载荷是不透明 JSON
const maxBodyBytes = 1 << 20

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, r *http.Request, data any) {
	writeData(w, r, http.StatusOK, data)
}

// WriteCreated 写入 201 响应
func WriteCreated(w http.ResponseWriter, r *http.Request, data any) {
	writeData(w, r, http.StatusCreated, data)
}

func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	resp := Response{Success: true, Data: data, Timestamp: time.Now()}
	if r != nil {
		resp.RequestID, _ = types.RequestID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteError 把任意错误映射为 JSON 错误响应。types.Error 之外的错误
// 统一为 INTERNAL_ERROR，不泄露原始文本。
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	e, ok := types.AsError(err)
	if !ok {
		e = types.NewError(types.ErrInternalError, "internal error").WithCause(err)
	}
	status := e.HTTPStatus
	if status == 0 {
		status = mapErrorCodeToHTTPStatus(e.Code)
	}

	if logger != nil {
		fields := []zap.Field{
			zap.String("code", string(e.Code)),
			zap.Int("status", status),
			zap.Error(err),
		}
		if r != nil {
			fields = append(fields, zap.String("path", r.URL.Path))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("request failed", fields...)
		} else {
			logger.Debug("request rejected", fields...)
		}
	}

	resp := Response{
		Success: false,
		Error: &ErrorInfo{
			Code:       string(e.Code),
			Message:    e.Message,
			Retryable:  e.Retryable,
			HTTPStatus: status,
		},
		Timestamp: time.Now(),
	}
	if r != nil {
		resp.RequestID, _ = types.RequestID(r.Context())
	}
	WriteJSON(w, status, resp)
}

// WriteErrorMessage 写入简单错误消息
func WriteErrorMessage(w http.ResponseWriter, r *http.Request, status int, code types.ErrorCode, message string, logger *zap.Logger) {
	WriteError(w, r, types.NewError(code, message).WithHTTPStatus(status), logger)
}

// =============================================================================
// 🔄 错误码到 HTTP 状态码映射
// =============================================================================

func mapErrorCodeToHTTPStatus(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation:
		return http.StatusBadRequest
	case types.ErrUnauthorized:
		return http.StatusUnauthorized
	case types.ErrForbidden:
		return http.StatusForbidden
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict:
		return http.StatusConflict
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrDegradedMode, types.ErrServiceUnavailable:
		return http.StatusServiceUnavailable
	case types.ErrUpstreamError:
		return http.StatusBadGateway
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// =============================================================================
// 🛡️ 请求解析辅助函数
// =============================================================================

// DecodeJSONBody 把有大小上限的严格 JSON 请求体解码到 dst
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return types.NewValidationError("request body is empty")
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return types.NewValidationError("Content-Type must be application/json")
	}

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return types.NewValidationError("request body exceeds %d bytes", maxErr.Limit)
		case errors.Is(err, io.EOF):
			return types.NewValidationError("request body is empty")
		default:
			return types.NewValidationError("invalid JSON body: %v", err)
		}
	}
	if dec.More() {
		return types.NewValidationError("request body must contain a single JSON object")
	}
	return nil
}

// queryInt 解析可选的非负整数查询参数
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, types.NewValidationError("%s must be a non-negative integer", name)
	}
	return n, nil
}

// queryTime 解析可选的 RFC 3339 查询参数
func queryTime(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, types.NewValidationError("%s must be RFC 3339", name)
	}
	return t, nil
}

// =============================================================================
// 👤 调用方身份
// =============================================================================

// 针对已认证主体检查的角色
const (
	RoleAdmin      = "admin"
	RoleApprover   = "approver"
	RoleSupervisor = "supervisor"
	RoleRuntime    = "runtime"
)

// actor 返回已认证主体，请求不带身份时返回 fallback。
func actor(r *http.Request, fallback string) string {
	if id, ok := types.UserID(r.Context()); ok {
		return id
	}
	return fallback
}

// authorize 对已认证主体检查角色。无身份的请求直接放行，认证由中间件负责。
func authorize(r *http.Request, roles ...string) error {
	if _, ok := types.UserID(r.Context()); !ok {
		return nil
	}
	if types.HasRole(r.Context(), RoleAdmin) {
		return nil
	}
	for _, role := range roles {
		if types.HasRole(r.Context(), role) {
			return nil
		}
	}
	return types.NewError(types.ErrForbidden, "principal lacks role "+strings.Join(roles, "|")).
		WithHTTPStatus(http.StatusForbidden)
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
	Bytes      int64
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.Bytes += int64(n)
	return n, err
}

// Unwrap 使 http.ResponseController 和 websocket 升级器能取到底层 writer。
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
