package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/agentgov/governance/execution"
	"github.com/BaSui01/agentgov/governance/supervision"
	"github.com/BaSui01/agentgov/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// =============================================================================
// 监督会话
// =============================================================================

// SessionService 监督接口
type SessionService interface {
	SuperviseControl(ctx context.Context, sessionID string, op supervision.Op, payload json.RawMessage) (*supervision.Session, error)
	Session(id string) (*supervision.Session, error)
	Sessions(agentID string) []*supervision.Session
	SubscribeSession(id string) (<-chan supervision.Event, func(), error)
}

// SessionHandler 处理监督控制和观察者推送流
type SessionHandler struct {
	svc            SessionService
	logger         *zap.Logger
	writeTimeout   time.Duration
	originPatterns []string
}

// ControlRequest 携带可选的纠正载荷
type ControlRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SessionHandlerOption 配置 SessionHandler
type SessionHandlerOption func(*SessionHandler)

// WithOriginPatterns 允许来自给定主机模式的跨域 WebSocket 升级。
func WithOriginPatterns(patterns ...string) SessionHandlerOption {
	return func(h *SessionHandler) { h.originPatterns = patterns }
}

// NewSessionHandler 创建监督会话处理器
func NewSessionHandler(svc SessionService, logger *zap.Logger, opts ...SessionHandlerOption) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &SessionHandler{
		svc:          svc,
		logger:       logger.With(zap.String("handler", "sessions")),
		writeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 挂载会话路由
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions", h.HandleList)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
	mux.HandleFunc("GET /api/v1/sessions/{id}/stream", h.HandleStream)
	mux.HandleFunc("POST /api/v1/sessions/{id}/{op}", h.HandleControl)
}

func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, h.svc.Sessions(r.URL.Query().Get("agent_id")))
}

func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.Session(r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, s)
}

// HandleControl 执行 pause、resume、correct 或 terminate
func (h *SessionHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleSupervisor); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	op, err := supervision.ParseOp(r.PathValue("op"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req ControlRequest
	if r.ContentLength != 0 {
		if err := DecodeJSONBody(w, r, &req); err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
	}
	s, err := h.svc.SuperviseControl(r.Context(), r.PathValue("id"), op, req.Payload)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, s)
}

// HandleStream 升级为 WebSocket，先发送当前状态快照，再以 JSON 文本帧转发
// 会话事件。会话结束或订阅者落后时关闭连接。
func (h *SessionHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snapshot, err := h.svc.Session(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	events, cancel, err := h.svc.SubscribeSession(id)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	defer cancel()

	// 清除写超时，长连接不受其限制
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// 观察者不发送数据；CloseRead 处理控制帧并在客户端断开时取消 ctx。
	ctx := conn.CloseRead(r.Context())

	first := supervision.Event{
		SessionID: id,
		Type:      supervision.EventState,
		State:     snapshot.State,
		Progress:  snapshot.Progress,
		At:        time.Now().UTC(),
	}
	if err := h.writeEvent(ctx, conn, first); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "session closed")
				return
			}
			if err := h.writeEvent(ctx, conn, ev); err != nil {
				h.logger.Debug("websocket write failed", zap.String("session_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (h *SessionHandler) writeEvent(ctx context.Context, conn *websocket.Conn, ev supervision.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// =============================================================================
// 运行时回调
// =============================================================================

// RuntimeCallbacks 接收执行运行时事件
type RuntimeCallbacks interface {
	OnProgress(ctx context.Context, ev execution.Event)
	OnComplete(ctx context.Context, ev execution.Event)
	OnError(ctx context.Context, ev execution.Event)
}

// RuntimeHandler 接收通过 HTTP 而非 Redis 事件流上报的运行时回调。
type RuntimeHandler struct {
	svc    RuntimeCallbacks
	token  string
	logger *zap.Logger
}

// NewRuntimeHandler 创建运行时回调处理器。token 非空时校验 X-Runtime-Token。
func NewRuntimeHandler(svc RuntimeCallbacks, token string, logger *zap.Logger) *RuntimeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RuntimeHandler{svc: svc, token: token, logger: logger.With(zap.String("handler", "runtime"))}
}

// Register 挂载回调路由
func (h *RuntimeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runtime/events", h.HandleEvent)
}

// HandleEvent 返回 202，未知或已结束句柄的回调由引擎忽略而不是拒绝。
func (h *RuntimeHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if h.token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Runtime-Token")), []byte(h.token)) != 1 {
		WriteError(w, r, types.NewError(types.ErrUnauthorized, "invalid runtime token").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}
	var ev execution.Event
	if err := DecodeJSONBody(w, r, &ev); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if ev.HandleID == "" {
		WriteError(w, r, types.NewValidationError("handle_id is required"), h.logger)
		return
	}
	if ev.Compliance != nil && (*ev.Compliance < 0 || *ev.Compliance > 1) {
		WriteError(w, r, types.NewValidationError("compliance outside [0,1]"), h.logger)
		return
	}
	switch ev.Kind {
	case execution.EventProgress:
		h.svc.OnProgress(r.Context(), ev)
	case execution.EventComplete:
		h.svc.OnComplete(r.Context(), ev)
	case execution.EventError:
		h.svc.OnError(r.Context(), ev)
	default:
		WriteError(w, r, types.NewValidationError("unknown event kind %q", ev.Kind), h.logger)
		return
	}
	writeData(w, r, http.StatusAccepted, map[string]string{"handle_id": ev.HandleID, "kind": string(ev.Kind)})
}
