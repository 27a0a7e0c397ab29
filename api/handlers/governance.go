package handlers

import (
	"context"
	"net/http"

	"github.com/BaSui01/agentgov/governance/audit"
	"github.com/BaSui01/agentgov/governance/graduation"
	"github.com/BaSui01/agentgov/governance/interceptor"
	"github.com/BaSui01/agentgov/governance/proposal"
	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// =============================================================================
// 触发
// =============================================================================

// TriggerService 路由自动触发
type TriggerService interface {
	SubmitTrigger(ctx context.Context, req types.ActionRequest) (interceptor.Outcome, error)
}

// TriggerHandler 接收来自调度器、webhook 和事件总线的触发
type TriggerHandler struct {
	svc    TriggerService
	logger *zap.Logger
}

// NewTriggerHandler 创建触发器处理器
func NewTriggerHandler(svc TriggerService, logger *zap.Logger) *TriggerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TriggerHandler{svc: svc, logger: logger.With(zap.String("handler", "triggers"))}
}

// Register 挂载触发路由
func (h *TriggerHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/triggers", h.HandleSubmit)
}

// HandleSubmit EXECUTE 返回 200，PROPOSE 和 SUPERVISE 返回 202，BLOCK 返回 403，
// 响应体始终携带处理结果。
func (h *TriggerHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.ActionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("Idempotency-Key")
	}
	out, err := h.svc.SubmitTrigger(r.Context(), req)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	status := http.StatusOK
	switch out.Routing {
	case types.RoutingPropose, types.RoutingSupervise:
		status = http.StatusAccepted
	case types.RoutingBlock:
		status = http.StatusForbidden
	}
	writeData(w, r, status, out)
}

// =============================================================================
// 提案
// =============================================================================

// ProposalService 提案流程接口
type ProposalService interface {
	DecideProposal(ctx context.Context, proposalID string, approve bool, by, comment string) (*proposal.Proposal, error)
	RedispatchProposal(ctx context.Context, proposalID string) (*proposal.Proposal, error)
	Proposal(ctx context.Context, id string) (*proposal.Proposal, error)
	Proposals(ctx context.Context, f proposal.ListFilter) ([]*proposal.Proposal, error)
}

// ProposalHandler 供审批人列出并决定 INTERN 层级提案
type ProposalHandler struct {
	svc    ProposalService
	logger *zap.Logger
}

// DecideProposalRequest 批准或拒绝提案。仅当请求不带已认证身份时
// 才采用 DecidedBy。
type DecideProposalRequest struct {
	Approve   bool   `json:"approve"`
	Comment   string `json:"comment,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

// NewProposalHandler 创建提案处理器
func NewProposalHandler(svc ProposalService, logger *zap.Logger) *ProposalHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProposalHandler{svc: svc, logger: logger.With(zap.String("handler", "proposals"))}
}

// Register 挂载提案路由
func (h *ProposalHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/proposals", h.HandleList)
	mux.HandleFunc("GET /api/v1/proposals/{id}", h.HandleGet)
	mux.HandleFunc("POST /api/v1/proposals/{id}/decision", h.HandleDecide)
	mux.HandleFunc("POST /api/v1/proposals/{id}/redispatch", h.HandleRedispatch)
}

func (h *ProposalHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := proposal.ListFilter{AgentID: q.Get("agent_id")}
	if raw := q.Get("status"); raw != "" {
		s := proposal.Status(raw)
		if !s.Terminal() && s != proposal.StatusPending {
			WriteError(w, r, types.NewValidationError("unknown proposal status %q", raw), h.logger)
			return
		}
		f.Status = s
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	ps, err := h.svc.Proposals(r.Context(), f)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, ps)
}

func (h *ProposalHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Proposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, p)
}

func (h *ProposalHandler) HandleDecide(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleApprover); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req DecideProposalRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	by := actor(r, req.DecidedBy)
	if by == "" {
		WriteError(w, r, types.NewValidationError("decided_by is required"), h.logger)
		return
	}
	p, err := h.svc.DecideProposal(r.Context(), r.PathValue("id"), req.Approve, by, req.Comment)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, p)
}

func (h *ProposalHandler) HandleRedispatch(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleApprover); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	p, err := h.svc.RedispatchProposal(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, p)
}

// =============================================================================
// 晋级考试
// =============================================================================

// ExamService 运行并列出晋级考试
type ExamService interface {
	RunGraduationExam(ctx context.Context, agentID string, target types.MaturityTier, mode graduation.Mode) (*graduation.Result, error)
	ExamResults(ctx context.Context, agentID string) ([]*graduation.Result, error)
}

// ExamHandler 处理晋级考试
type ExamHandler struct {
	svc    ExamService
	logger *zap.Logger
}

// RunExamRequest 指定目标层级和场景模式
type RunExamRequest struct {
	Target string `json:"target"`
	Mode   string `json:"mode,omitempty"`
}

// NewExamHandler 创建毕业考试处理器
func NewExamHandler(svc ExamService, logger *zap.Logger) *ExamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExamHandler{svc: svc, logger: logger.With(zap.String("handler", "exams"))}
}

// Register 挂载考试路由
func (h *ExamHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agents/{id}/exams", h.HandleRun)
	mux.HandleFunc("GET /api/v1/agents/{id}/exams", h.HandleResults)
}

// HandleRun 无论是否通过都以 200 返回结果，考试未通过不是错误。
func (h *ExamHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req RunExamRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	target, err := types.ParseMaturityTier(req.Target)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	mode, err := graduation.ParseMode(req.Mode)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	res, err := h.svc.RunGraduationExam(r.Context(), r.PathValue("id"), target, mode)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

func (h *ExamHandler) HandleResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.ExamResults(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, res)
}

// =============================================================================
// 审计
// =============================================================================

// AuditService 查询并校验审计轨迹
type AuditService interface {
	AuditTrail(ctx context.Context, f audit.Filter) ([]*audit.Record, error)
	VerifyAuditChain(ctx context.Context, agentID string) error
}

// AuditHandler 只读暴露只追加的审计日志
type AuditHandler struct {
	svc    AuditService
	logger *zap.Logger
}

// ChainStatus 哈希链校验结果
type ChainStatus struct {
	AgentID string `json:"agent_id"`
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
}

// NewAuditHandler 创建审计处理器
func NewAuditHandler(svc AuditService, logger *zap.Logger) *AuditHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditHandler{svc: svc, logger: logger.With(zap.String("handler", "audit"))}
}

// Register 挂载审计路由
func (h *AuditHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/audit", h.HandleQuery)
	mux.HandleFunc("GET /api/v1/agents/{id}/audit", h.HandleQuery)
	mux.HandleFunc("GET /api/v1/agents/{id}/audit/verify", h.HandleVerify)
}

func (h *AuditHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	f, err := auditFilter(r)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	records, err := h.svc.AuditTrail(r.Context(), f)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, records)
}

// HandleVerify 链完整返回 200，损坏返回 409
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.svc.VerifyAuditChain(r.Context(), id)
	switch {
	case err == nil:
		WriteSuccess(w, r, ChainStatus{AgentID: id, Valid: true})
	case types.IsErrorCode(err, types.ErrValidation):
		WriteError(w, r, err, h.logger)
	default:
		h.logger.Warn("audit chain verification failed", zap.String("agent_id", id), zap.Error(err))
		writeData(w, r, http.StatusConflict, ChainStatus{AgentID: id, Valid: false, Error: err.Error()})
	}
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{AgentID: r.PathValue("id"), RefID: q.Get("ref_id")}
	if f.AgentID == "" {
		f.AgentID = q.Get("agent_id")
	}
	for _, et := range q["event_type"] {
		f.EventTypes = append(f.EventTypes, audit.EventType(et))
	}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		return f, err
	}
	after, err := queryInt(r, "after_seq")
	if err != nil {
		return f, err
	}
	f.AfterSeq = uint64(after)
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	return f, nil
}

// =============================================================================
// 配置视图
// =============================================================================

// ConfigView 返回运行配置的脱敏快照
type ConfigView func() map[string]any

// ConfigHandler 提供脱敏后的运行配置
type ConfigHandler struct {
	view   ConfigView
	logger *zap.Logger
}

// NewConfigHandler 创建配置查看处理器
func NewConfigHandler(view ConfigView, logger *zap.Logger) *ConfigHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigHandler{view: view, logger: logger}
}

// Register 挂载配置路由
func (h *ConfigHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/config", h.HandleGet)
}

func (h *ConfigHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, h.view())
}
