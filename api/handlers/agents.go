package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/BaSui01/agentgov/governance/maturity"
	"github.com/BaSui01/agentgov/types"
	"go.uber.org/zap"
)

// =============================================================================
// 智能体管理
// =============================================================================

// AgentService 智能体端点使用的治理引擎接口
type AgentService interface {
	RegisterAgent(ctx context.Context, id, name, actor string) (*types.Agent, error)
	OverrideTier(ctx context.Context, id string, tier types.MaturityTier, actor, reason string) (*types.Agent, error)
	RestrictCapabilities(ctx context.Context, id string, caps []types.ActionComplexity, actor string) (*types.Agent, error)
	Deactivate(ctx context.Context, id, actor string) (*types.Agent, error)
	Reactivate(ctx context.Context, id, actor string) (*types.Agent, error)
	Agent(ctx context.Context, id string) (*types.Agent, error)
	Agents(ctx context.Context, f maturity.ListFilter) ([]*types.Agent, error)
	RecordEpisodeOutcome(ctx context.Context, outcome types.EpisodeOutcome) (*types.Agent, error)
	CheckPermission(ctx context.Context, agentID string, complexity types.ActionComplexity) (types.GovernanceDecision, error)
}

// AgentHandler 处理注册、层级管理、任务记录和权限查询。
type AgentHandler struct {
	svc    AgentService
	logger *zap.Logger
}

// RegisterAgentRequest 注册新的 STUDENT 智能体
type RegisterAgentRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// OverrideTierRequest 以管理方式设置层级
type OverrideTierRequest struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
}

// RestrictCapabilitiesRequest 缩小智能体允许的复杂度
type RestrictCapabilitiesRequest struct {
	Capabilities []types.ActionComplexity `json:"capabilities"`
}

// RecordEpisodeRequest 上报一次已完成的任务
type RecordEpisodeRequest struct {
	Success           bool    `json:"success"`
	HumanIntervened   bool    `json:"human_intervened"`
	ComplianceScore   float64 `json:"compliance_score"`
	CriticalViolation bool    `json:"critical_violation"`
	RefID             string  `json:"ref_id,omitempty"`
}

// NewAgentHandler 创建 Agent 管理处理器
func NewAgentHandler(svc AgentService, logger *zap.Logger) *AgentHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AgentHandler{svc: svc, logger: logger.With(zap.String("handler", "agents"))}
}

// Register 挂载智能体路由
func (h *AgentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/agents", h.HandleRegister)
	mux.HandleFunc("GET /api/v1/agents", h.HandleList)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.HandleGet)
	mux.HandleFunc("PUT /api/v1/agents/{id}/tier", h.HandleOverrideTier)
	mux.HandleFunc("PUT /api/v1/agents/{id}/capabilities", h.HandleRestrictCapabilities)
	mux.HandleFunc("POST /api/v1/agents/{id}/deactivate", h.HandleDeactivate)
	mux.HandleFunc("POST /api/v1/agents/{id}/reactivate", h.HandleReactivate)
	mux.HandleFunc("POST /api/v1/agents/{id}/episodes", h.HandleRecordEpisode)
	mux.HandleFunc("GET /api/v1/agents/{id}/permissions/{complexity}", h.HandleCheckPermission)
}

func (h *AgentHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req RegisterAgentRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := h.svc.RegisterAgent(r.Context(), req.ID, req.Name, actor(r, "admin"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteCreated(w, r, a)
}

func (h *AgentHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var f maturity.ListFilter
	q := r.URL.Query()
	if raw := q.Get("tier"); raw != "" {
		tier, err := types.ParseMaturityTier(raw)
		if err != nil {
			WriteError(w, r, err, h.logger)
			return
		}
		f.Tier = tier
	}
	f.ActiveOnly = q.Get("active_only") == "true"
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	agents, err := h.svc.Agents(r.Context(), f)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, agents)
}

func (h *AgentHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	a, err := h.svc.Agent(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, a)
}

func (h *AgentHandler) HandleOverrideTier(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req OverrideTierRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	tier, err := types.ParseMaturityTier(req.Tier)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := h.svc.OverrideTier(r.Context(), r.PathValue("id"), tier, actor(r, "admin"), req.Reason)
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, a)
}

func (h *AgentHandler) HandleRestrictCapabilities(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req RestrictCapabilitiesRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := h.svc.RestrictCapabilities(r.Context(), r.PathValue("id"), req.Capabilities, actor(r, "admin"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, a)
}

func (h *AgentHandler) HandleDeactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.Deactivate)
}

func (h *AgentHandler) HandleReactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, h.svc.Reactivate)
}

func (h *AgentHandler) setActive(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id, actor string) (*types.Agent, error)) {
	if err := authorize(r, RoleAdmin); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := fn(r.Context(), r.PathValue("id"), actor(r, "admin"))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, a)
}

func (h *AgentHandler) HandleRecordEpisode(w http.ResponseWriter, r *http.Request) {
	if err := authorize(r, RoleRuntime, RoleSupervisor); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	var req RecordEpisodeRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	a, err := h.svc.RecordEpisodeOutcome(r.Context(), types.EpisodeOutcome{
		AgentID:           r.PathValue("id"),
		Success:           req.Success,
		HumanIntervened:   req.HumanIntervened,
		ComplianceScore:   req.ComplianceScore,
		CriticalViolation: req.CriticalViolation,
		Source:            types.EpisodeManual,
		RefID:             req.RefID,
	})
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, a)
}

func (h *AgentHandler) HandleCheckPermission(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("complexity"))
	if err != nil {
		WriteError(w, r, types.NewValidationError("complexity must be an integer"), h.logger)
		return
	}
	d, err := h.svc.CheckPermission(r.Context(), r.PathValue("id"), types.ActionComplexity(n))
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, d)
}
