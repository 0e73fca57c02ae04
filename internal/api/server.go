package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	xerrors "OpenCustody-Chain/internal/errors"
	"OpenCustody-Chain/internal/keyvault"
	"OpenCustody-Chain/internal/policy"
	"OpenCustody-Chain/internal/wallet"
)

// Server 负责暴露 REST 接口，供外部智能体运行时驱动托管核心。
type Server struct {
	addr     string
	signers  keyvault.Provider
	engine   *policy.Engine
	executor *wallet.Executor
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, signers keyvault.Provider, engine *policy.Engine, executor *wallet.Executor) *Server {
	return &Server{addr: addr, signers: signers, engine: engine, executor: executor}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/agents", s.handleAgents)
	mux.HandleFunc("/api/v1/agents/", s.handleAgentSpend)
	mux.HandleFunc("/api/v1/actions", s.handleActions)

	server := &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateAgent(w, r)
	case http.MethodGet:
		s.handleListAgents(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleCreateAgent 创建新的智能体身份，仅返回公开视图。
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.signers == nil {
		http.Error(w, "密钥库未初始化", http.StatusServiceUnavailable)
		return
	}

	identity, err := s.signers.CreateIdentity(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

// handleListAgents 返回全部身份的公开视图。
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.signers == nil {
		http.Error(w, "密钥库未初始化", http.StatusServiceUnavailable)
		return
	}

	identities, err := s.signers.ListIdentities(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identities)
}

// spendResponse 是当日支出查询的响应体。
type spendResponse struct {
	AgentID    string `json:"agent_id"`
	DailySpend uint64 `json:"daily_spend"`
	DailyLimit uint64 `json:"daily_limit"`
}

// handleAgentSpend 查询指定智能体的当日累计支出。
// 路径形如 /api/v1/agents/{agent_id}/spend。
func (s *Server) handleAgentSpend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.engine == nil {
		http.Error(w, "策略引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/agents/")
	agentID, ok := strings.CutSuffix(rest, "/spend")
	if !ok || agentID == "" || strings.Contains(agentID, "/") {
		http.Error(w, "路径非法", http.StatusNotFound)
		return
	}

	total, err := s.engine.DailySpend(r.Context(), agentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spendResponse{
		AgentID:    agentID,
		DailySpend: total,
		DailyLimit: s.engine.Caps().MaxDailyVolume,
	})
}

// handleActions 执行一次交易请求并同步等待确认结果。
func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.executor == nil {
		http.Error(w, "执行器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req wallet.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	receipt, err := s.executor.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// errorResponse 是统一的错误响应体。
type errorResponse struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError 将统一错误映射为 HTTP 状态码与响应体。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	resp := errorResponse{Code: code, Message: err.Error()}
	if unified, ok := xerrors.From(err); ok {
		resp.Metadata = unified.Metadata()
	}
	writeJSON(w, statusOf(code), resp)
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeIdentityNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodePolicyViolation:
		return http.StatusForbidden
	case xerrors.CodeSimulationFailure, xerrors.CodeSubmissionFailure:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTimeout, xerrors.CodeRetriesExhausted:
		return http.StatusGatewayTimeout
	case xerrors.CodeChainUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
