package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"browsernerd-resolver/internal/browser"
	"browsernerd-resolver/internal/config"
	"browsernerd-resolver/internal/dom"
	"browsernerd-resolver/internal/engine"
	"browsernerd-resolver/internal/intent"
	"browsernerd-resolver/internal/mangle"
	"browsernerd-resolver/internal/patterns"
	"browsernerd-resolver/internal/profiler"
	"browsernerd-resolver/internal/recorder"
	"browsernerd-resolver/internal/resolver"
)

// Target is everything the resolver tools need from one browser session.
// *browser.Page implements it.
type Target interface {
	Live() *dom.Live
	resolver.Driver
	profiler.Prober
	engine.Executor
}

// Server wires the MCP runtime to the browser sessions and the resolution
// engines that run against them.
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	facts     *mangle.Engine
	patterns  *patterns.Store
	profiler  *profiler.Profiler
	recorder  *recorder.Recorder
	logger    *zap.Logger
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer

	// pages looks up the target for a session id.
	pages func(sessionID string) (Target, bool)

	mu      sync.Mutex
	engines map[string]*sessionEngine

	runCtx    context.Context
	runCancel context.CancelFunc
	runs      sync.WaitGroup
}

type sessionEngine struct {
	target Target
	engine *engine.Engine
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the MCP server and registers all tools. A nil
// pattern store is replaced by an in-memory one; facts and rec are optional.
func NewServer(cfg config.Config, sessions *browser.SessionManager, facts *mangle.Engine, store *patterns.Store, rec *recorder.Recorder, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		var err error
		store, err = patterns.New(context.Background(), patterns.NewMemoryBackend(), logger.Named("patterns"))
		if err != nil {
			return nil, err
		}
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)
	if cfg.Resolver.EnableLLM {
		mcpSrv.EnableSampling()
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	server := &Server{
		cfg:       cfg,
		sessions:  sessions,
		facts:     facts,
		patterns:  store,
		profiler:  profiler.New(logger.Named("profiler")),
		recorder:  rec,
		logger:    logger,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		engines:   make(map[string]*sessionEngine),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	server.pages = server.sessionPage

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

func (s *Server) sessionPage(sessionID string) (Target, bool) {
	if s.sessions == nil {
		return nil, false
	}
	page, ok := s.sessions.Page(sessionID)
	if !ok || page == nil {
		return nil, false
	}
	return page, true
}

// Start launches the stdio server (Claude/Gemini CLI default).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Close stops background runs and waits for them to return.
func (s *Server) Close() {
	s.mu.Lock()
	for _, se := range s.engines {
		se.engine.Stop()
	}
	s.mu.Unlock()
	s.runCancel()
	s.runs.Wait()
}

// ExecuteTool executes a tool directly (used by demos/tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerAllTools() {
	// Browser session management
	s.registerTool(&LaunchBrowserTool{sessions: s.sessions})
	s.registerTool(&ShutdownBrowserTool{server: s})
	s.registerTool(&ListSessionsTool{sessions: s.sessions})
	s.registerTool(&CreateSessionTool{sessions: s.sessions})
	s.registerTool(&AttachSessionTool{sessions: s.sessions})
	s.registerTool(&CloseSessionTool{server: s})

	// Target resolution and plan execution
	s.registerTool(&ResolveTargetTool{server: s})
	s.registerTool(&RunPlanTool{server: s})
	s.registerTool(&ControlRunTool{server: s})

	// Index, profile and learned pattern diagnostics
	s.registerTool(&InspectIndexTool{server: s})
	s.registerTool(&InvalidateIndexTool{server: s})
	s.registerTool(&SiteProfileTool{server: s})
	s.registerTool(&PatternStatsTool{store: s.patterns})
	s.registerTool(&QueryOutcomesTool{facts: s.facts})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			s.logger.Debug("tool failed", zap.String("tool", tool.Name()), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload := marshalToolPayload(tool.Name(), result)
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
			IsError: false,
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}

// engineFor returns the engine bound to a session, building it on first
// use. A session whose page was replaced gets a fresh engine.
func (s *Server) engineFor(sessionID string) (*engine.Engine, Target, error) {
	if sessionID == "" {
		return nil, nil, fmt.Errorf("session_id is required")
	}
	target, ok := s.pages(sessionID)
	if !ok {
		return nil, nil, fmt.Errorf("session not found: %s", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if se, ok := s.engines[sessionID]; ok && se.target == target {
		return se.engine, target, nil
	}

	logger := s.logger.With(zap.String("session_id", sessionID))
	ropts := []resolver.Option{resolver.WithDriver(target)}
	if s.cfg.Resolver.EnableLLM {
		ropts = append(ropts, resolver.WithLLM(&samplingLLM{server: s.mcpServer, logger: logger.Named("llm")}))
	}
	cascade := resolver.New(resolver.OptionsFromConfig(s.cfg.Resolver), logger.Named("resolver"), ropts...)

	eopts := []engine.Option{
		engine.WithProber(target),
		engine.WithExecutor(target),
		engine.WithResolverConfig(s.cfg.Resolver),
	}
	if s.facts != nil {
		eopts = append(eopts, engine.WithObserver(engine.FactObserver(s.facts, logger)))
	}
	if s.recorder != nil {
		eopts = append(eopts, engine.WithObserver(engine.TraceObserver(s.recorder)))
	}

	e := engine.New(target.Live(), cascade, s.patterns, s.profiler, logger.Named("engine"), eopts...)
	s.engines[sessionID] = &sessionEngine{target: target, engine: e}
	return e, target, nil
}

// dropEngine stops and forgets the engine of a closed session.
func (s *Server) dropEngine(sessionID string) {
	s.mu.Lock()
	se, ok := s.engines[sessionID]
	delete(s.engines, sessionID)
	s.mu.Unlock()
	if ok {
		se.engine.Stop()
	}
}

func (s *Server) dropAllEngines() {
	s.mu.Lock()
	engines := s.engines
	s.engines = make(map[string]*sessionEngine)
	s.mu.Unlock()
	for _, se := range engines {
		se.engine.Stop()
	}
}

// startRun runs plan in the background; the run outlives the tool call.
func (s *Server) startRun(e *engine.Engine, sessionID string, plan []intent.Request) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		report, err := e.Run(s.runCtx, plan)
		fields := []zap.Field{
			zap.String("session_id", sessionID),
			zap.String("run_id", report.RunID),
			zap.String("state", string(report.State)),
		}
		if err != nil {
			s.logger.Warn("background run ended with error", append(fields, zap.Error(err))...)
			return
		}
		s.logger.Info("background run finished", fields...)
	}()
}
