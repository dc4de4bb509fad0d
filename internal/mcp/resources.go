package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"browsernerd-resolver/internal/mangle"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"browsernerd://about",
			"BrowserNERD Resolver About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, resolver settings and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"browsernerd://patterns",
			"Learned Patterns",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Every learned (site, intent) locator with its success and failure counts."),
		),
		s.handlePatternsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"browsernerd://runs/{runId}/facts{?predicate,limit}",
			"Run Outcome Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Outcome facts recorded for one run (optionally filtered by predicate)."),
		),
		s.handleRunFactsResource,
	)
}

func jsonContents(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"resolver": map[string]interface{}{
			"lookahead":     s.cfg.Resolver.GetLookahead(),
			"stale_retries": s.cfg.Resolver.GetStaleRetries(),
			"llm_fallback":  s.cfg.Resolver.EnableLLM,
		},
		"patterns": s.patterns.Stats(),
		"notes": []string{
			"Resources are read-only context endpoints; use tools for actions.",
			"Typical flow: launch-browser, create-session, run-plan, then pattern-stats/query-outcomes.",
			"Run facts are addressed by the runId returned in a run-plan report.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonContents(request.Params.URI, payload)
}

func (s *Server) handlePatternsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonContents(request.Params.URI, map[string]interface{}{
		"stats":    s.patterns.Stats(),
		"patterns": s.patterns.Entries(),
	})
}

func (s *Server) handleRunFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.facts == nil {
		return nil, fmt.Errorf("mangle engine unavailable")
	}

	runID := argString(request.Params.Arguments["runId"])
	if runID == "" {
		return nil, fmt.Errorf("missing runId")
	}
	predicate := argString(request.Params.Arguments["predicate"])
	limit := asInt(request.Params.Arguments["limit"])
	if limit <= 0 {
		limit = 25
	}
	if limit > 500 {
		limit = 500
	}

	facts := selectRecentRunFacts(s.facts, runID, predicate, limit)
	return jsonContents(request.Params.URI, map[string]interface{}{
		"run_id":    runID,
		"predicate": predicate,
		"limit":     limit,
		"count":     len(facts),
		"facts":     facts,
	})
}

// selectRecentRunFacts returns the newest facts whose first argument is the
// run id, in chronological order.
func selectRecentRunFacts(engine *mangle.Engine, runID, predicate string, limit int) []mangle.Fact {
	if engine == nil || runID == "" || limit <= 0 {
		return []mangle.Fact{}
	}

	var source []mangle.Fact
	if predicate != "" {
		source = engine.FactsByPredicate(predicate)
	} else {
		source = engine.Facts()
	}

	out := make([]mangle.Fact, 0, min(limit, len(source)))
	for i := len(source) - 1; i >= 0 && len(out) < limit; i-- {
		f := source[i]
		if len(f.Args) == 0 {
			continue
		}
		if fmt.Sprintf("%v", f.Args[0]) != runID {
			continue
		}
		out = append(out, f)
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case float64:
		return int(value)
	case string:
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	case []string:
		if len(value) > 0 {
			return asInt(value[0])
		}
	}
	return 0
}
