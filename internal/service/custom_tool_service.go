package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/meshmcp/meshmcp/internal/adapter/outbound/state"
	"github.com/meshmcp/meshmcp/internal/domain/mcptool"
	"github.com/meshmcp/meshmcp/internal/domain/proxy"
	"github.com/meshmcp/meshmcp/internal/port/outbound"
)

// CustomToolService manages the curated, user-facing tool catalog and
// resolves calls against it before the Message Handler falls through to the
// raw upstream tool catalog. It implements proxy.CustomToolResolver.
//
// It shares its persisted catalog (CustomToolStore, backed by
// state.CustomToolEntry) with ToolSyncService, which is the only other
// writer: ToolSyncService appends mcp-handler aliases automatically on
// upstream connect, while this service additionally accepts operator
// registration of either handler variant and is the sole reader at
// tools/call time.
type CustomToolService struct {
	store          CustomToolStore
	toolCache      proxy.ToolCacheReader
	workflowClient outbound.WorkflowClient
	logger         *slog.Logger
}

// NewCustomToolService creates a CustomToolService. workflowClient may be
// nil if no proxy-handler tools will be registered; calls to a proxy
// handler then fail with a clear error instead of a nil deref.
func NewCustomToolService(store CustomToolStore, toolCache proxy.ToolCacheReader, workflowClient outbound.WorkflowClient, logger *slog.Logger) *CustomToolService {
	return &CustomToolService{
		store:          store,
		toolCache:      toolCache,
		workflowClient: workflowClient,
		logger:         logger,
	}
}

// List returns all registered custom tools.
func (s *CustomToolService) List(ctx context.Context) []state.CustomToolEntry {
	return s.store.List()
}

// ListTools implements proxy.CustomToolResolver, projecting the stored
// catalog into the tools/list-facing summary shape. A non-object
// InputSchema (or one that fails to marshal) is reported with no schema
// rather than failing the whole listing.
func (s *CustomToolService) ListTools(ctx context.Context) []proxy.CustomToolSummary {
	entries := s.store.List()
	summaries := make([]proxy.CustomToolSummary, 0, len(entries))
	for _, e := range entries {
		summary := proxy.CustomToolSummary{Name: e.Name, Description: e.Description}
		if e.InputSchema != nil {
			if raw, err := json.Marshal(e.InputSchema); err != nil {
				if s.logger != nil {
					s.logger.Warn("custom tool input schema failed to marshal", "tool", e.Name, "error", err)
				}
			} else {
				summary.InputSchema = raw
			}
		}
		summaries = append(summaries, summary)
	}
	return summaries
}

// Register adds a new custom tool after validating its handler variant.
// Returns an error if a tool with the same name already exists.
func (s *CustomToolService) Register(ctx context.Context, tool *mcptool.CustomMCPTool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid custom tool: %w", err)
	}
	if s.store.Has(tool.Name) {
		return fmt.Errorf("custom tool %q already registered", tool.Name)
	}

	now := time.Now().UTC()
	var schema interface{}
	if len(tool.InputSchema) > 0 {
		schema = tool.InputSchema
	}
	s.store.Add(state.CustomToolEntry{
		Name:        tool.Name,
		Description: tool.Description,
		InputSchema: schema,
		Kind:        string(tool.Handler),
		ServiceName: tool.ServiceName,
		ToolName:    tool.ToolName,
		Platform:    tool.Platform,
		Config:      tool.Config,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	return nil
}

// Resolve implements proxy.CustomToolResolver. A name not present in the
// custom-tool catalog returns (nil, nil): the caller should fall through to
// its own normal routing, unaffected by this catalog's existence.
func (s *CustomToolService) Resolve(ctx context.Context, name string, args json.RawMessage) (*proxy.CustomToolResult, error) {
	entry, ok := s.lookup(name)
	if !ok {
		return nil, nil
	}

	switch mcptool.HandlerKind(entry.Kind) {
	case mcptool.HandlerMCP:
		return s.resolveMCPHandler(entry)
	case mcptool.HandlerProxy:
		return s.resolveProxyHandler(ctx, entry, args)
	default:
		return nil, fmt.Errorf("custom tool %q has unknown handler %q", name, entry.Kind)
	}
}

func (s *CustomToolService) lookup(name string) (state.CustomToolEntry, bool) {
	for _, e := range s.store.List() {
		if e.Name == name {
			return e, true
		}
	}
	return state.CustomToolEntry{}, false
}

// resolveMCPHandler translates an mcp-handler tool into the public catalog
// name its referenced (serviceName, toolName) pair resolves to, trying the
// unqualified name first and falling back to the disambiguated
// "serviceName__toolName" form (see internal/domain/upstream.ToolCache).
// Neither resolving means the referenced service is not currently
// connected — an allowed state at registration time, per the custom tool's
// own invariant, but not at call time.
func (s *CustomToolService) resolveMCPHandler(entry state.CustomToolEntry) (*proxy.CustomToolResult, error) {
	if _, ok := s.toolCache.GetTool(entry.ToolName); ok {
		return &proxy.CustomToolResult{RouteToUpstream: entry.ToolName}, nil
	}

	disambiguated := entry.ServiceName + "__" + entry.ToolName
	if _, ok := s.toolCache.GetTool(disambiguated); ok {
		return &proxy.CustomToolResult{RouteToUpstream: disambiguated}, nil
	}

	return nil, fmt.Errorf("%w: %s", mcptool.ErrServiceNotConnected, entry.ServiceName)
}

// resolveProxyHandler invokes the external workflow API and returns its
// result directly; there is no further upstream routing step.
func (s *CustomToolService) resolveProxyHandler(ctx context.Context, entry state.CustomToolEntry, args json.RawMessage) (*proxy.CustomToolResult, error) {
	if s.workflowClient == nil {
		return nil, fmt.Errorf("custom tool %q has a proxy handler but no workflow client is configured", entry.Name)
	}

	result, err := s.workflowClient.Invoke(ctx, entry.Platform, entry.Config, args)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("workflow invocation failed", "tool", entry.Name, "platform", entry.Platform, "error", err)
		}
		return nil, fmt.Errorf("workflow invocation failed: %w", err)
	}
	return &proxy.CustomToolResult{Result: result}, nil
}

// Compile-time interface verification.
var _ proxy.CustomToolResolver = (*CustomToolService)(nil)
