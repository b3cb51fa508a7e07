// Package mcp exposes helix over the Model Context Protocol so an agent can
// propose skill changes and call skills as tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"helix/internal/evolution"
	"helix/internal/loader"
	"helix/internal/logging"
	"helix/internal/types"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Evolver runs proposed changes and forwards skill calls.
type Evolver interface {
	Evolve(ctx context.Context, change *types.ProposedChange, overrideToken string) *evolution.LoopResult
	Execute(ctx context.Context, skill string, args any) (json.RawMessage, error)
}

// History is the version history the server reports on and rolls back.
type History interface {
	Rollback(ctx context.Context, skill string) (types.PatchVersion, error)
	Versions(ctx context.Context, skill string) ([]types.PatchVersion, error)
}

// Registry describes loaded skills.
type Registry interface {
	LoadedNames() []string
	Info(name string) (loader.HandleInfo, bool)
}

// Server wraps the MCP SDK server.
type Server struct {
	mcpServer *mcpsdk.Server
	evolver   Evolver
	history   History
	registry  Registry
}

// New creates a server with every helix tool registered.
func New(version string, evolver Evolver, history History, registry Registry) *Server {
	s := &Server{evolver: evolver, history: history, registry: registry}
	s.mcpServer = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "helix", Version: version}, nil)
	s.registerTools()
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcpsdk.Server { return s.mcpServer }

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	logging.MCP("serving MCP on stdio")
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "submit_change",
		Description: "Propose new source for a skill. The change is screened, security reviewed, compiled, validated and hot-swapped in; the result names the stage it reached.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "execute_skill",
		Description: "Call the active version of a skill with JSON arguments and return its JSON result.",
	}, s.handleExecute)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rollback_skill",
		Description: "Reactivate the previous healthy version of a skill.",
	}, s.handleRollback)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_skills",
		Description: "List loaded skills with their artifact and call counters.",
	}, s.handleListSkills)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_versions",
		Description: "List the version history of a skill, oldest first.",
	}, s.handleListVersions)
}

// --- Input/Output types ---

// SubmitInput defines parameters for submit_change.
type SubmitInput struct {
	Skill         string `json:"skill" jsonschema:"skill name, lower-case identifier"`
	Language      string `json:"language" jsonschema:"rust or c"`
	Source        string `json:"source" jsonschema:"complete source of the skill"`
	Diff          string `json:"diff,omitempty" jsonschema:"diff against the active version, shown to reviewers"`
	OverrideToken string `json:"override_token,omitempty" jsonschema:"signed human override for this exact change"`
}

// SubmitOutput reports how far a change got.
type SubmitOutput struct {
	Success  bool   `json:"success"`
	Stage    string `json:"stage"`
	DNA      string `json:"dna"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Version  int64  `json:"version,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ExecuteInput defines parameters for execute_skill.
type ExecuteInput struct {
	Skill string `json:"skill" jsonschema:"skill to call"`
	Args  any    `json:"args,omitempty" jsonschema:"JSON arguments passed to the skill"`
}

// ExecuteOutput carries the skill's JSON result.
type ExecuteOutput struct {
	Result any `json:"result"`
}

// SkillInput names one skill.
type SkillInput struct {
	Skill string `json:"skill" jsonschema:"skill name"`
}

// VersionItem is one entry of a skill's history.
type VersionItem struct {
	Seq          int64  `json:"seq"`
	DNA          string `json:"dna"`
	Status       string `json:"status"`
	ArtifactPath string `json:"artifact_path"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// VersionsOutput lists a skill's history.
type VersionsOutput struct {
	Skill    string        `json:"skill"`
	Versions []VersionItem `json:"versions"`
}

// RollbackOutput names the version now active.
type RollbackOutput struct {
	Skill  string      `json:"skill"`
	Active VersionItem `json:"active"`
}

// ListInput is empty.
type ListInput struct{}

// SkillItem describes a loaded skill.
type SkillItem struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	LoadedAt string `json:"loaded_at"`
	Calls    int64  `json:"calls"`
	Errors   int64  `json:"errors"`
}

// SkillsOutput lists loaded skills.
type SkillsOutput struct {
	Skills []SkillItem `json:"skills"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, _ *mcpsdk.CallToolRequest, in SubmitInput) (*mcpsdk.CallToolResult, SubmitOutput, error) {
	change, err := types.NewProposedChange(in.Skill, types.Language(in.Language), in.Source,
		types.WithDiff(in.Diff), types.WithSubmitter("mcp"))
	if err != nil {
		return nil, SubmitOutput{}, err
	}
	logging.MCP("submit_change %s@%s", change.Skill(), change.DNA().Short())

	res := s.evolver.Evolve(ctx, change, in.OverrideToken)
	out := SubmitOutput{
		Success: res.Success,
		Stage:   res.Stage.String(),
		DNA:     string(res.DNA),
		Error:   res.Error,
	}
	if res.Decision != nil {
		out.Decision = res.Decision.Status.String()
		out.Reason = res.Decision.Reason
	}
	if res.Version != nil {
		out.Version = res.Version.Seq
	}
	// A rejected change is a normal answer, not a tool failure.
	return nil, out, nil
}

func (s *Server) handleExecute(ctx context.Context, _ *mcpsdk.CallToolRequest, in ExecuteInput) (*mcpsdk.CallToolResult, ExecuteOutput, error) {
	args := in.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := s.evolver.Execute(ctx, in.Skill, args)
	if err != nil {
		return nil, ExecuteOutput{}, err
	}
	var out ExecuteOutput
	if err := json.Unmarshal(raw, &out.Result); err != nil {
		return nil, ExecuteOutput{}, fmt.Errorf("decode result of %s: %w", in.Skill, err)
	}
	return nil, out, nil
}

func (s *Server) handleRollback(ctx context.Context, _ *mcpsdk.CallToolRequest, in SkillInput) (*mcpsdk.CallToolResult, RollbackOutput, error) {
	v, err := s.history.Rollback(ctx, in.Skill)
	if err != nil {
		return nil, RollbackOutput{}, err
	}
	logging.MCP("rollback_skill %s -> version %d", in.Skill, v.Seq)
	return nil, RollbackOutput{Skill: in.Skill, Active: versionItem(v)}, nil
}

func (s *Server) handleListSkills(_ context.Context, _ *mcpsdk.CallToolRequest, _ ListInput) (*mcpsdk.CallToolResult, SkillsOutput, error) {
	out := SkillsOutput{Skills: []SkillItem{}}
	for _, name := range s.registry.LoadedNames() {
		info, ok := s.registry.Info(name)
		if !ok {
			continue
		}
		out.Skills = append(out.Skills, SkillItem{
			Name:     info.Name,
			Path:     info.Path,
			LoadedAt: info.LoadedAt.Format(time.RFC3339),
			Calls:    info.Stats.Calls,
			Errors:   info.Stats.Errors,
		})
	}
	return nil, out, nil
}

func (s *Server) handleListVersions(ctx context.Context, _ *mcpsdk.CallToolRequest, in SkillInput) (*mcpsdk.CallToolResult, VersionsOutput, error) {
	versions, err := s.history.Versions(ctx, in.Skill)
	if err != nil {
		return nil, VersionsOutput{}, err
	}
	out := VersionsOutput{Skill: in.Skill, Versions: make([]VersionItem, 0, len(versions))}
	for _, v := range versions {
		out.Versions = append(out.Versions, versionItem(v))
	}
	return nil, out, nil
}

func versionItem(v types.PatchVersion) VersionItem {
	return VersionItem{
		Seq:          v.Seq,
		DNA:          string(v.DNA),
		Status:       string(v.Status),
		ArtifactPath: v.ArtifactPath,
		CreatedAt:    v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    v.UpdatedAt.Format(time.RFC3339),
	}
}
