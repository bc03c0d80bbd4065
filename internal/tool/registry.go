package tool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/parlorhq/parlor/internal/agent"
	"github.com/parlorhq/parlor/internal/approval"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/event"
	"github.com/parlorhq/parlor/internal/metrics"
	"github.com/parlorhq/parlor/internal/revert"
	"github.com/parlorhq/parlor/internal/storage"
	"github.com/rs/zerolog/log"
)

// destructiveGatedTools names the built-in tools whose input is checked
// against the destructive-action pattern set before dispatch. Only "bash"
// runs arbitrary shell commands; the other built-ins have no analogous
// attack surface.
var destructiveGatedTools = map[string]bool{
	"bash": true,
}

// Registry manages tool registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	workDir string
	storage *storage.Storage

	remote    map[string]bool // tool ids backed by a remote provider
	confirmer Confirmer
	broker    *approval.Broker
	recorder  ReverterRecorder
}

// NewRegistry creates a new tool registry.
func NewRegistry(workDir string, store *storage.Storage) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		workDir: workDir,
		storage: store,
		remote:  make(map[string]bool),
	}
}

// SetConfirmer installs a process-wide callback used by the destructive-action
// gate when no per-session approval broker is configured. Tests use this to
// supply a trivial stub.
func (r *Registry) SetConfirmer(c Confirmer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.confirmer = c
}

// SetApprovalBroker installs the production confirmation path: a shared
// internal/approval.Broker, owner-tagged per dispatch with the calling
// tool's session id so one conversation can never resolve another's pending
// approval. Takes precedence over a confirmer set via SetConfirmer.
func (r *Registry) SetApprovalBroker(b *approval.Broker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broker = b
}

// RegisterRemote registers a tool that is backed by an external tool
// provider (internal/mcp), so Dispatch knows to apply shell-metacharacter
// argument validation to it.
func (r *Registry) RegisterRemote(t Tool) {
	r.Register(t)
	r.mu.Lock()
	r.remote[t.ID()] = true
	r.mu.Unlock()
}

// Dispatch routes a tool call by name through the destructive gate (for
// bash-like built-ins) or remote-argument validation (for provider tools),
// then executes it. A destructive command denied by the confirmer is not
// treated as a Go error: it returns a normal Result carrying
// {"error": "Command cancelled by user"} so the calling turn continues.
func (r *Registry) Dispatch(ctx context.Context, id string, input json.RawMessage, toolCtx *Context) (*Result, error) {
	r.mu.RLock()
	t, ok := r.tools[id]
	gated := destructiveGatedTools[id]
	isRemote := r.remote[id]
	confirmer := r.confirmer
	broker := r.broker
	r.mu.RUnlock()

	if broker != nil && toolCtx != nil {
		confirmer = &ApprovalConfirmer{Broker: broker, Owner: toolCtx.SessionID}
	}

	if !ok {
		metrics.ToolDispatches.WithLabelValues(id, "unknown").Inc()
		return nil, fmt.Errorf("unknown tool: %s", id)
	}

	if isRemote {
		var args map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				metrics.ToolDispatches.WithLabelValues(id, "error").Inc()
				return nil, fmt.Errorf("dispatch %s: decode arguments: %w", id, err)
			}
			if err := validateRemoteArgs(args); err != nil {
				metrics.ToolDispatches.WithLabelValues(id, "blocked").Inc()
				return &Result{Output: err.Error(), Error: err}, nil
			}
		}
	}

	if gated {
		var args struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(input, &args)
		if pattern := matchDestructive(args.Command); pattern != "" {
			if confirmer == nil {
				log.Warn().Str("tool", id).Str("pattern", pattern).Msg("destructive command blocked: no confirmer configured")
				metrics.ToolDispatches.WithLabelValues(id, "blocked").Inc()
				return &Result{Output: `{"error":"Command cancelled by user","exit_code":-1}`}, nil
			}
			approved, err := confirmer.Confirm(ctx, fmt.Sprintf("Allow destructive command (%s)?\n\n%s", pattern, args.Command))
			if err != nil || !approved {
				metrics.ToolDispatches.WithLabelValues(id, "blocked").Inc()
				return &Result{Output: `{"error":"Command cancelled by user","exit_code":-1}`}, nil
			}
		}
	}

	result, err := t.Execute(ctx, input, toolCtx)
	outcome := "success"
	if err != nil || (result != nil && result.Error != nil) {
		outcome = "error"
	}
	metrics.ToolDispatches.WithLabelValues(id, outcome).Inc()
	return result, err
}

// Storage returns the storage instance.
func (r *Registry) Storage() *storage.Storage {
	return r.storage
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	log.Debug().Str("tool", tool.ID()).Msg("registering tool")
	r.tools[tool.ID()] = tool
}

// Get retrieves a tool by ID.
func (r *Registry) Get(id string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[id]
	return tool, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	return tools
}

// IDs returns all tool IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.tools))
	for id := range r.tools {
		ids = append(ids, id)
	}
	return ids
}

// EinoTools returns Eino-compatible tools.
func (r *Registry) EinoTools() []einotool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]einotool.BaseTool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t.EinoTool())
	}
	return tools
}

// ToolInfos returns Eino tool infos for all tools.
func (r *Registry) ToolInfos() ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]*schema.ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		params := parseJSONSchemaToParams(t.Parameters())
		infos = append(infos, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}
	return infos, nil
}

// Recorder returns the registry's undo-files strategy, so
// internal/session.Processor.Rewind can revert the file-system side effects
// of the tool calls a rewind discards. Nil until DefaultRegistry has run.
func (r *Registry) Recorder() ReverterRecorder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recorder
}

// newChangeRecorder picks the undo-files strategy for workDir: a git
// reverter when workDir sits inside a git worktree, a shadow-copy reverter
// (snapshotting into the XDG data dir) otherwise.
func newChangeRecorder(workDir string) ReverterRecorder {
	if revert.IsGitWorktree(workDir) {
		return revert.NewGitReverter(workDir)
	}
	root := filepath.Join(config.GetPaths().Data, "snapshots", snapshotDirName(workDir))
	return revert.NewShadowReverter(root)
}

func snapshotDirName(workDir string) string {
	sum := sha256.Sum256([]byte(workDir))
	return hex.EncodeToString(sum[:])
}

// DefaultRegistry creates a registry with all built-in tools.
func DefaultRegistry(workDir string, store *storage.Storage) *Registry {
	log.Debug().Str("workDir", workDir).Msg("creating default registry")
	r := NewRegistry(workDir, store)

	recorder := newChangeRecorder(workDir)
	r.mu.Lock()
	r.recorder = recorder
	r.mu.Unlock()
	writeTool := NewWriteTool(workDir)
	writeTool.SetRecorder(recorder)
	editTool := NewEditTool(workDir)
	editTool.SetRecorder(recorder)

	// The approval broker backs the destructive-action gate's confirmation
	// prompts. Its callbacks republish through the same permission.required/
	// permission.resolved events the teacher's own permission.Checker uses,
	// so a single SSE subscription renders both kinds of approval prompt.
	broker := approval.NewBroker(
		func(approvalID, message, owner string) {
			event.Publish(event.Event{
				Type: event.PermissionRequired,
				Data: event.PermissionRequiredData{
					ID:             approvalID,
					SessionID:      owner,
					PermissionType: "bash",
					Title:          message,
				},
			})
		},
		func(approvalID string, approved bool) {
			event.Publish(event.Event{
				Type: event.PermissionResolved,
				Data: event.PermissionResolvedData{
					ID:      approvalID,
					Granted: approved,
				},
			})
		},
	)
	broker.StartSweep()
	r.SetApprovalBroker(broker)

	// Register core tools
	r.Register(NewReadTool(workDir))
	r.Register(writeTool)
	r.Register(editTool)
	r.Register(NewBashTool(workDir))
	r.Register(NewGlobTool(workDir))
	r.Register(NewGrepTool(workDir))
	r.Register(NewListTool(workDir))
	r.Register(NewWebFetchTool(workDir))

	// Register todo tools
	r.Register(NewTodoWriteTool(workDir, store))
	r.Register(NewTodoReadTool(workDir, store))

	// Register batch tool for parallel execution
	r.Register(NewBatchTool(workDir, r))

	// Note: TaskTool requires agent registry, register separately using RegisterTaskTool

	log.Debug().Int("count", len(r.tools)).Strs("tools", r.IDs()).Msg("default registry created")
	return r
}

// RegisterTaskTool registers the task tool with the given agent registry.
// This must be called separately after the agent registry is available.
func (r *Registry) RegisterTaskTool(agentReg *agent.Registry) {
	taskTool := NewTaskTool(r.workDir, agentReg)
	r.Register(taskTool)
	log.Debug().Msg("registered task tool with agent registry")
}

// SetTaskExecutor sets the executor for the task tool.
// This enables actual subagent execution instead of placeholder responses.
func (r *Registry) SetTaskExecutor(executor TaskExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if tool, ok := r.tools["task"]; ok {
		if taskTool, ok := tool.(*TaskTool); ok {
			taskTool.SetExecutor(executor)
			log.Debug().Msg("task executor configured")
		}
	}
}
