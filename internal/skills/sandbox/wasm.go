// Package sandbox implements the two skill execution backends: a WASM
// host running skills compiled to wasm, and a subprocess runner for
// shell-like skills that never delegates command interpretation to a
// shell.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anemos/assistant-fabric/internal/audit"
	"github.com/anemos/assistant-fabric/internal/policy"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

const (
	FaultModuleNotFound   = "WASM_MODULE_NOT_FOUND"
	FaultTimeout          = "WASM_TIMEOUT"
	FaultMemoryExceeded   = "WASM_MEMORY_EXCEEDED"
	FaultNoExport         = "WASM_NO_EXPORT"
	FaultExecError        = "WASM_EXEC_ERROR"
	FaultMemoryExhausted  = "WASM_HOST_MEMORY_EXHAUSTED"

	DefaultMemoryLimitPages          = 160 // 10MB per module
	DefaultAggregateMemoryLimitPages = 640 // 40MB total
	DefaultInvokeTimeout             = 30 * time.Second
)

// SkillFault is a deterministic, structured execution failure raised by
// the WASM host, distinct from a policy denial or a skill's own
// application-level error.
type SkillFault struct {
	Reason string
	Module string
	Detail string
}

func (f *SkillFault) Error() string {
	return fmt.Sprintf("skill fault [%s] module=%s: %s", f.Reason, f.Module, f.Detail)
}

// WasmHostConfig configures a WasmHost.
type WasmHostConfig struct {
	Policy               policy.Checker
	MemoryLimitPages     uint32
	AggregateMemoryLimit uint32
	InvokeTimeout        time.Duration
}

// WasmHost runs skills compiled to WebAssembly, enforcing a per-module
// and an aggregate memory ceiling plus a wall-clock invocation timeout.
type WasmHost struct {
	policy        policy.Checker
	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu            sync.Mutex
	modules              map[string]api.Module
	moduleMemoryPages    map[string]uint32
	moduleFSRoot         map[string]string
	aggregateMemoryLimit uint32
}

// NewWasmHost creates a host with the given policy checker and resource
// ceilings, applying defaults for any zero-valued field.
func NewWasmHost(ctx context.Context, cfg WasmHostConfig) (*WasmHost, error) {
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimit
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &WasmHost{
		policy:               cfg.Policy,
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		modules:              map[string]api.Module{},
		moduleMemoryPages:    map[string]uint32{},
		moduleFSRoot:         map[string]string{},
		aggregateMemoryLimit: aggLimit,
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostHTTPGet).Export("host.http.get")
	builder.NewFunctionBuilder().WithFunc(h.hostFSRead).Export("host.fs.read")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *WasmHost) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
		delete(h.moduleMemoryPages, name)
		delete(h.moduleFSRoot, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// MemoryStats reports current aggregate usage against the configured
// ceiling, surfaced on the health endpoint.
func (h *WasmHost) MemoryStats() (aggregatePages uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	for _, pages := range h.moduleMemoryPages {
		aggregatePages += pages
	}
	return aggregatePages, h.aggregateMemoryLimit
}

// LoadModule compiles and instantiates a skill module, rejecting it if
// its declared memory would push the aggregate over the ceiling. fsRoot
// is the workspace root, if any, that the module's host.fs.read calls are
// confined to via policy.AllowPath; a module with no filesystem access
// passes an empty fsRoot.
func (h *WasmHost) LoadModule(ctx context.Context, name string, wasmBytes []byte, fsRoot string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, pages := range h.moduleMemoryPages {
		if n != name {
			currentAggregate += pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		return &SkillFault{
			Reason: FaultMemoryExhausted,
			Module: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages", currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
	}
	h.modulesMu.Unlock()

	instantiated, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	h.modulesMu.Lock()
	h.modules[name] = instantiated
	h.moduleMemoryPages[name] = estimatedPages
	h.moduleFSRoot[name] = fsRoot
	h.modulesMu.Unlock()
	return nil
}

// Invoke calls a skill's "run" export with no arguments, enforcing the
// per-invocation wall-clock timeout, and returns its first result (0 if
// it returns none).
func (h *WasmHost) Invoke(ctx context.Context, moduleName string) (int32, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return 0, &SkillFault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	fn := module.ExportedFunction("run")
	if fn == nil {
		return 0, &SkillFault{Reason: FaultNoExport, Module: moduleName, Detail: "no 'run' export found"}
	}
	results, err := fn.Call(invokeCtx)
	if err != nil {
		fault := classifyFault(moduleName, err)
		audit.Record("deny", "skill.wasm.invoke", fault.Reason, "", moduleName)
		return 0, fault
	}
	audit.Record("allow", "skill.wasm.invoke", "invoked", "", moduleName)
	if len(results) == 0 {
		return 0, nil
	}
	return int32(results[0]), nil
}

func classifyFault(moduleName string, err error) *SkillFault {
	if errors.Is(err, context.DeadlineExceeded) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: "canceled"}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &SkillFault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &SkillFault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: msg}
	}
	return &SkillFault{Reason: FaultExecError, Module: moduleName, Detail: msg}
}

func (h *WasmHost) hostHTTPGet(ctx context.Context, m api.Module, urlPtr, urlLen uint32) uint64 {
	url := readString(m, urlPtr, urlLen)
	body, err := h.httpGet(ctx, url)
	if err != nil {
		return 0
	}
	return uint64(len(body))
}

// hostFSRead is the "host.fs.read" import: m is the calling module
// itself, so its own name looks up the workspace root it was loaded with.
func (h *WasmHost) hostFSRead(ctx context.Context, m api.Module, pathPtr, pathLen uint32) uint64 {
	path := readString(m, pathPtr, pathLen)
	data, err := h.fsRead(ctx, m.Name(), path)
	if err != nil {
		return 0
	}
	return uint64(len(data))
}

func (h *WasmHost) fsRead(ctx context.Context, moduleName, path string) (string, error) {
	if h.policy == nil || !h.policy.AllowCapability("skill.wasm.fs") {
		pv := ""
		if h.policy != nil {
			pv = h.policy.PolicyVersion()
		}
		audit.Record("deny", "skill.wasm.fs", "missing_capability", pv, moduleName)
		return "", fmt.Errorf("policy denied capability skill.wasm.fs")
	}

	h.modulesMu.Lock()
	root := h.moduleFSRoot[moduleName]
	h.modulesMu.Unlock()

	resolved := path
	if root != "" && !filepath.IsAbs(path) {
		resolved = filepath.Join(root, path)
	}
	if !h.policy.AllowPath(resolved) {
		audit.Record("deny", "skill.wasm.fs", "path_denied", h.policy.PolicyVersion(), moduleName)
		return "", fmt.Errorf("policy denied path %q", resolved)
	}
	audit.Record("allow", "skill.wasm.fs", "path_allowed", h.policy.PolicyVersion(), moduleName)

	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (h *WasmHost) httpGet(ctx context.Context, rawURL string) (string, error) {
	if h.policy == nil || !h.policy.AllowCapability("skill.wasm.net") {
		pv := ""
		if h.policy != nil {
			pv = h.policy.PolicyVersion()
		}
		audit.Record("deny", "skill.wasm.net", "missing_capability", pv, rawURL)
		return "", fmt.Errorf("policy denied capability skill.wasm.net")
	}
	if !h.policy.AllowHTTPURL(rawURL) {
		audit.Record("deny", "skill.wasm.net", "url_denied", h.policy.PolicyVersion(), rawURL)
		return "", fmt.Errorf("policy denied url %q", rawURL)
	}
	audit.Record("allow", "skill.wasm.net", "url_allowed", h.policy.PolicyVersion(), rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (h *WasmHost) hostLog(_ context.Context, m api.Module, ptr, length uint32) {
	msg := readString(m, ptr, length)
	_, _ = os.Stderr.WriteString("[skill] " + msg + "\n")
}

func readString(m api.Module, ptr, length uint32) string {
	bytes, ok := m.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(bytes)
}
