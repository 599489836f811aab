package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"

	"github.com/watzon/funcbox/internal/functions"
)

const (
	// wasmPageSize is the WebAssembly linear memory page size.
	wasmPageSize = 64 * 1024
	// wasmCompileTimeout bounds module compilation during validation.
	wasmCompileTimeout = 10 * time.Second
)

var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// WASMAdapter runs Extism plugins. Source code is the base64-encoded module
// and the handler names an exported function. The input is passed as JSON
// and the plugin output is parsed as JSON when possible.
//
// Sandboxed plugins get no filesystem and no outbound HTTP. Function env
// values are exposed as plugin config.
type WASMAdapter struct {
	allowNetwork bool
}

// NewWASMAdapter creates the adapter. allowNetwork grants sandboxed plugins
// outbound HTTP through the Extism host.
func NewWASMAdapter(allowNetwork bool) *WASMAdapter {
	return &WASMAdapter{allowNetwork: allowNetwork}
}

func (a *WASMAdapter) Language() string  { return "wasm" }
func (a *WASMAdapter) Aliases() []string { return []string{"wasi", "extism"} }

func (a *WASMAdapter) ValidateSource(src functions.Source) error {
	module, err := decodeModule(src.Code)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), wasmCompileTimeout)
	defer cancel()

	plugin, err := a.plugin(ctx, module, nil, PrepareOptions{Sandboxed: true})
	if err != nil {
		return fmt.Errorf("compiling module: %w", err)
	}
	defer plugin.Close(ctx)

	if !plugin.FunctionExists(src.Handler) {
		return fmt.Errorf("entry point %q is not exported by the module", src.Handler)
	}
	return nil
}

// Prepare instantiates a fresh plugin so no state survives between calls.
func (a *WASMAdapter) Prepare(ctx context.Context, def *functions.Definition, opts PrepareOptions) (Instance, error) {
	module, err := decodeModule(def.Source.Code)
	if err != nil {
		return nil, SetupError(err, "loading module")
	}

	plugin, err := a.plugin(ctx, module, def.Metadata.Env, opts)
	if err != nil {
		return nil, SetupError(err, "instantiating wasm plugin")
	}

	log.Debug().
		Str("function_id", def.ID).
		Int("memory_mb", opts.MemoryMB).
		Bool("sandboxed", opts.Sandboxed).
		Msg("Loaded WASM plugin")

	return &wasmInstance{plugin: plugin, handler: def.Source.Handler}, nil
}

func (a *WASMAdapter) plugin(ctx context.Context, module []byte, env map[string]string, opts PrepareOptions) (*extism.Plugin, error) {
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: module},
		},
		Config: env,
	}
	if opts.MemoryMB > 0 {
		manifest.Memory = &extism.ManifestMemory{MaxPages: uint32(opts.MemoryMB * 1024 * 1024 / wasmPageSize)}
	}
	if !opts.Sandboxed || a.allowNetwork {
		manifest.AllowedHosts = []string{"*"}
	}

	config := extism.PluginConfig{
		EnableWasi: true,
		// Lets the executor's timeout interrupt a running guest.
		RuntimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}
	return extism.NewPlugin(ctx, manifest, config, nil)
}

func decodeModule(code string) ([]byte, error) {
	module, err := base64.StdEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("module must be base64 encoded: %w", err)
	}
	if !bytes.HasPrefix(module, wasmMagic) {
		return nil, errors.New("source is not a WebAssembly module")
	}
	return module, nil
}

type wasmInstance struct {
	plugin  *extism.Plugin
	handler string
}

func (i *wasmInstance) Invoke(ctx context.Context, input map[string]any) (any, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encoding input: %w", err)
	}

	exitCode, output, err := i.plugin.CallWithContext(ctx, i.handler, payload)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, HandlerError("%s: %v", i.handler, err)
	}
	if exitCode != 0 {
		return nil, HandlerError("%s exited with code %d", i.handler, exitCode)
	}
	return rawOutput(output), nil
}

func (i *wasmInstance) Close() error {
	i.plugin.Close(context.Background())
	return nil
}
