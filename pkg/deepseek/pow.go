package deepseek

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// powEngine hosts the bundled WebAssembly proof-of-work solver. One engine
// is shared by every completion request; calls are serialized since the
// module's linear memory and stack pointer are not reentrant.
type powEngine struct {
	mu        sync.Mutex
	rt        wazero.Runtime
	mod       api.Module
	mem       api.Memory
	fAddStack api.Function
	fAlloc    api.Function
	fSolve    api.Function
	ctx       context.Context
}

func newPowEngine(ctx context.Context, wasmPath string) (*powEngine, error) {
	rt := wazero.NewRuntime(ctx)

	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("deepseek: read wasm: %w", err)
	}
	mod, err := rt.Instantiate(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("deepseek: instantiate wasm: %w", err)
	}
	mem := mod.Memory()
	if mem == nil {
		return nil, errors.New("deepseek: wasm module exports no memory")
	}
	fAdd := mod.ExportedFunction("__wbindgen_add_to_stack_pointer")
	fAlloc := mod.ExportedFunction("__wbindgen_export_0")
	fSolve := mod.ExportedFunction("wasm_solve")
	if fAdd == nil || fAlloc == nil || fSolve == nil {
		return nil, errors.New("deepseek: wasm module missing required exports")
	}
	return &powEngine{
		rt:        rt,
		mod:       mod,
		mem:       mem,
		fAddStack: fAdd,
		fAlloc:    fAlloc,
		fSolve:    fSolve,
		ctx:       ctx,
	}, nil
}

func (e *powEngine) Close() {
	_ = e.rt.Close(e.ctx)
}

// solve computes the DeepSeekHashV1 answer for challenge/prefix at the given
// difficulty, following the exact stack/alloc/call/read sequence of the
// reference ABI. status==0 from the module means no solution was found.
func (e *powEngine) solve(challenge, prefix string, difficulty float64) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	negSixteen := int32(-16)
	res, err := e.fAddStack.Call(e.ctx, uint64(uint32(negSixteen)))
	if err != nil || len(res) == 0 {
		return 0, fmt.Errorf("deepseek: add_to_stack(-16): %w", err)
	}
	retptr := uint32(res[0])
	restore := func() { _, _ = e.fAddStack.Call(e.ctx, uint64(uint32(int32(16)))) }

	allocWrite := func(s string) (uint32, uint32, error) {
		b := []byte(s)
		ln := uint32(len(b))
		r, err := e.fAlloc.Call(e.ctx, uint64(ln), uint64(1))
		if err != nil || len(r) == 0 {
			return 0, 0, fmt.Errorf("deepseek: alloc: %w", err)
		}
		ptr := uint32(r[0])
		if !e.mem.Write(ptr, b) {
			return 0, 0, errors.New("deepseek: wasm memory write failed")
		}
		return ptr, ln, nil
	}

	ptrCh, lenCh, err := allocWrite(challenge)
	if err != nil {
		restore()
		return 0, err
	}
	ptrPrefix, lenPrefix, err := allocWrite(prefix)
	if err != nil {
		restore()
		return 0, err
	}

	if _, err := e.fSolve.Call(e.ctx,
		uint64(retptr), uint64(ptrCh), uint64(lenCh),
		uint64(ptrPrefix), uint64(lenPrefix),
		math.Float64bits(difficulty),
	); err != nil {
		restore()
		return 0, fmt.Errorf("deepseek: wasm_solve: %w", err)
	}

	stBytes, ok := e.mem.Read(retptr, 4)
	if !ok || len(stBytes) != 4 {
		restore()
		return 0, errors.New("deepseek: read status failed")
	}
	status := int32(binary.LittleEndian.Uint32(stBytes))

	valBytes, ok := e.mem.Read(retptr+8, 8)
	if !ok || len(valBytes) != 8 {
		restore()
		return 0, errors.New("deepseek: read value failed")
	}
	value := math.Float64frombits(binary.LittleEndian.Uint64(valBytes))
	restore()

	if status == 0 {
		return 0, nil
	}
	return int64(value), nil
}
