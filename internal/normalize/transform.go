package normalize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// luaPrefix marks a transform written as a Lua expression over `value`.
const luaPrefix = "lua:"

const defaultLuaTimeout = 50 * time.Millisecond

// ErrTransformerClosed is returned by Lua transforms after Close.
var ErrTransformerClosed = errors.New("normalize: transformer closed")

// Transformer applies named and Lua value transforms. Lua expressions are
// compiled once into shared bytecode and executed on a pool of sandboxed
// states, so concurrent devices never wait on each other. Every call runs
// in a fresh global environment: assignments made by one call are not
// visible to the next.
type Transformer struct {
	protos  sync.Map // expr -> *lua.FunctionProto
	idle    chan *luaVM
	timeout time.Duration
	closed  atomic.Bool
}

type luaVM struct {
	L *lua.LState

	// envMeta falls back to the sandboxed globals for reads.
	envMeta *lua.LTable
}

// NewTransformer creates a Transformer. States are created on demand and
// up to GOMAXPROCS idle states are kept.
func NewTransformer() *Transformer {
	return &Transformer{
		idle:    make(chan *luaVM, runtime.GOMAXPROCS(0)),
		timeout: defaultLuaTimeout,
	}
}

func newLuaVM() *luaVM {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	meta := L.NewTable()
	meta.RawSetString("__index", L.G.Global)
	return &luaVM{L: L, envMeta: meta}
}

// Close releases the idle Lua states. States in use are released when
// their call returns.
func (t *Transformer) Close() {
	if t.closed.Swap(true) {
		return
	}
	for {
		select {
		case vm := <-t.idle:
			vm.L.Close()
		default:
			return
		}
	}
}

func (t *Transformer) acquire() *luaVM {
	select {
	case vm := <-t.idle:
		return vm
	default:
		return newLuaVM()
	}
}

func (t *Transformer) release(vm *luaVM) {
	if t.closed.Load() {
		vm.L.Close()
		return
	}
	select {
	case t.idle <- vm:
	default:
		vm.L.Close()
	}
}

// Validate checks that a transform name or expression is usable.
func (t *Transformer) Validate(name string) error {
	if name == "" {
		return nil
	}
	if expr, ok := strings.CutPrefix(name, luaPrefix); ok {
		_, err := t.compile(expr)
		return err
	}
	if _, ok := namedTransforms[name]; !ok {
		return fmt.Errorf("unknown transform %q", name)
	}
	return nil
}

// Apply runs a transform. An empty name returns v unchanged.
func (t *Transformer) Apply(name string, v any) (any, error) {
	if name == "" {
		return v, nil
	}
	if expr, ok := strings.CutPrefix(name, luaPrefix); ok {
		return t.runLua(expr, v)
	}
	fn, ok := namedTransforms[name]
	if !ok {
		return v, fmt.Errorf("unknown transform %q", name)
	}
	return fn(v), nil
}

func (t *Transformer) compile(expr string) (*lua.FunctionProto, error) {
	if p, ok := t.protos.Load(expr); ok {
		return p.(*lua.FunctionProto), nil
	}
	src := strings.TrimSpace(expr)
	if !strings.Contains(src, "return") {
		src = "return " + src
	}
	chunk, err := parse.Parse(strings.NewReader(src), "transform")
	if err != nil {
		return nil, fmt.Errorf("compile lua transform %q: %w", expr, err)
	}
	proto, err := lua.Compile(chunk, "transform")
	if err != nil {
		return nil, fmt.Errorf("compile lua transform %q: %w", expr, err)
	}
	p, _ := t.protos.LoadOrStore(expr, proto)
	return p.(*lua.FunctionProto), nil
}

func (t *Transformer) runLua(expr string, v any) (any, error) {
	if t.closed.Load() {
		return v, ErrTransformerClosed
	}
	proto, err := t.compile(expr)
	if err != nil {
		return v, err
	}

	vm := t.acquire()
	ret, err := vm.call(proto, v, t.timeout)
	if err != nil {
		// Interrupted or failed states are not reused.
		vm.L.Close()
		return v, fmt.Errorf("lua transform %q: %w", expr, err)
	}
	t.release(vm)
	return ret, nil
}

func (vm *luaVM) call(proto *lua.FunctionProto, v any, timeout time.Duration) (any, error) {
	L := vm.L
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	L.SetContext(ctx)
	defer L.RemoveContext()

	env := L.NewTable()
	L.SetMetatable(env, vm.envMeta)
	env.RawSetString("value", goToLua(L, v))
	fn := L.NewFunctionFromProto(proto)
	fn.Env = env

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, err
	}
	ret := L.Get(-1)
	L.Pop(1)
	return luaToGo(ret), nil
}

// namedTransforms are the built-in transforms usable by name in definitions.
var namedTransforms = map[string]func(any) any{
	"divide_10":   func(v any) any { return divideN(v, 10) },
	"divide_100":  func(v any) any { return divideN(v, 100) },
	"divide_1000": func(v any) any { return divideN(v, 1000) },
	"minus_one":   minusOne,
	"bool_invert": boolInvert,
}

func divideN(v any, n float64) any {
	f, ok := asFloat(v)
	if !ok {
		return v
	}
	return f / n
}

func minusOne(v any) any {
	if i, ok := asInt(v); ok {
		return i - 1
	}
	if f, ok := asFloat(v); ok {
		return f - 1
	}
	return v
}

func boolInvert(v any) any {
	if b, ok := v.(bool); ok {
		return !b
	}
	if i, ok := asInt(v); ok {
		return i == 0
	}
	return v
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		t := L.NewTable()
		for i, b := range val {
			t.RawSetInt(i+1, lua.LNumber(b))
		}
		return t
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	}
	if f, ok := asFloat(v); ok {
		return lua.LNumber(f)
	}
	return lua.LString(fmt.Sprintf("%v", v))
}

func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		if n := val.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		val.ForEach(func(k, vv lua.LValue) {
			out[k.String()] = luaToGo(vv)
		})
		return out
	}
	return nil
}
