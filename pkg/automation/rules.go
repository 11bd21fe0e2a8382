// Package automation implements scripted alerting over decoded
// vehicle.Reading values through two interchangeable backends: Lua via
// gopher-lua and JavaScript via goja. A user script defines an
// on_reading(decoder, name, value, unit) hook; a non-empty string return
// value is an alert. Alerts flow one way, out to MQTT and logging; they
// are never fed back into the UDS or ELM327 layers.
package automation

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/vlink/obdcore/pkg/vehicle"
)

// Engine inspects a decoded reading and optionally returns an alert
// string. An empty string with nil error means no alert.
type Engine interface {
	// OnReading is called once per decoded vehicle.Reading. A non-empty
	// string return value is an alert to publish/log.
	OnReading(decoder string, r vehicle.Reading) (string, error)
	// Close releases the scripting runtime.
	Close() error
}

// New constructs the backend named by config: "lua" or "js".
func New(backend, scriptPath string) (Engine, error) {
	switch backend {
	case "", "lua":
		return NewLuaEngine(scriptPath)
	case "js":
		return NewJSEngineFromFile(scriptPath)
	default:
		return nil, fmt.Errorf("automation: unknown backend %q", backend)
	}
}

// LuaEngine implements Engine by calling a user-defined
// on_reading(decoder, name, value, unit) Lua function.
type LuaEngine struct {
	mu sync.Mutex
	L  *lua.LState
}

// NewLuaEngine loads scriptPath and returns a LuaEngine ready to call
// on_reading.
func NewLuaEngine(scriptPath string) (*LuaEngine, error) {
	L := lua.NewState()
	L.OpenLibs()

	if err := L.DoFile(scriptPath); err != nil {
		L.Close()
		return nil, fmt.Errorf("automation: load %s: %w", scriptPath, err)
	}
	return &LuaEngine{L: L}, nil
}

// OnReading calls the Lua on_reading hook if defined; otherwise it is a
// no-op.
func (e *LuaEngine) OnReading(decoder string, r vehicle.Reading) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := e.L.GetGlobal("on_reading")
	if fn.Type() != lua.LTFunction {
		return "", nil
	}

	e.L.Push(fn)
	e.L.Push(lua.LString(decoder))
	e.L.Push(lua.LString(r.Name))
	e.L.Push(lua.LNumber(r.Value))
	e.L.Push(lua.LString(r.Unit))

	if err := e.L.PCall(4, 1, nil); err != nil {
		return "", fmt.Errorf("automation: lua on_reading: %w", err)
	}

	ret := e.L.Get(-1)
	e.L.Pop(1)

	if ret.Type() == lua.LTString {
		return ret.String(), nil
	}
	return "", nil
}

// Close closes the underlying Lua state.
func (e *LuaEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.L.Close()
	return nil
}
