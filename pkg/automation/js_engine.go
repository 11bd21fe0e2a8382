package automation

import (
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"

	"github.com/vlink/obdcore/pkg/vehicle"
)

// jsConsole provides the console.log/warn/error shim scripts expect.
type jsConsole struct {
	mu   sync.Mutex
	logs []string
}

func (c *jsConsole) Log(args ...interface{})   { c.record("", args) }
func (c *jsConsole) Warn(args ...interface{})  { c.record("WARN: ", args) }
func (c *jsConsole) Error(args ...interface{}) { c.record("ERROR: ", args) }

func (c *jsConsole) record(prefix string, args []interface{}) {
	msg := prefix + fmt.Sprint(args...)
	c.mu.Lock()
	c.logs = append(c.logs, msg)
	c.mu.Unlock()
}

// JSEngine implements Engine by calling a user-defined
// on_reading(decoder, name, value, unit) JavaScript function via goja.
type JSEngine struct {
	mu        sync.Mutex
	vm        *goja.Runtime
	onReading goja.Callable
	console   *jsConsole
}

// NewJSEngine compiles and runs script, then binds on_reading if present.
func NewJSEngine(script string) (*JSEngine, error) {
	vm := goja.New()

	console := &jsConsole{}
	consoleObj := vm.NewObject()
	consoleObj.Set("log", console.Log)
	consoleObj.Set("warn", console.Warn)
	consoleObj.Set("error", console.Error)
	vm.Set("console", consoleObj)

	if _, err := vm.RunString(script); err != nil {
		return nil, fmt.Errorf("automation: js script error: %w", err)
	}

	var onReading goja.Callable
	if v := vm.Get("on_reading"); v != nil && !goja.IsUndefined(v) {
		if fn, ok := goja.AssertFunction(v); ok {
			onReading = fn
		}
	}

	return &JSEngine{vm: vm, onReading: onReading, console: console}, nil
}

// NewJSEngineFromFile loads scriptPath and delegates to NewJSEngine.
func NewJSEngineFromFile(scriptPath string) (*JSEngine, error) {
	content, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("automation: read %s: %w", scriptPath, err)
	}
	return NewJSEngine(string(content))
}

// OnReading calls the JS on_reading hook if defined; otherwise it is a
// no-op.
func (e *JSEngine) OnReading(decoder string, r vehicle.Reading) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.onReading == nil {
		return "", nil
	}

	result, err := e.onReading(goja.Undefined(),
		e.vm.ToValue(decoder), e.vm.ToValue(r.Name), e.vm.ToValue(r.Value), e.vm.ToValue(r.Unit))
	if err != nil {
		return "", fmt.Errorf("automation: js on_reading: %w", err)
	}
	if goja.IsNull(result) || goja.IsUndefined(result) {
		return "", nil
	}
	if s, ok := result.Export().(string); ok {
		return s, nil
	}
	return "", nil
}

// Close releases the JS runtime.
func (e *JSEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
	e.onReading = nil
	return nil
}

// Logs returns console output captured from the script, useful for
// debugging a user-supplied alert rule.
func (e *JSEngine) Logs() []string {
	e.console.mu.Lock()
	defer e.console.mu.Unlock()
	return append([]string(nil), e.console.logs...)
}
