// Package expr evaluates condition and transform expressions in an embedded
// JavaScript VM. Scripts see a JSON copy of the run data and nothing else of
// the host; every evaluation runs under a deadline. NaN and infinite numbers
// reach scripts as null, and values JSON cannot carry are left out.
package expr

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/robertkrimen/otto"
)

// DefaultTimeout bounds a single evaluation.
const DefaultTimeout = 250 * time.Millisecond

// ErrEvalTimeout is returned when a script runs past its deadline.
var ErrEvalTimeout = errors.New("expression evaluation timed out")

// Env is the data a script can see.
type Env struct {
	Data       map[string]any
	RunID      string
	PipelineID string
}

// Evaluator runs expressions. It is safe for concurrent use; each call gets
// its own VM.
type Evaluator struct {
	timeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithTimeout sets the per-evaluation deadline. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates an Evaluator.
func New(opts ...Option) *Evaluator {
	e := &Evaluator{timeout: DefaultTimeout}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Timeout returns the per-evaluation deadline.
func (e *Evaluator) Timeout() time.Duration { return e.timeout }

// Eval evaluates src and exports the result to a Go value. src is either a
// single expression or a function body that returns the value.
func (e *Evaluator) Eval(src string, env Env) (any, error) {
	v, err := e.run(src, env)
	if err != nil {
		return nil, err
	}
	if v.IsUndefined() || v.IsNull() {
		return nil, nil
	}
	out, err := v.Export()
	if err != nil {
		return nil, fmt.Errorf("export result: %w", err)
	}
	return out, nil
}

// EvalBool evaluates src and converts the result with JavaScript truthiness.
func (e *Evaluator) EvalBool(src string, env Env) (bool, error) {
	v, err := e.run(src, env)
	if err != nil {
		return false, err
	}
	return v.ToBoolean()
}

type halt struct{}

func (e *Evaluator) run(src string, env Env) (result otto.Value, err error) {
	if strings.TrimSpace(src) == "" {
		return otto.UndefinedValue(), errors.New("empty expression")
	}
	vm := otto.New()
	if err := bind(vm, env); err != nil {
		return otto.UndefinedValue(), err
	}

	// An expression is tried first; anything that does not parse as one runs
	// as a function body, so statements and return work.
	program, cerr := vm.Compile("", "("+src+"\n)")
	if cerr != nil {
		program, cerr = vm.Compile("", "(function() {\n"+src+"\n})()")
		if cerr != nil {
			return otto.UndefinedValue(), fmt.Errorf("compile %q: %w", abbreviate(src), cerr)
		}
	}

	vm.Interrupt = make(chan func(), 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			vm.Interrupt <- func() { panic(halt{}) }
		case <-stop:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(halt); ok {
				result, err = otto.UndefinedValue(), fmt.Errorf("%w after %s", ErrEvalTimeout, e.timeout)
				return
			}
			result, err = otto.UndefinedValue(), fmt.Errorf("expression panicked: %v", r)
		}
	}()

	v, err := vm.Run(program)
	if err != nil {
		return otto.UndefinedValue(), fmt.Errorf("evaluate %q: %w", abbreviate(src), err)
	}
	return v, nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

var reserved = map[string]bool{
	"break": true, "case": true, "catch": true, "class": true, "const": true,
	"continue": true, "debugger": true, "default": true, "delete": true, "do": true,
	"else": true, "enum": true, "export": true, "extends": true, "false": true,
	"finally": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "instanceof": true, "new": true, "null": true, "return": true,
	"super": true, "switch": true, "this": true, "throw": true, "true": true,
	"try": true, "typeof": true, "var": true, "void": true, "while": true,
	"with": true, "undefined": true, "NaN": true, "Infinity": true,
	"data": true, "context": true, "JSON": true, "Math": true, "Object": true,
	"Array": true, "String": true, "Number": true, "Boolean": true, "Date": true,
	"RegExp": true, "Error": true, "eval": true,
}

// bind exposes data, context and every identifier-safe top-level key. The
// data travels as JSON so scripts never hold references into Go values.
func bind(vm *otto.Otto, env Env) error {
	safe, _ := jsonSafe(env.Data)
	data, _ := safe.(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode expression data: %w", err)
	}
	if err := vm.Set("__data", string(raw)); err != nil {
		return err
	}
	if err := vm.Set("__runId", env.RunID); err != nil {
		return err
	}
	if err := vm.Set("__pipelineId", env.PipelineID); err != nil {
		return err
	}

	var b strings.Builder
	b.WriteString("var data = JSON.parse(__data);\n")
	b.WriteString("var context = {data: data, runId: __runId, pipelineId: __pipelineId};\n")
	keys := make([]string, 0, len(data))
	for k := range data {
		if identRe.MatchString(k) && !reserved[k] && !strings.HasPrefix(k, "__") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "var %s = data[%q];\n", k, k)
	}
	b.WriteString("delete __data; delete __runId; delete __pipelineId;\n")
	if _, err := vm.Run(b.String()); err != nil {
		return fmt.Errorf("bind expression data: %w", err)
	}
	return nil
}

// jsonSafe copies v into something json.Marshal accepts. Non-finite floats
// become nil. ok is false when v cannot be encoded at all; such values are
// dropped from maps and become nil inside slices, so indexes hold.
func jsonSafe(v any) (safe any, ok bool) {
	switch t := v.(type) {
	case nil, string, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return v, true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, true
		}
		return t, true
	case float32:
		if f := float64(t); math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, true
		}
		return t, true
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if s, ok := jsonSafe(e); ok {
				out[k] = s
			}
		}
		return out, true
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i], _ = jsonSafe(e)
		}
		return out, true
	}
	if _, err := json.Marshal(v); err != nil {
		return nil, false
	}
	return v, true
}

func abbreviate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		return s[:57] + "..."
	}
	return s
}
