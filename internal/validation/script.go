package validation

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"clinicalcore/pkg/dictionary"
)

// scriptRunner evaluates CEL restriction scripts. Each script is a boolean
// expression over `field` (the trimmed raw value) and `row` (the full raw
// record). Compiled programs are cached per expression.
type scriptRunner struct {
	once    sync.Once
	env     *cel.Env
	envErr  error
	mu      sync.RWMutex
	program map[string]cel.Program
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{program: make(map[string]cel.Program)}
}

func (s *scriptRunner) environment() (*cel.Env, error) {
	s.once.Do(func() {
		s.env, s.envErr = cel.NewEnv(
			cel.Variable("field", cel.StringType),
			cel.Variable("row", cel.MapType(cel.StringType, cel.StringType)),
		)
	})
	return s.env, s.envErr
}

func (s *scriptRunner) compile(expr string) (cel.Program, error) {
	s.mu.RLock()
	prg, ok := s.program[expr]
	s.mu.RUnlock()
	if ok {
		return prg, nil
	}
	env, err := s.environment()
	if err != nil {
		return nil, fmt.Errorf("script environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile script: %w", iss.Err())
	}
	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program script: %w", err)
	}
	s.mu.Lock()
	s.program[expr] = prg
	s.mu.Unlock()
	return prg, nil
}

// run reports whether the script accepts value. A script that fails to
// compile, errors at evaluation, or yields a non-boolean rejects the value.
func (s *scriptRunner) run(expr, value string, rec dictionary.DataRecord) (bool, string) {
	prg, err := s.compile(expr)
	if err != nil {
		return false, err.Error()
	}
	row := make(map[string]string, len(rec))
	for k, v := range rec {
		row[k] = v
	}
	out, _, err := prg.Eval(map[string]any{"field": value, "row": row})
	if err != nil {
		return false, fmt.Sprintf("script evaluation failed: %v", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return false, fmt.Sprintf("script returned %T, want bool", out.Value())
	}
	if !ok {
		return false, ""
	}
	return true, ""
}
