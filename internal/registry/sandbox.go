package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"lotpilot/pkg/logger"

	"github.com/dop251/goja"
)

// ErrExecutionTimeout marks an execution cut off by its deadline.
var ErrExecutionTimeout = errors.New("pattern execution timed out")

// sandbox runs executable pattern code in an isolated script runtime. Each
// run gets a fresh runtime, so patterns cannot observe each other's state,
// and the only ambient capability is a console that forwards to the
// structured log.
type sandbox struct {
	log *logger.Logger
}

func newSandbox(log *logger.Logger) *sandbox {
	return &sandbox{log: log}
}

// run evaluates the script with the input bound as a global and returns the
// value of its final expression. Besides input, scripts see a read-only
// ctx object (pattern name, instance/task ids, start timestamp) and a
// console bridged to the structured log. The context deadline is enforced
// by interrupting the runtime; an interrupted run reports
// ErrExecutionTimeout.
func (s *sandbox) run(ctx context.Context, patternName, code string, input, env map[string]interface{}) (interface{}, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := vm.Set("input", input); err != nil {
		return nil, fmt.Errorf("bind input: %w", err)
	}
	if err := vm.Set("ctx", env); err != nil {
		return nil, fmt.Errorf("bind ctx: %w", err)
	}
	if err := vm.Set("console", s.console(patternName)); err != nil {
		return nil, fmt.Errorf("bind console: %w", err)
	}

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ErrExecutionTimeout)
		case <-watchdogDone:
		}
	}()

	value, err := vm.RunString(code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) || ctx.Err() != nil {
			return nil, ErrExecutionTimeout
		}
		return nil, fmt.Errorf("script error: %w", err)
	}

	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// console builds the log bridge exposed to scripts.
func (s *sandbox) console(patternName string) map[string]interface{} {
	emit := func(level string) func(args ...interface{}) {
		return func(args ...interface{}) {
			entry := s.log.WithPayload(map[string]interface{}{
				"pattern": patternName,
				"args":    stringifyArgs(args),
			})
			switch level {
			case "warn":
				entry.Warn("script console output")
			case "error":
				entry.Error("script console output")
			default:
				entry.Info("script console output")
			}
		}
	}
	return map[string]interface{}{
		"log":   emit("log"),
		"warn":  emit("warn"),
		"error": emit("error"),
	}
}

func stringifyArgs(args []interface{}) []string {
	out := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			out[i] = v
		default:
			if b, err := json.Marshal(v); err == nil {
				out[i] = string(b)
			} else {
				out[i] = fmt.Sprintf("%v", v)
			}
		}
	}
	return out
}
