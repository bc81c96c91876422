package trace

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
)

// StatementFilter wraps a pre-compiled CEL expression deciding whether a
// statement should be traced. The expression is compiled once when
// tracing is enabled; evaluation is lock-free and safe for concurrent
// use.
type StatementFilter struct {
	Expression string
	program    cel.Program
	logger     *slog.Logger
}

// NewStatementFilter compiles expr against the statement variables
// (sql, fingerprint, statement_id). A compile or type error is reported
// to the caller so enable() can fail fast.
func NewStatementFilter(expr string, logger *slog.Logger) (*StatementFilter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("sql", cel.StringType),
		cel.Variable("fingerprint", cel.StringType),
		cel.Variable("statement_id", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error in %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("CEL expression %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program creation failed for %q: %w", expr, err)
	}

	return &StatementFilter{
		Expression: expr,
		program:    prg,
		logger:     logger.With("component", "trace.StatementFilter"),
	}, nil
}

// Match reports whether the statement should be traced. A runtime
// evaluation error fails open: losing trace data over a filter bug is
// worse than tracing an extra statement.
func (f *StatementFilter) Match(sql, fingerprint string, statementID int64) bool {
	out, _, err := f.program.Eval(map[string]interface{}{
		"sql":          sql,
		"fingerprint":  fingerprint,
		"statement_id": statementID,
	})
	if err != nil {
		f.logger.Warn("statement filter evaluation error, tracing statement",
			"expression", f.Expression,
			"error", err,
		)
		return true
	}

	result, ok := out.Value().(bool)
	if !ok {
		f.logger.Warn("statement filter returned non-bool, tracing statement",
			"expression", f.Expression,
		)
		return true
	}
	return result
}
