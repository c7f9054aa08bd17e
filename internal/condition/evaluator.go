// Package condition compiles and evaluates the boolean expressions used by
// IF nodes and conditional edges, with a security allow-list
// applied before compilation.
package condition

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dagrunner/engine/internal/domain"
)

// allowedPattern is the character allow-list a condition must satisfy
// before it is ever handed to expr.Compile. It permits identifiers,
// numbers, whitespace, and the comparison/arithmetic/logical operators an
// edge condition legitimately needs; nothing else is reachable, which
// rules out method-call syntax, string literals containing arbitrary
// content, and any attempt to reach outside the expression language.
var allowedPattern = regexp.MustCompile(`^[A-Za-z0-9_. \t+\-*/%()=!<>|&#]+$`)

// bannedTokens catches constructs that the character class alone can't
// exclude (e.g. "System" is made only of allowed characters).
var bannedTokens = []string{"T(", "new ", ".class", "System.", ".exec(", ".forName(", "Runtime"}

// Evaluator compiles and caches condition expressions. One Evaluator is
// shared across an entire execution; compiled programs are cached across
// executions too since a condition string always compiles the same way.
type Evaluator struct {
	compiled *xsync.MapOf[string, *vm.Program]
}

func NewEvaluator() *Evaluator {
	return &Evaluator{compiled: xsync.NewMapOf[string, *vm.Program]()}
}

// Evaluate compiles (or reuses) condition and runs it against variables.
// variables is typically the flattened vocabulary internal/template
// exposes (global/input/system/node outputs) so a condition can write
// `fetchUser.status == 200`.
func (e *Evaluator) Evaluate(condition string, variables map[string]any) (bool, error) {
	if condition == "" {
		return false, domain.NewError(domain.ErrValidation, "condition must not be empty", nil)
	}

	if err := checkSecurity(condition); err != nil {
		return false, err
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, err
	}

	result, err := expr.Run(program, variables)
	if err != nil {
		if isMissingVariableError(err) {
			// A reference to a not-yet-produced value reads as false
			// rather than failing the whole dispatch.
			return false, nil
		}
		return false, domain.NewError(domain.ErrExecution, fmt.Sprintf("failed to evaluate condition %q: %v", condition, err), err)
	}

	resultBool, ok := result.(bool)
	if !ok {
		return false, domain.NewError(domain.ErrExecution, fmt.Sprintf("condition %q did not evaluate to a boolean, got %T", condition, result), nil)
	}
	return resultBool, nil
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	if program, ok := e.compiled.Load(condition); ok {
		return program, nil
	}

	// '#' is a node-reference sigil ("#fetchUser.output.status"), not part
	// of the expression language; the reference resolves against the same
	// top-level name without it.
	normalized := strings.ReplaceAll(condition, "#", "")

	// Builtins are disabled so that every bare identifier (e.g. "count",
	// "len") is looked up as a variable rather than as an expr function.
	program, err := expr.Compile(normalized, expr.AsBool(), expr.DisableAllBuiltins())
	if err != nil {
		// A compile failure here is a malformed expression (e.g.
		// unbalanced parens) that nonetheless passed the allow-list
		// filter, not a policy violation — keep it out of the
		// SecurityError kind, which is specifically for
		// allow-list rejections.
		return nil, domain.NewError(domain.ErrParse, fmt.Sprintf("failed to compile condition %q: %v", condition, err), err)
	}

	actual, _ := e.compiled.LoadOrStore(condition, program)
	return actual, nil
}

// checkSecurity rejects anything outside the expression allow-list before
// it ever reaches expr.Compile, so that a
// condition cannot express arbitrary code, only comparisons over the
// resolved variable vocabulary.
func checkSecurity(condition string) error {
	if !allowedPattern.MatchString(condition) {
		return domain.NewError(domain.ErrSecurity, fmt.Sprintf("condition %q contains disallowed characters", condition), nil)
	}
	for _, token := range bannedTokens {
		if strings.Contains(condition, token) {
			return domain.NewError(domain.ErrSecurity, fmt.Sprintf("condition %q contains a banned token %q", condition, token), nil)
		}
	}
	return nil
}

func isMissingVariableError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"cannot fetch", "undefined", "unknown name", "nil pointer", "not found"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
