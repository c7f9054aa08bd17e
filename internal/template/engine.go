package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dagrunner/engine/internal/obslog"
)

// Engine resolves `{{expr}}` placeholders in strings and nested config
// structures against a VariableContext.
type Engine struct {
	resolver *resolver
	opts     Options
}

func NewEngine(ctx *VariableContext, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = obslog.Default
	}
	return &Engine{resolver: &resolver{ctx: ctx, log: log}, opts: opts}
}

func NewEngineWithDefaults(ctx *VariableContext) *Engine {
	return NewEngine(ctx, DefaultOptions())
}

var placeholderPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// ResolveToObject resolves a string. If the whole string is exactly one
// placeholder (e.g. "{{fetchUser.body}}"), the resolved value is returned
// with its native type intact — a map, slice, number, whatever the
// upstream node produced. Any other string (mixed text, multiple
// placeholders, or no placeholders) falls through to ResolveToString and
// is returned as a plain string.
func (e *Engine) ResolveToObject(template string) (any, error) {
	if m := placeholderPattern.FindStringSubmatch(template); m != nil && m[0] == strings.TrimSpace(template) {
		ref := strings.TrimSpace(m[1])
		value, found, err := e.resolver.Resolve(ref)
		if err != nil {
			return nil, &Error{Template: template, Ref: ref, Err: err}
		}
		if !found {
			if e.opts.StrictMode {
				return nil, &Error{Template: template, Ref: ref, Err: ErrVariableNotFound}
			}
			if e.opts.PlaceholderOnMissing {
				return template, nil
			}
			return nil, nil
		}
		return value, nil
	}
	return e.ResolveToString(template)
}

// ResolveToString replaces every placeholder in template with its
// stringified value, leaving surrounding text untouched.
func (e *Engine) ResolveToString(template string) (string, error) {
	if template == "" || !strings.Contains(template, "{{") {
		return template, nil
	}

	var resolveErr error
	result := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		ref := strings.TrimSpace(match[2 : len(match)-2])
		value, found, err := e.resolver.Resolve(ref)
		if err != nil {
			resolveErr = &Error{Template: template, Ref: ref, Err: err}
			return ""
		}
		if !found {
			if e.opts.StrictMode {
				resolveErr = &Error{Template: template, Ref: ref, Err: ErrVariableNotFound}
				return ""
			}
			if e.opts.PlaceholderOnMissing {
				return match
			}
			return ""
		}
		return stringify(value)
	})

	if resolveErr != nil {
		return "", resolveErr
	}
	return result, nil
}

// ResolveConfig walks a node's config map, resolving string leaves with
// ResolveToObject so a placeholder that resolves to a map or number keeps
// its type through into the next node's input.
func (e *Engine) ResolveConfig(config map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(config))
	for k, v := range config {
		resolved, err := e.resolveAny(v)
		if err != nil {
			return nil, fmt.Errorf("resolving config key %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (e *Engine) resolveAny(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return e.ResolveToObject(t)
	case map[string]any:
		return e.ResolveConfig(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := e.resolveAny(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return fmt.Sprintf("%t", v)
	case float32, float64, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%v", v)
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// HasPlaceholders reports whether s contains any `{{...}}` reference.
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}
