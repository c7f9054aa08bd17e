package template

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/dagrunner/engine/internal/obslog"
)

// resolver resolves one variable reference against a VariableContext.
type resolver struct {
	ctx *VariableContext
	log *obslog.Logger
}

// Resolve resolves a reference like "global.retryLimit", "input.userId",
// ".input.userId", "system.executionId", or "fetchUser.body.email".
func (r *resolver) Resolve(ref string) (any, bool, error) {
	ref = strings.TrimPrefix(strings.TrimSpace(ref), ".")
	parts := splitPath(ref)
	if len(parts) == 0 {
		return nil, false, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	root := parts[0]
	if bracket := strings.Index(root, "["); bracket > 0 {
		root = root[:bracket]
	}
	rest := parts[1:]

	switch root {
	case "global":
		return r.resolveRooted(r.ctx.Global, rest)
	case "input":
		return r.resolveRooted(r.ctx.Input, rest)
	case "system":
		return r.resolveRooted(r.ctx.System, rest)
	default:
		// An unknown node id resolves to null, but loudly: it usually
		// means a typo in the template or a reference to a node that has
		// not produced a result yet.
		if len(rest) == 0 {
			full, ok := r.ctx.NodeResults[root]
			if !ok {
				r.log.Warn("template references unknown node id " + root)
				return nil, false, nil
			}
			return full, true, nil
		}
		output, ok := r.ctx.NodeOutputs[root]
		if !ok {
			r.log.Warn("template references unknown node id " + root)
			return nil, false, nil
		}
		current, ok := r.traverse(any(output), rest)
		return current, ok, nil
	}
}

// resolveRooted walks `rest` against a named top-level map (global/input/
// system), applying a leading array index on the first path segment when
// present (e.g. "items[0].name").
func (r *resolver) resolveRooted(m map[string]any, rest []string) (any, bool, error) {
	if len(rest) == 0 {
		return m, true, nil
	}
	first := rest[0]
	if bracket := strings.Index(first, "["); bracket >= 0 {
		fieldName := first[:bracket]
		indexPart := first[bracket:]
		var root any
		if fieldName != "" {
			root = m[fieldName]
		} else {
			root = m
		}
		indexed, err := r.resolveArrayIndex(root, indexPart)
		if err != nil {
			return nil, false, nil
		}
		if len(rest) == 1 {
			return indexed, true, nil
		}
		current, ok := r.traverse(indexed, rest[1:])
		return current, ok, nil
	}

	value, ok := m[first]
	if !ok {
		return nil, false, nil
	}
	if len(rest) == 1 {
		return value, true, nil
	}
	current, ok := r.traverse(value, rest[1:])
	return current, ok, nil
}

func (r *resolver) traverse(value any, parts []string) (any, bool) {
	current := value
	for _, part := range parts {
		if strings.Contains(part, "[") && strings.HasSuffix(part, "]") {
			next, err := r.resolveArrayIndex(current, part)
			if err != nil {
				return nil, false
			}
			current = next
			continue
		}
		current = r.resolveField(current, part)
		if current == nil {
			return nil, false
		}
	}
	return current, true
}

func (r *resolver) resolveField(value any, field string) any {
	if value == nil {
		return nil
	}
	if m, ok := value.(map[string]any); ok {
		return m[field]
	}

	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		f := v.FieldByName(field)
		if f.IsValid() {
			return f.Interface()
		}
	}

	if data, err := json.Marshal(value); err == nil {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err == nil {
			return m[field]
		}
	}
	return nil
}

func (r *resolver) resolveArrayIndex(value any, indexExpr string) (any, error) {
	fieldName := ""
	indexPart := indexExpr
	if bracket := strings.Index(indexExpr, "["); bracket > 0 {
		fieldName = indexExpr[:bracket]
		indexPart = indexExpr[bracket:]
	}

	current := value
	if fieldName != "" {
		current = r.resolveField(current, fieldName)
		if current == nil {
			return nil, fmt.Errorf("%w: field %q not found", ErrInvalidPath, fieldName)
		}
	}

	indices := parseArrayIndices(indexPart)
	if len(indices) == 0 {
		return nil, ErrArrayIndexInvalid
	}
	for _, idx := range indices {
		var err error
		current, err = r.indexInto(current, idx)
		if err != nil {
			return nil, err
		}
	}
	return current, nil
}

func (r *resolver) indexInto(value any, index int) (any, error) {
	if value == nil {
		return nil, ErrTypeNotSupported
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Slice || v.Kind() == reflect.Array {
		if index < 0 || index >= v.Len() {
			return nil, fmt.Errorf("%w: index %d, length %d", ErrArrayOutOfBounds, index, v.Len())
		}
		return v.Index(index).Interface(), nil
	}
	if data, err := json.Marshal(value); err == nil {
		var arr []any
		if err := json.Unmarshal(data, &arr); err == nil {
			if index < 0 || index >= len(arr) {
				return nil, fmt.Errorf("%w: index %d, length %d", ErrArrayOutOfBounds, index, len(arr))
			}
			return arr[index], nil
		}
	}
	return nil, ErrTypeNotSupported
}

// splitPath splits "user.items[0].name" into ["user", "items[0]", "name"].
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	var parts []string
	var cur strings.Builder
	inBracket := false
	for _, ch := range path {
		switch ch {
		case '.':
			if !inBracket && cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			} else if inBracket {
				cur.WriteRune(ch)
			}
		case '[':
			inBracket = true
			cur.WriteRune(ch)
		case ']':
			inBracket = false
			cur.WriteRune(ch)
		default:
			cur.WriteRune(ch)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// parseArrayIndices parses chained index expressions like "[0][1]".
func parseArrayIndices(expr string) []int {
	var indices []int
	start := 0
	for {
		open := strings.Index(expr[start:], "[")
		if open == -1 {
			break
		}
		open += start
		closeIdx := strings.Index(expr[open:], "]")
		if closeIdx == -1 {
			break
		}
		closeIdx += open
		numStr := strings.TrimSpace(expr[open+1 : closeIdx])
		num, err := strconv.Atoi(numStr)
		if err != nil {
			return nil
		}
		indices = append(indices, num)
		start = closeIdx + 1
	}
	return indices
}
