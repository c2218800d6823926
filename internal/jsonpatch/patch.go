// Package jsonpatch applies incremental updates to decoded JSON documents.
//
// It implements the add, remove and replace operations of RFC 6902 and extends
// array addressing with two selectors:
//
//	/list/[id=7]   first element whose "id" field stringifies to "7"
//	/tags/golang   first element whose own stringified form is "golang"
//
// Documents are the values produced by encoding/json when decoding into any:
// map[string]any, []any and primitives.
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/offsync/internal/apperr"
)

// Supported operations.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
)

// Operation is a single patch in wire format.
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Validate checks the operation shape before it touches a document.
func (o Operation) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.Op, validation.Required, validation.In(OpAdd, OpRemove, OpReplace)),
		validation.Field(&o.Path, validation.Required, validation.By(func(v any) error {
			if p, _ := v.(string); !strings.HasPrefix(p, "/") {
				return fmt.Errorf("must start with /")
			}
			return nil
		})),
	)
}

// PathError describes why one operation could not be applied.
type PathError struct {
	Op     string
	Path   string
	Reason string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("jsonpatch: %s %s: %s", e.Op, e.Path, e.Reason)
}

func (e *PathError) Unwrap() error { return apperr.ErrValidation }

// OpError records a failed operation inside a batch.
type OpError struct {
	Index int
	Op    Operation
	Err   error
}

func (e OpError) Error() string {
	return fmt.Sprintf("patch %d: %v", e.Index, e.Err)
}

// Collector gathers per-operation failures of a best-effort batch.
type Collector struct {
	Errors []OpError
}

// Add records a failure.
func (c *Collector) Add(i int, op Operation, err error) {
	c.Errors = append(c.Errors, OpError{Index: i, Op: op, Err: err})
}

// Err returns nil when every operation succeeded.
func (c *Collector) Err() error {
	if c == nil || len(c.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("jsonpatch: %d of the operations failed, first: %w", len(c.Errors), c.Errors[0].Err)
}

// ApplyPatches applies ops in order. A failing operation is logged, recorded
// in c (if non-nil) and skipped; the remaining operations still run. Maps are
// mutated in place and the same reference is returned. A root array may be
// reallocated, so callers should always use the returned value.
func ApplyPatches(target any, ops []Operation, c *Collector) any {
	for i, op := range ops {
		next, err := ApplyPatch(target, op)
		if err != nil {
			slog.Warn("jsonpatch: operation skipped",
				slog.Int("index", i),
				slog.String("op", op.Op),
				slog.String("path", op.Path),
				slog.String("error", err.Error()))
			if c != nil {
				c.Add(i, op, err)
			}
			continue
		}
		target = next
	}
	return target
}

// ApplyPatch applies a single operation.
func ApplyPatch(target any, op Operation) (any, error) {
	if err := op.Validate(); err != nil {
		return target, fmt.Errorf("jsonpatch: invalid operation: %w: %w", apperr.ErrValidation, err)
	}
	segs := splitPath(op.Path)
	return apply(target, segs, op)
}

// ApplyJSON decodes doc, applies ops best-effort and re-encodes the result.
func ApplyJSON(doc []byte, ops []Operation) ([]byte, error) {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("jsonpatch: decode: %w: %w", apperr.ErrValidation, err)
	}
	var c Collector
	v = ApplyPatches(v, ops, &c)
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jsonpatch: encode: %w", err)
	}
	return out, c.Err()
}

func splitPath(p string) []string {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range parts {
		s = strings.ReplaceAll(s, "~1", "/")
		parts[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return parts
}

// apply returns the (possibly reallocated) node after applying op below it.
func apply(node any, segs []string, op Operation) (any, error) {
	seg := segs[0]
	last := len(segs) == 1

	switch n := node.(type) {
	case map[string]any:
		if last {
			return n, applyToMap(n, seg, op)
		}
		child, ok := n[seg]
		if !ok {
			return n, &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("key %q not found", seg)}
		}
		updated, err := apply(child, segs[1:], op)
		if err != nil {
			return n, err
		}
		n[seg] = updated
		return n, nil

	case []any:
		if last {
			return applyToArray(n, seg, op)
		}
		idx, err := arrayIndex(n, seg, op, false)
		if err != nil {
			return n, err
		}
		updated, err := apply(n[idx], segs[1:], op)
		if err != nil {
			return n, err
		}
		n[idx] = updated
		return n, nil

	default:
		return node, &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("segment %q: parent is neither object nor array", seg)}
	}
}

func applyToMap(m map[string]any, key string, op Operation) error {
	switch op.Op {
	case OpAdd:
		m[key] = op.Value
	case OpReplace:
		if _, ok := m[key]; !ok {
			return &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("key %q not found", key)}
		}
		m[key] = op.Value
	case OpRemove:
		if _, ok := m[key]; !ok {
			return &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("key %q not found", key)}
		}
		delete(m, key)
	}
	return nil
}

func applyToArray(arr []any, seg string, op Operation) ([]any, error) {
	idx, err := arrayIndex(arr, seg, op, true)
	if err != nil {
		return arr, err
	}
	switch op.Op {
	case OpAdd:
		arr = append(arr, nil)
		copy(arr[idx+1:], arr[idx:])
		arr[idx] = op.Value
	case OpReplace:
		arr[idx] = op.Value
	case OpRemove:
		arr = append(arr[:idx], arr[idx+1:]...)
	}
	return arr, nil
}

// arrayIndex resolves seg against arr. For a final add the index may equal
// len(arr) (insert at end).
func arrayIndex(arr []any, seg string, op Operation, last bool) (int, error) {
	if seg == "-" {
		if !last || op.Op != OpAdd {
			return 0, &PathError{Op: op.Op, Path: op.Path, Reason: `"-" is only valid as the last segment of an add`}
		}
		return len(arr), nil
	}

	if i, err := strconv.Atoi(seg); err == nil {
		limit := len(arr) - 1
		if last && op.Op == OpAdd {
			limit = len(arr)
		}
		if i < 0 || i > limit {
			return 0, &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("index %d out of range (len %d)", i, len(arr))}
		}
		return i, nil
	}

	if strings.HasPrefix(seg, "[") && strings.HasSuffix(seg, "]") && strings.Contains(seg, "=") {
		key, want, _ := strings.Cut(seg[1:len(seg)-1], "=")
		for i, el := range arr {
			obj, ok := el.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := obj[key]; ok && stringify(v) == want {
				return i, nil
			}
		}
		return 0, &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("no element with %s=%s", key, want)}
	}

	for i, el := range arr {
		if stringify(el) == seg {
			return i, nil
		}
	}
	return 0, &PathError{Op: op.Op, Path: op.Path, Reason: fmt.Sprintf("no element equal to %q", seg)}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}
