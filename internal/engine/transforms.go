package engine

import (
	"context"
	"fmt"
	"strings"

	"agrama/internal/errors"
)

// builtinTransforms returns the fixed set of transform operations every
// Engine registers at construction; runtime registration is not
// offered, keeping the invariant surface small. Each is a pure
// function over store contents: it reads via the engine's temporal
// store and returns a result map, never mutating state itself (a
// caller wanting the result persisted issues a follow-up store).
func builtinTransforms() map[string]TransformFunc {
	return map[string]TransformFunc{
		"concat":     transformConcat,
		"word_count": transformWordCount,
		"diff":       transformDiff,
	}
}

// transformConcat joins the current content of every input path with a
// newline separator.
func transformConcat(ctx context.Context, e *Engine, inputs []string, params map[string]any) (map[string]any, error) {
	if len(inputs) == 0 {
		return nil, errors.New(errors.InvalidInput, "engine.transformConcat", "at least one input path required")
	}
	var parts []string
	for _, path := range inputs {
		content, err := e.b.Temporal.Get(path)
		if err != nil {
			return nil, err
		}
		parts = append(parts, string(content))
	}
	return map[string]any{"content": strings.Join(parts, "\n")}, nil
}

// transformWordCount reports the whitespace-delimited token count of
// each input path's current content.
func transformWordCount(ctx context.Context, e *Engine, inputs []string, params map[string]any) (map[string]any, error) {
	counts := make(map[string]int, len(inputs))
	for _, path := range inputs {
		content, err := e.b.Temporal.Get(path)
		if err != nil {
			return nil, err
		}
		counts[path] = len(strings.Fields(string(content)))
	}
	return map[string]any{"counts": counts}, nil
}

// transformDiff reports whether two input paths' current content is
// identical, and if not, their respective lengths.
func transformDiff(ctx context.Context, e *Engine, inputs []string, params map[string]any) (map[string]any, error) {
	if len(inputs) != 2 {
		return nil, errors.New(errors.InvalidInput, "engine.transformDiff", fmt.Sprintf("diff requires exactly 2 inputs, got %d", len(inputs)))
	}
	a, err := e.b.Temporal.Get(inputs[0])
	if err != nil {
		return nil, err
	}
	b, err := e.b.Temporal.Get(inputs[1])
	if err != nil {
		return nil, err
	}
	equal := string(a) == string(b)
	return map[string]any{
		"equal": equal,
		"len_a": len(a),
		"len_b": len(b),
	}, nil
}
