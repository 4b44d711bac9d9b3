package temporal

import (
	"strings"

	"agrama/internal/errors"
)

// ValidatePath enforces the entity path grammar: no absolute paths,
// no parent-directory traversal (in any of its encodings), no
// null bytes, and a first-segment allow-list for file-like
// identifiers (with a backward-compat exception for separator-free
// paths, which predate the allow-list and are treated as bare keys
// rather than file paths).
func ValidatePath(path string, allowedPrefixes []string) error {
	if path == "" {
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "path must not be empty")
	}
	if strings.IndexByte(path, 0) >= 0 {
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "path contains a null byte")
	}
	if strings.HasPrefix(path, "/") {
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "absolute paths are not allowed")
	}
	if len(path) >= 2 && path[1] == ':' {
		// Windows drive-letter prefix, e.g. "C:\x".
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "drive-letter paths are not allowed")
	}
	lower := strings.ToLower(path)
	if strings.Contains(lower, "%2e%2e") {
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "percent-encoded parent segments are not allowed")
	}
	if containsParentTraversal(path) {
		return errors.New(errors.InvalidPath, "temporal.ValidatePath", "parent-directory segments are not allowed")
	}

	if !strings.ContainsAny(path, "/\\") {
		// Backward-compat exception: a bare key with no separator
		// predates the allow-list and is accepted unconditionally.
		return nil
	}

	first := path
	if idx := strings.IndexAny(path, "/\\"); idx >= 0 {
		first = path[:idx]
	}
	if len(allowedPrefixes) == 0 {
		return nil
	}
	for _, p := range allowedPrefixes {
		if first == p {
			return nil
		}
	}
	return errors.New(errors.InvalidPath, "temporal.ValidatePath", "first path segment is not in the allowed prefix list: "+first)
}

// containsParentTraversal reports whether path has a ".." segment
// (preceded by the string start or a separator, and followed by a
// separator or the string end) anywhere in the string, catching
// "../x", "a/../x" and "a/.." without rejecting legitimate names that
// merely contain two dots, like "v2..final".
func containsParentTraversal(path string) bool {
	for i := 0; i+1 < len(path); i++ {
		if path[i] == '.' && path[i+1] == '.' {
			before := i == 0 || path[i-1] == '/' || path[i-1] == '\\'
			afterIdx := i + 2
			after := afterIdx >= len(path) || path[afterIdx] == '/' || path[afterIdx] == '\\'
			if before && after {
				return true
			}
		}
	}
	return false
}
