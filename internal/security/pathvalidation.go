// Package security confines artifact and configuration paths to their
// intended directories.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLen bounds names derived from frame labels.
const maxFilenameLen = 128

// escapes reports whether rel climbs out of its base directory.
func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
}

// JoinWithin joins name onto dir and rejects results that leave dir. It is a
// purely lexical check, usable with in-memory filesystems.
func JoinWithin(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	base := filepath.Clean(dir)
	joined := filepath.Join(base, name)
	rel, err := filepath.Rel(base, joined)
	if err != nil || escapes(rel) || rel == "." {
		return "", fmt.Errorf("path traversal detected: %q escapes %s", name, dir)
	}
	return joined, nil
}

// ValidatePathWithinDirectory checks that filePath resolves inside safeDir on
// the real filesystem, following symlinks in any existing prefix of the path
// so that a link inside safeDir cannot redirect writes elsewhere.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absSafeDir, err := filepath.Abs(safeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory path: %w", err)
	}
	canonicalSafeDir, err := filepath.EvalSymlinks(absSafeDir)
	if err != nil {
		return fmt.Errorf("failed to resolve safe directory symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalSafeDir, resolveExistingPrefix(absPath))
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if escapes(rel) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// resolveExistingPrefix resolves symlinks in the longest existing ancestor of
// p and re-appends the remaining components.
func resolveExistingPrefix(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	for dir := filepath.Dir(p); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, p)
			return filepath.Join(resolved, rest)
		}
		if parent := filepath.Dir(dir); parent == dir {
			return p
		}
	}
}

// SanitizeFilename turns a frame label into a safe file name component.
// Characters other than ASCII letters, digits, '.', '_' and '-' become '_',
// runs of replacements collapse, and the result is capped in length.
// Repeated underscores that were already in the label are kept, so labels
// like "2026-01-15__10--30--00" pass through unchanged.
func SanitizeFilename(s string) string {
	var b strings.Builder
	replaced := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			replaced = false
		default:
			if !replaced {
				b.WriteByte('_')
				replaced = true
			}
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unknown"
	}
	return out
}
