// Package safety provides path-traversal and bounded-read guards used by the
// submission endpoint and the pipeline orchestrator's per-job working
// directories.
package safety

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

// ErrPathTraversal is returned when a user-supplied path escapes its base.
var ErrPathTraversal = errors.New("safety: path traversal detected")

// ErrTooLarge is returned by LimitedReadAll when the reader exceeds maxBytes.
var ErrTooLarge = errors.New("safety: read exceeds limit")

// SafePath validates that joining base and userInput does not escape base.
// Returns base joined with the cleaned input (absolute only when base is
// absolute) or ErrPathTraversal. Used to build the
// per-job working directory path from a job id before any file is written
// under it.
func SafePath(base, userInput string) (string, error) {
	if strings.Contains(userInput, "..") {
		return "", ErrPathTraversal
	}
	cleaned := filepath.Join(base, filepath.Clean("/"+userInput))
	if !strings.HasPrefix(cleaned, filepath.Clean(base)+string(filepath.Separator)) &&
		cleaned != filepath.Clean(base) {
		return "", ErrPathTraversal
	}
	return cleaned, nil
}

// LimitedReadAll reads at most maxBytes from r. Returns an error if the
// limit is exceeded without buffering more than maxBytes+1 bytes.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, maxBytes)
	}
	return data, nil
}
