package procs

import (
	"fmt"
	"io"
	"os"
)

// DefaultTailBytes is the amount of log surfaced on readiness and probe failures.
const DefaultTailBytes = 8192

// Tail returns the last maxBytes of the log at path, framed for terminal output.
func Tail(name, path string, maxBytes int64) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("(unable to read %s log %s: %v)", name, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Sprintf("(unable to stat %s log %s: %v)", name, path, err)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultTailBytes
	}
	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Sprintf("(unable to seek %s log %s: %v)", name, path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Sprintf("(unable to read %s log %s: %v)", name, path, err)
	}
	return fmt.Sprintf("----- %s log tail (%s) -----\n%s\n-----------------------------", name, path, data)
}
