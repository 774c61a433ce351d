package stub

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// ReadCapture loads the requests recorded in a capture file.
func ReadCapture(path string) ([]Captured, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Captured
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*maxRequestBytes)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var c Captured
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		out = append(out, c)
	}
	return out, scanner.Err()
}

// HasField reports whether the request body is a JSON object with key set.
func (c Captured) HasField(key string) bool {
	if len(c.Body) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(c.Body, &obj); err != nil {
		return false
	}
	_, ok := obj[key]
	return ok
}
