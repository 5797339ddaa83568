// Package callplan parses the HF ALE call-plan configuration file: one
// station name per non-empty, non-comment line, in the round-robin
// order internal/radio/hfale.Driver dials them.
package callplan

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Parse reads a call-plan file, one station per line. Blank lines and
// lines beginning with '#' are ignored. Station names are trimmed of
// surrounding whitespace; a line that is only whitespace after
// trimming is skipped.
func Parse(r io.Reader) ([]string, error) {
	var stations []string
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.ContainsAny(line, " \t") {
			return nil, fmt.Errorf("callplan: line %d: station name %q contains whitespace", lineNo, line)
		}
		stations = append(stations, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("callplan: %w", err)
	}
	return stations, nil
}

// ParseString is a convenience wrapper over Parse for literal call plans.
func ParseString(s string) ([]string, error) {
	return Parse(strings.NewReader(s))
}
