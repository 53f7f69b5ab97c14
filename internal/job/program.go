// Package job streams G-code programs to the controller one line at a
// time and parks them when a line cannot be completed.
package job

import (
	"bufio"
	"io"
	"strings"

	"github.com/KevinKickass/OpenLaserCore/internal/faults"
)

// maxLineLength is the longest block Grbl accepts in its line buffer.
const maxLineLength = 255

type Line struct {
	// Number is the 1-based line number in the source file.
	Number int    `json:"number"`
	Code   string `json:"code"`
}

type Program struct {
	Name  string `json:"name"`
	Lines []Line `json:"lines"`
}

// ParseProgram reads G-code and keeps every line that carries a command.
// Comments in parentheses and after ';' are removed, as are '%' tape
// markers.
func ParseProgram(name string, r io.Reader) (*Program, error) {
	p := &Program{Name: name}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		code := stripComments(sc.Text())
		if code == "" || code == "%" {
			continue
		}
		if len(code) > maxLineLength {
			return nil, faults.InvalidParameter("line %d exceeds %d characters", n, maxLineLength)
		}
		p.Lines = append(p.Lines, Line{Number: n, Code: code})
	}
	if err := sc.Err(); err != nil {
		return nil, faults.InvalidParameter("read program: %v", err)
	}
	if len(p.Lines) == 0 {
		return nil, faults.InvalidParameter("program %q contains no commands", name)
	}
	return p, nil
}

func stripComments(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
