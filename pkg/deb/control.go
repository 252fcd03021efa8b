// Package deb implements the Debian package primitives needed to manage an
// apt repository: control paragraph parsing and serialization, version
// comparison and reading the control metadata out of .deb archives.
package deb

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrMalformedControl is returned when a control paragraph cannot be parsed.
	ErrMalformedControl = errors.New("malformed control data")

	// ErrMissingField is returned when a required control field is absent.
	ErrMissingField = errors.New("missing control field")
)

// Paragraph is one RFC822-style Debian control paragraph. Field order is
// preserved so a parsed paragraph dumps back in its original form.
type Paragraph struct {
	names  []string
	values map[string]string
}

// NewParagraph returns an empty control paragraph.
func NewParagraph() *Paragraph {
	return &Paragraph{values: make(map[string]string)}
}

// ParseControl parses the first control paragraph from r. Continuation
// lines (leading space or tab) are folded into the value of the preceding
// field, separated by newlines.
func ParseControl(r io.Reader) (*Paragraph, error) {
	p := NewParagraph()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var last string

	for scanner.Scan() {
		line := scanner.Text()

		if strings.TrimSpace(line) == "" {
			if len(p.names) > 0 {
				break
			}

			continue
		}

		if line[0] == ' ' || line[0] == '\t' {
			if last == "" {
				return nil, fmt.Errorf("%w: continuation line without a field", ErrMalformedControl)
			}

			p.values[last] += "\n" + line[1:]

			continue
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMalformedControl, line)
		}

		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: empty field name", ErrMalformedControl)
		}

		p.Set(name, strings.TrimPrefix(value, " "))
		last = name
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanner error: %w", err)
	}

	if len(p.names) == 0 {
		return nil, fmt.Errorf("%w: no fields", ErrMalformedControl)
	}

	return p, nil
}

// ParseControlString parses a control paragraph from a string.
func ParseControlString(s string) (*Paragraph, error) {
	return ParseControl(strings.NewReader(s))
}

// Get returns the value of the named field, or the empty string if absent.
func (p *Paragraph) Get(name string) string {
	return p.values[name]
}

// Has reports whether the named field is present.
func (p *Paragraph) Has(name string) bool {
	_, ok := p.values[name]

	return ok
}

// Set adds or replaces the named field. New fields are appended at the end
// of the paragraph.
func (p *Paragraph) Set(name, value string) {
	if _, ok := p.values[name]; !ok {
		p.names = append(p.names, name)
	}

	p.values[name] = value
}

// Names returns the field names in paragraph order.
func (p *Paragraph) Names() []string {
	names := make([]string, len(p.names))
	copy(names, p.names)

	return names
}

// WriteTo dumps the paragraph in Debian control syntax, terminated by a
// single trailing newline after the last field. Multi-line values are
// written as continuation lines.
func (p *Paragraph) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder

	for _, name := range p.names {
		value := p.values[name]
		lines := strings.Split(value, "\n")

		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(lines[0])
		sb.WriteByte('\n')

		for _, line := range lines[1:] {
			sb.WriteByte(' ')
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	n, err := io.WriteString(w, sb.String())

	return int64(n), err
}

// String returns the paragraph in Debian control syntax.
func (p *Paragraph) String() string {
	var sb strings.Builder

	//nolint:errcheck // strings.Builder cannot fail
	p.WriteTo(&sb)

	return sb.String()
}
