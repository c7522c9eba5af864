package document

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
var ErrMalformedFrontMatter = errors.New("document: malformed frontmatter")

// ParseFrontMatter extracts the metadata block and body from a document that
// starts with `---` YAML fences. Documents without a fence parse as an empty
// header plus the full content as body.
func ParseFrontMatter(content []byte) (Frontmatter, []byte, error) {
	normalized := normalizeNewlines(content)
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Frontmatter{}, normalized, nil
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		// A fence that never closes is malformed rather than fence-less.
		return nil, nil, ErrMalformedFrontMatter
	}
	var fm Frontmatter
	if err := yaml.Unmarshal(parts[0], &fm); err != nil {
		return nil, nil, fmt.Errorf("document: parse frontmatter: %w", err)
	}
	if fm == nil {
		fm = Frontmatter{}
	}
	return fm, parts[1], nil
}

// Parse splits raw content into a Document.
func Parse(content []byte) (Document, error) {
	fm, body, err := ParseFrontMatter(content)
	if err != nil {
		return Document{}, err
	}
	return Document{Frontmatter: fm, Body: body}, nil
}

// Render produces the on-disk form: fenced YAML header plus body.
func Render(doc Document) ([]byte, error) {
	data, err := yaml.Marshal(map[string]any(doc.Frontmatter))
	if err != nil {
		return nil, fmt.Errorf("document: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n")
	body := normalizeNewlines(doc.Body)
	if len(body) > 0 && body[0] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
