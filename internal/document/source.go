package document

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned when a document does not exist in the source.
var ErrNotFound = errors.New("document: not found")

// Source is the authoritative document store. The shadow index is derived
// from it and never trusted over it.
type Source interface {
	// Read parses the document at a vault-relative path.
	Read(relPath string) (Document, error)
	// Write renders and persists the document, creating parent directories.
	Write(relPath string, doc Document) error
	// AppendOnce appends text to the body unless the body already contains
	// it. Returns true when the document changed. Safe to retry.
	AppendOnce(relPath string, text string) (bool, error)
	// List returns every markdown document path in the vault, sorted.
	List() ([]string, error)
	// Remove deletes the document. Missing documents are not an error.
	Remove(relPath string) error
	// Exists reports whether the path currently holds a document.
	Exists(relPath string) bool
}

// FSSource reads and writes documents under a vault root directory.
type FSSource struct {
	root string
}

// NewFSSource creates a source rooted at the vault directory.
func NewFSSource(root string) *FSSource {
	return &FSSource{root: filepath.Clean(root)}
}

// Read implements Source.
func (s *FSSource) Read(relPath string) (Document, error) {
	abs, err := s.abs(relPath)
	if err != nil {
		return Document{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Document{}, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return Document{}, fmt.Errorf("document: read %s: %w", relPath, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("document: %s: %w", relPath, err)
	}
	return doc, nil
}

// Write implements Source.
func (s *FSSource) Write(relPath string, doc Document) error {
	abs, err := s.abs(relPath)
	if err != nil {
		return err
	}
	content, err := Render(doc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("document: ensure dir for %s: %w", relPath, err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("document: write %s: %w", relPath, err)
	}
	return nil
}

// AppendOnce implements Source.
func (s *FSSource) AppendOnce(relPath string, text string) (bool, error) {
	doc, err := s.Read(relPath)
	if err != nil {
		return false, err
	}
	needle := []byte(strings.TrimSpace(text))
	if len(needle) == 0 || bytes.Contains(doc.Body, needle) {
		return false, nil
	}
	body := bytes.TrimRight(doc.Body, "\n")
	if len(body) > 0 {
		body = append(body, '\n')
	}
	body = append(body, needle...)
	body = append(body, '\n')
	doc.Body = body
	if err := s.Write(relPath, doc); err != nil {
		return false, err
	}
	return true, nil
}

// List implements Source.
func (s *FSSource) List() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".md") {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return relErr
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("document: list vault: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

// Remove implements Source.
func (s *FSSource) Remove(relPath string) error {
	abs, err := s.abs(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("document: remove %s: %w", relPath, err)
	}
	return nil
}

// Exists implements Source.
func (s *FSSource) Exists(relPath string) bool {
	abs, err := s.abs(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func (s *FSSource) abs(relPath string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(relPath))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("document: path %q escapes the vault", relPath)
	}
	return filepath.Join(s.root, clean), nil
}
