// Package artifacts implements the filesystem-backed
// lengthpolicy.ArtifactPublisher: the out-of-band destination a trimmed
// response links to when it overflows
// response_max_bytes.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FilePublisher writes overflow text to BaseDir/<uuid>.txt and returns a URL
// built from BaseURL. Neither field is defaulted: the operator wires both in
// cmd/orchestrator/main.go.
type FilePublisher struct {
	BaseDir string
	BaseURL string
}

// Publish satisfies lengthpolicy.ArtifactPublisher and returns the URL of a
// freshly named artifact.
func (p *FilePublisher) Publish(text string) (string, error) {
	name := uuid.NewString() + ".txt"
	if _, err := p.write(name, text); err != nil {
		return "", err
	}
	return p.urlFor(name), nil
}

// Share stores text and returns both the artifact's id (for later edits)
// and its URL.
func (p *FilePublisher) Share(text string) (id, url string, err error) {
	name := uuid.NewString() + ".txt"
	if _, err := p.write(name, text); err != nil {
		return "", "", err
	}
	return name, p.urlFor(name), nil
}

// Read returns a previously published artifact's content by id.
func (p *FilePublisher) Read(id string) (string, error) {
	path, err := p.pathFor(id)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading artifact %s: %w", id, err)
	}
	return string(data), nil
}

// Update replaces an existing artifact's content in place, keeping its URL
// stable.
func (p *FilePublisher) Update(id, text string) (string, error) {
	path, err := p.pathFor(id)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return "", fmt.Errorf("artifact %s does not exist: %w", id, statErr)
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("updating artifact %s: %w", id, err)
	}
	return p.urlFor(id), nil
}

func (p *FilePublisher) write(name, text string) (string, error) {
	path := filepath.Join(p.BaseDir, name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// pathFor rejects ids that would escape BaseDir.
func (p *FilePublisher) pathFor(id string) (string, error) {
	if id == "" || strings.Contains(id, "/") || strings.Contains(id, "\\") || strings.Contains(id, "..") {
		return "", fmt.Errorf("invalid artifact id %q", id)
	}
	return filepath.Join(p.BaseDir, id), nil
}

func (p *FilePublisher) urlFor(name string) string {
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(p.BaseURL, "/"), name)
}
