package cache

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Repository-wide artifacts sit next to the directory mirroring the
// repository, so no tracked file can map onto them.
const (
	// DirectoryRecordExt names the history of a repository root directory
	DirectoryRecordExt = ".dirhistory"

	// MarkerExt names the newest fully cached revision of a repository
	MarkerExt = ".latest-cached-revision"
)

// Layout maps source paths to artifact paths:
// <DataRoot>/<Dir>/<path relative to SourceRoot><Suffix>.
type Layout struct {
	DataRoot   string
	SourceRoot string
	Dir        string
	Suffix     string
}

// Root returns the directory holding every artifact of this cache.
func (l Layout) Root() string {
	return filepath.Join(l.DataRoot, l.Dir)
}

// Relative returns path relative to the source root.
func (l Layout) Relative(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	root, err := filepath.Abs(l.SourceRoot)
	if err != nil {
		return "", fmt.Errorf("resolve source root: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideSourceRoot, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSourceRoot, path)
	}
	return rel, nil
}

// RelativeArtifact maps a source-root-relative path to its artifact.
func (l Layout) RelativeArtifact(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == "." || clean == ".." || filepath.IsAbs(clean) ||
		strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideSourceRoot, rel)
	}
	return filepath.Join(l.Root(), clean) + l.Suffix, nil
}

// Artifact maps a source file to its artifact.
func (l Layout) Artifact(path string) (string, error) {
	rel, err := l.Relative(path)
	if err != nil {
		return "", err
	}
	return l.RelativeArtifact(rel)
}

// RepositoryDir returns the artifact directory of a repository root.
func (l Layout) RepositoryDir(root string) (string, error) {
	rel, err := l.Relative(root)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.Root(), rel), nil
}

// DirectoryRecord returns the artifact holding a repository root's history.
func (l Layout) DirectoryRecord(root string) (string, error) {
	dir, err := l.RepositoryDir(root)
	if err != nil {
		return "", err
	}
	return dir + DirectoryRecordExt + l.Suffix, nil
}

// Marker returns the marker file of a repository root.
func (l Layout) Marker(root string) (string, error) {
	dir, err := l.RepositoryDir(root)
	if err != nil {
		return "", err
	}
	return dir + MarkerExt, nil
}
