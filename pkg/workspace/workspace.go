// Package workspace manages persistent git working copies, one per
// (repository, ref) pair. Acquisition is serialized per pair so concurrent
// runs never interleave edits in the same checkout.
package workspace

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"daiv/pkg/logx"
	"daiv/pkg/proto"
)

var (
	// ErrPatchRejected reports that a patch did not apply cleanly; the
	// working copy is unchanged.
	ErrPatchRejected = errors.New("patch rejected")
	// ErrNothingToCommit reports an empty working tree at commit time.
	ErrNothingToCommit = errors.New("nothing to commit")
)

// Identity is the author identity stamped on commits.
type Identity struct {
	Name  string
	Email string
}

// Manager owns the checkout directory tree and the per-pair locks.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Manager struct {
	baseDir  string
	identity Identity
	logger   *logx.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager rooted at baseDir.
func NewManager(baseDir string, identity Identity) *Manager {
	return &Manager{
		baseDir:  baseDir,
		identity: identity,
		logger:   logx.NewLogger("workspace"),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(repo, ref string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := repo + "@" + ref
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// Workspace is one acquired working copy. Release must be called when the
// run finishes, success or not.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Workspace struct {
	Path string

	repo     string
	ref      string
	identity Identity
	gitRepo  *git.Repository
	release  func()
	released bool
}

// Acquire locks the (repo, ref) pair, then clones or refreshes the working
// copy so it exactly matches the remote ref. The returned workspace holds
// the lock until Release.
func (m *Manager) Acquire(ctx context.Context, cloneURL, repo, ref string) (*Workspace, error) {
	lock := m.lockFor(repo, ref)
	lock.Lock()

	path := filepath.Join(m.baseDir, proto.SanitizeThreadID(repo), proto.SanitizeThreadID(ref))
	gitRepo, err := m.ensureCheckout(ctx, path, cloneURL, ref)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	m.logger.Debug("acquired %s@%s at %s", repo, ref, path)
	return &Workspace{
		Path:     path,
		repo:     repo,
		ref:      ref,
		identity: m.identity,
		gitRepo:  gitRepo,
		release:  lock.Unlock,
	}, nil
}

func (m *Manager) ensureCheckout(ctx context.Context, path, cloneURL, ref string) (*git.Repository, error) {
	branch := plumbing.NewBranchReferenceName(ref)

	gitRepo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		m.logger.Info("cloning %s into %s", ref, path)
		gitRepo, err = git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
			URL:           cloneURL,
			ReferenceName: branch,
			SingleBranch:  true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to clone %s: %w", ref, err)
		}
		return gitRepo, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open checkout at %s: %w", path, err)
	}

	if err := gitRepo.FetchContext(ctx, &git.FetchOptions{Force: true}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}

	remoteRef, err := gitRepo.Reference(plumbing.NewRemoteReferenceName("origin", ref), true)
	if err != nil {
		return nil, fmt.Errorf("remote branch %s not found: %w", ref, err)
	}

	worktree, err := gitRepo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	// A previous run may have left the checkout on a work branch or with
	// stray edits; force back onto the target ref at the remote tip.
	checkout := &git.CheckoutOptions{Branch: branch, Force: true}
	if _, refErr := gitRepo.Reference(branch, false); refErr != nil {
		checkout.Create = true
		checkout.Hash = remoteRef.Hash()
		checkout.Branch = branch
	}
	if err := worktree.Checkout(checkout); err != nil {
		return nil, fmt.Errorf("failed to checkout %s: %w", ref, err)
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset, Commit: remoteRef.Hash()}); err != nil {
		return nil, fmt.Errorf("failed to reset %s to %s: %w", ref, remoteRef.Hash(), err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return nil, fmt.Errorf("failed to clean %s: %w", ref, err)
	}
	return gitRepo, nil
}

// Release returns the (repo, ref) lock. Safe to call more than once.
func (w *Workspace) Release() {
	if w.released {
		return
	}
	w.released = true
	w.release()
}

// Ref returns the ref the workspace was acquired for.
func (w *Workspace) Ref() string { return w.ref }

// Dirty reports whether the working tree differs from HEAD.
func (w *Workspace) Dirty() (bool, error) {
	worktree, err := w.gitRepo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return false, fmt.Errorf("failed to compute status: %w", err)
	}
	return !status.IsClean(), nil
}

// ChangedPaths lists paths that differ from HEAD.
func (w *Workspace) ChangedPaths() ([]string, error) {
	worktree, err := w.gitRepo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to compute status: %w", err)
	}
	var paths []string
	for path, st := range status {
		if st.Worktree != git.Unmodified || st.Staging != git.Unmodified {
			paths = append(paths, path)
		}
	}
	return paths, nil
}

// ResetHard discards every uncommitted change and untracked file.
func (w *Workspace) ResetHard() error {
	worktree, err := w.gitRepo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := worktree.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("failed to reset working tree: %w", err)
	}
	if err := worktree.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("failed to clean working tree: %w", err)
	}
	return nil
}

// SwitchToWorkBranch creates (or force-resets) a branch at HEAD and checks
// it out. Commits land on this branch; the acquired ref stays untouched.
func (w *Workspace) SwitchToWorkBranch(name string) error {
	head, err := w.gitRepo.Head()
	if err != nil {
		return fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	worktree, err := w.gitRepo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	branch := plumbing.NewBranchReferenceName(name)
	if err := w.gitRepo.Storer.SetReference(plumbing.NewHashReference(branch, head.Hash())); err != nil {
		return fmt.Errorf("failed to create branch %s: %w", name, err)
	}
	if err := worktree.Checkout(&git.CheckoutOptions{Branch: branch, Keep: true}); err != nil {
		return fmt.Errorf("failed to checkout branch %s: %w", name, err)
	}
	return nil
}

// ApplyPatch applies a unified patch to the working copy, all or nothing.
// The patch is verified before application; a rejection leaves the tree
// unchanged and returns ErrPatchRejected.
func (w *Workspace) ApplyPatch(ctx context.Context, patch string) error {
	if strings.TrimSpace(patch) == "" {
		return nil
	}

	check := exec.CommandContext(ctx, "git", "apply", "--check", "-")
	check.Dir = w.Path
	check.Stdin = strings.NewReader(patch)
	if out, err := check.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrPatchRejected, strings.TrimSpace(string(out)))
	}

	apply := exec.CommandContext(ctx, "git", "apply", "-")
	apply.Dir = w.Path
	apply.Stdin = strings.NewReader(patch)
	if out, err := apply.CombinedOutput(); err != nil {
		return fmt.Errorf("%w: %s", ErrPatchRejected, strings.TrimSpace(string(out)))
	}
	return nil
}

// Commit stages everything and commits with the configured identity.
// Returns ErrNothingToCommit when the tree is clean.
func (w *Workspace) Commit(message string) (string, error) {
	worktree, err := w.gitRepo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := worktree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage changes: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return "", fmt.Errorf("failed to compute status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  w.identity.Name,
			Email: w.identity.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// Push pushes a branch to origin. Credentials travel in the clone URL.
func (w *Workspace) Push(ctx context.Context, branch string) error {
	refspec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	err := w.gitRepo.PushContext(ctx, &git.PushOptions{
		RefSpecs: []gitconfig.RefSpec{refspec},
		Force:    true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("failed to push %s: %w", branch, err)
	}
	return nil
}

// Archive writes a tar.gz of the working copy, .git excluded. The result
// feeds sandbox sessions.
func (w *Workspace) Archive() (io.Reader, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err := filepath.Walk(w.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(w.Path, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git/") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if info.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()
		_, err = io.Copy(tw, file)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to archive working copy: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return &buf, nil
}
