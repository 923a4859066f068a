// Package gitops pushes agent workspaces with an optimistic-lock retry:
// a rejected push is rebased onto the remote and tried again, and a rebase
// that hits real content conflicts is reported instead of retried.
package gitops

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"go.uber.org/zap"

	"phaseline/internal/resilience"
)

// Trailer is the commit trailer agents use to tag side-effecting commits.
const Trailer = "Idempotency-Key"

const (
	DefaultAttempts = 3
	// trailerScanDepth bounds how far back the remote branch is searched.
	trailerScanDepth = 500
	ledgerScope      = "push"
)

// ConflictError lists the paths a rebase could not merge. It needs a human
// and is never retried.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("rebase conflict in %s", strings.Join(e.Paths, ", "))
}

// ErrPushRejected is returned when every attempt was rejected as non-fast-forward.
var ErrPushRejected = errors.New("push rejected")

type Pusher struct {
	Dir      string
	Remote   string
	Branch   string
	Attempts int
	Ledger   *resilience.Ledger
	Log      *zap.Logger

	gitPath string
}

// PushResult says what Push did.
type PushResult struct {
	Commit   string `json:"commit,omitempty"`
	Skipped  bool   `json:"skipped"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
}

// New checks that dir is a repository and git is installed.
func New(dir, remote, branch string) (*Pusher, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	if _, err := git.PlainOpen(dir); err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	if remote == "" {
		remote = "origin"
	}
	p := &Pusher{Dir: dir, Remote: remote, Branch: branch, Attempts: DefaultAttempts, gitPath: gitPath}
	if branch == "" {
		if p.Branch, err = p.CurrentBranch(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pusher) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return zap.NewNop()
}

// CurrentBranch is the short name of the checked out branch.
func (p *Pusher) CurrentBranch() (string, error) {
	repo, err := git.PlainOpen(p.Dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", errors.New("HEAD is detached")
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the hash HEAD points at.
func (p *Pusher) HeadCommit() (string, error) {
	repo, err := git.PlainOpen(p.Dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// RemoteHasKey reports whether a commit tagged with key is already on the
// remote-tracking branch. Call Fetch first for an up-to-date answer.
func (p *Pusher) RemoteHasKey(key string) (bool, error) {
	hash, err := p.remoteCommit(key)
	return hash != "", err
}

func (p *Pusher) remoteCommit(key string) (string, error) {
	repo, err := git.PlainOpen(p.Dir)
	if err != nil {
		return "", err
	}
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(p.Remote, p.Branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return "", err
	}
	defer iter.Close()
	found, seen := "", 0
	err = iter.ForEach(func(c *object.Commit) error {
		seen++
		if hasTrailer(c.Message, key) {
			found = c.Hash.String()
			return storer.ErrStop
		}
		if seen >= trailerScanDepth {
			return storer.ErrStop
		}
		return nil
	})
	return found, err
}

func hasTrailer(message, key string) bool {
	sc := bufio.NewScanner(strings.NewReader(message))
	for sc.Scan() {
		name, value, ok := strings.Cut(sc.Text(), ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), Trailer) && strings.TrimSpace(value) == key {
			return true
		}
	}
	return false
}

// Fetch updates the remote-tracking branch.
func (p *Pusher) Fetch(ctx context.Context) error {
	out, err := p.git(ctx, "fetch", p.Remote, p.Branch)
	if err != nil {
		return fmt.Errorf("git fetch: %w: %s", err, strings.TrimSpace(out))
	}
	return nil
}

// Push pushes HEAD to the remote branch. With a key, a push already recorded
// in the ledger or already visible on the remote is skipped.
func (p *Pusher) Push(ctx context.Context, key string) (PushResult, error) {
	log := p.log().With(zap.String("branch", p.Branch), zap.String("key", key))
	if key != "" && p.Ledger != nil {
		entry, err := p.Ledger.Lookup(ctx, key)
		if err != nil {
			return PushResult{}, err
		}
		if entry != nil && entry.CompletedAt != nil {
			log.Info("push already recorded", zap.String("commit", entry.Result))
			return PushResult{Commit: entry.Result, Skipped: true, Reason: "ledger"}, nil
		}
	}
	if key != "" {
		if err := p.Fetch(ctx); err != nil {
			log.Warn("fetch before push", zap.Error(err))
		} else if hash, err := p.remoteCommit(key); err != nil {
			return PushResult{}, err
		} else if hash != "" {
			log.Info("remote already has a commit for this key", zap.String("commit", hash))
			p.record(ctx, key, hash)
			return PushResult{Commit: hash, Skipped: true, Reason: "remote"}, nil
		}
	}

	attempts := p.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := p.git(ctx, "push", p.Remote, "HEAD:refs/heads/"+p.Branch)
		if err == nil {
			head, herr := p.HeadCommit()
			if herr != nil {
				return PushResult{}, herr
			}
			log.Info("pushed", zap.String("commit", head), zap.Int("attempt", attempt))
			if key != "" {
				p.record(ctx, key, head)
			}
			return PushResult{Commit: head, Attempts: attempt}, nil
		}
		if !isRejection(out) {
			return PushResult{Attempts: attempt}, fmt.Errorf("git push: %w: %s", err, strings.TrimSpace(out))
		}
		log.Warn("push rejected, rebasing onto remote", zap.Int("attempt", attempt))
		if err := p.Fetch(ctx); err != nil {
			return PushResult{Attempts: attempt}, err
		}
		if err := p.rebase(ctx); err != nil {
			return PushResult{Attempts: attempt}, err
		}
	}
	return PushResult{Attempts: attempts}, fmt.Errorf("%w after %d attempts", ErrPushRejected, attempts)
}

func (p *Pusher) record(ctx context.Context, key, result string) {
	if p.Ledger == nil {
		return
	}
	if err := p.Ledger.Complete(ctx, key, ledgerScope, result); err != nil {
		p.log().Warn("record push key", zap.String("key", key), zap.Error(err))
	}
}

// rebase replays local commits onto the remote branch. On conflict the
// rebase is aborted and the conflicting paths are returned.
func (p *Pusher) rebase(ctx context.Context) error {
	out, err := p.git(ctx, "rebase", p.Remote+"/"+p.Branch)
	if err == nil {
		return nil
	}
	paths := p.conflictedPaths(ctx)
	if _, abortErr := p.git(ctx, "rebase", "--abort"); abortErr != nil {
		p.log().Warn("rebase --abort", zap.Error(abortErr))
	}
	if len(paths) > 0 {
		return &ConflictError{Paths: paths}
	}
	return fmt.Errorf("git rebase: %w: %s", err, strings.TrimSpace(out))
}

func (p *Pusher) conflictedPaths(ctx context.Context) []string {
	out, err := p.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func isRejection(out string) bool {
	for _, marker := range []string{"[rejected]", "non-fast-forward", "fetch first", "failed to push some refs"} {
		if strings.Contains(out, marker) {
			return true
		}
	}
	return false
}

func (p *Pusher) git(ctx context.Context, args ...string) (string, error) {
	gitPath := p.gitPath
	if gitPath == "" {
		gitPath = "git"
	}
	cmd := exec.CommandContext(ctx, gitPath, append([]string{"-C", p.Dir}, args...)...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
