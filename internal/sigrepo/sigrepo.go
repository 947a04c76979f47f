// Package sigrepo keeps a local checkout of the AI provider signature
// repository in sync. Signature tables ship as versioned YAML in a git
// repository so deployments pick up new provider fingerprints without a
// binary release.
package sigrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrGitNotInstalled indicates the git binary is not on PATH.
	ErrGitNotInstalled = errors.New("git is not installed or not in PATH")

	// ErrInvalidRemote indicates the remote URL has an unsupported scheme.
	ErrInvalidRemote = errors.New("invalid signature repository URL")

	// ErrSyncFailed indicates a clone or pull did not complete.
	ErrSyncFailed = errors.New("signature repository sync failed")

	// ErrTableMissing indicates the checkout does not contain the
	// configured signature table file.
	ErrTableMissing = errors.New("signature table not found in checkout")
)

// Config describes the signature repository to track.
type Config struct {
	// RemoteURL is the git remote holding the signature tables.
	RemoteURL string

	// Branch to track. Defaults to "main".
	Branch string

	// LocalPath is the checkout directory.
	LocalPath string

	// TablePath is the signature table file relative to the repository
	// root. Defaults to "ai_signatures.yaml".
	TablePath string

	// SSHKeyPath optionally points at a private key for ssh remotes.
	SSHKeyPath string

	// Depth controls shallow clone depth. Zero means full history.
	Depth int
}

// SyncResult reports the outcome of a Sync call.
type SyncResult struct {
	CommitHash string        `json:"commit_hash"`
	Updated    bool          `json:"updated"`
	Cloned     bool          `json:"cloned"`
	SyncedAt   time.Time     `json:"synced_at"`
	Duration   time.Duration `json:"duration"`
}

// Syncer maintains the local checkout. Safe for concurrent use; Sync
// calls are serialized.
type Syncer struct {
	cfg     Config
	gitPath string
	logger  *zap.Logger

	mu         sync.Mutex
	lastCommit string
}

// NewSyncer validates the configuration and locates git.
func NewSyncer(cfg Config, logger *zap.Logger) (*Syncer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, ErrGitNotInstalled
	}
	if err := validateRemote(cfg.RemoteURL); err != nil {
		return nil, err
	}
	if cfg.LocalPath == "" {
		return nil, fmt.Errorf("%w: local path is required", ErrInvalidRemote)
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.TablePath == "" {
		cfg.TablePath = "ai_signatures.yaml"
	}
	return &Syncer{cfg: cfg, gitPath: gitPath, logger: logger}, nil
}

// validateRemote accepts https, ssh, and file remotes. file:// supports
// air-gapped deployments that mirror the signature repo locally.
func validateRemote(url string) error {
	if url == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidRemote)
	}
	for _, prefix := range []string{"https://", "http://", "git@", "ssh://", "file://"} {
		if strings.HasPrefix(url, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidRemote, url)
}

// Sync clones the repository if no checkout exists, otherwise fast-forwards
// the tracked branch. Updated is true when HEAD moved.
func (s *Syncer) Sync(ctx context.Context) (*SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SyncResult{SyncedAt: start.UTC()}

	if _, err := os.Stat(filepath.Join(s.cfg.LocalPath, ".git")); err != nil {
		if err := s.clone(ctx); err != nil {
			return nil, err
		}
		result.Cloned = true
	} else if err := s.pull(ctx); err != nil {
		return nil, err
	}

	head, err := s.headCommit(ctx)
	if err != nil {
		return nil, err
	}
	result.CommitHash = head
	result.Updated = result.Cloned || head != s.lastCommit
	result.Duration = time.Since(start)
	s.lastCommit = head

	s.logger.Info("signature repository synced",
		zap.String("remote", s.cfg.RemoteURL),
		zap.String("branch", s.cfg.Branch),
		zap.String("commit", head),
		zap.Bool("cloned", result.Cloned),
		zap.Bool("updated", result.Updated),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// TableFile returns the absolute path of the signature table inside the
// checkout, verifying it exists.
func (s *Syncer) TableFile() (string, error) {
	path := filepath.Join(s.cfg.LocalPath, filepath.FromSlash(s.cfg.TablePath))
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrTableMissing, path)
	}
	return path, nil
}

// LastCommit returns the HEAD hash observed by the most recent Sync.
func (s *Syncer) LastCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommit
}

func (s *Syncer) clone(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.LocalPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}

	args := []string{"clone", "--branch", s.cfg.Branch, "--single-branch"}
	if s.cfg.Depth > 0 {
		args = append(args, "--depth", fmt.Sprintf("%d", s.cfg.Depth))
	}
	args = append(args, s.cfg.RemoteURL, s.cfg.LocalPath)

	if out, err := s.git(ctx, "", args...); err != nil {
		os.RemoveAll(s.cfg.LocalPath)
		return fmt.Errorf("%w: clone: %v: %s", ErrSyncFailed, err, strings.TrimSpace(out))
	}
	return nil
}

func (s *Syncer) pull(ctx context.Context) error {
	if out, err := s.git(ctx, s.cfg.LocalPath, "pull", "--ff-only", "origin", s.cfg.Branch); err != nil {
		return fmt.Errorf("%w: pull: %v: %s", ErrSyncFailed, err, strings.TrimSpace(out))
	}
	return nil
}

func (s *Syncer) headCommit(ctx context.Context) (string, error) {
	out, err := s.git(ctx, s.cfg.LocalPath, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: rev-parse: %v", ErrSyncFailed, err)
	}
	return strings.TrimSpace(out), nil
}

func (s *Syncer) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, s.gitPath, args...)
	cmd.Dir = dir
	if s.cfg.SSHKeyPath != "" {
		cmd.Env = append(os.Environ(),
			fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", s.cfg.SSHKeyPath))
	}
	out, err := cmd.CombinedOutput()
	return string(out), err
}
