// Package gitsync serializes git operations against the vault clone. At most
// one subprocess sequence (pull or commit+push) runs at a time; a contender
// arriving while one is in flight is skipped, never queued.
package gitsync

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/metrics"
	"github.com/starford/ansuz/internal/sse"
)

const stashMarker = "ansuz-autostash"

// PendingJournal tracks vault-relative paths written to disk but not yet
// pushed, so a busy-skip or a failed push never loses track of a publish.
type PendingJournal interface {
	AddPending(ctx context.Context, paths []string) error
	Pending(ctx context.Context) ([]string, error)
	ClearPending(ctx context.Context, paths []string) error
}

// Service owns all git subprocess sequences for one repository clone.
type Service struct {
	repoPath string
	log      *slog.Logger
	journal  PendingJournal
	metrics  *metrics.Metrics
	events   *sse.Broker

	mu sync.Mutex // held for the duration of one git sequence

	stateMu sync.Mutex
	state   Status
}

// Status reports the last observed sync outcomes.
type Status struct {
	Busy          bool      `json:"busy"`
	LastPullAt    time.Time `json:"last_pull_at"`
	LastPullError string    `json:"last_pull_error,omitempty"`
	LastPushAt    time.Time `json:"last_push_at"`
	LastPushError string    `json:"last_push_error,omitempty"`
	PendingCount  int       `json:"pending_count"`
}

// New creates a Service for the clone at repoPath. The path must be inside a
// git repository; anything else aborts startup. journal, m, and events may
// each be nil.
func New(ctx context.Context, repoPath string, log *slog.Logger, journal PendingJournal, m *metrics.Metrics, events *sse.Broker) (*Service, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("gitsync: resolve repo path: %w", err)
	}
	s := &Service{
		repoPath: abs,
		log:      log,
		journal:  journal,
		metrics:  m,
		events:   events,
	}
	if _, err := s.git(ctx, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("gitsync: %s is not a git repository: %w", abs, err)
	}
	return s, nil
}

// Pull fetches remote changes into the clone, stashing a dirty tree around
// the merge. All failures are logged and swallowed so a periodic caller
// never dies on transient errors.
func (s *Service) Pull(ctx context.Context) {
	_ = s.doPull(ctx)
}

func (s *Service) doPull(ctx context.Context) error {
	if !s.mu.TryLock() {
		s.log.Warn("gitsync: pull skipped, sync busy")
		s.metrics.RecordGitOp("pull", "skipped")
		return apperr.ErrSyncBusy
	}
	defer s.mu.Unlock()

	if err := s.pullLocked(ctx); err != nil {
		s.log.Error("gitsync: pull failed", slog.String("error", err.Error()))
		s.metrics.RecordGitOp("pull", "error")
		s.recordPull(err)
		s.events.Publish(sse.Event{Type: "sync.pull", Data: map[string]string{"result": "error"}})
		return err
	}

	s.metrics.RecordGitOp("pull", "ok")
	s.recordPull(nil)
	s.events.Publish(sse.Event{Type: "sync.pull", Data: map[string]string{"result": "ok"}})
	return nil
}

func (s *Service) pullLocked(ctx context.Context) error {
	status, err := s.git(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}

	// Untracked files never block a merge; only tracked modifications need
	// stashing.
	dirty := false
	for _, line := range strings.Split(status, "\n") {
		if line == "" || strings.HasPrefix(line, "??") {
			continue
		}
		dirty = true
		break
	}

	marker := fmt.Sprintf("%s-%d", stashMarker, time.Now().UnixMilli())
	if dirty {
		if _, err := s.git(ctx, "stash", "push", "-m", marker); err != nil {
			return err
		}
	}

	if _, err := s.git(ctx, "pull", "--no-rebase"); err != nil {
		if dirty {
			s.popStash(ctx, marker)
		}
		return err
	}

	if dirty {
		s.popStash(ctx, marker)
	}
	return nil
}

// popStash locates the stash entry tagged with marker and pops it. Failure
// is logged only; the stash stays behind for manual recovery.
func (s *Service) popStash(ctx context.Context, marker string) {
	list, err := s.git(ctx, "stash", "list")
	if err != nil {
		s.log.Warn("gitsync: stash list failed", slog.String("error", err.Error()))
		return
	}

	ref := ""
	for _, line := range strings.Split(list, "\n") {
		if !strings.Contains(line, marker) {
			continue
		}
		if i := strings.Index(line, ":"); i > 0 {
			ref = line[:i]
		}
		break
	}
	if ref == "" {
		s.log.Warn("gitsync: no matching stash to pop", slog.String("marker", marker))
		return
	}

	if _, err := s.git(ctx, "stash", "pop", ref); err != nil {
		s.log.Warn("gitsync: stash pop failed, manual recovery may be required",
			slog.String("stash", ref),
			slog.String("error", err.Error()))
	}
}

// CommitAndPush stages the given paths plus any journaled pending ones,
// commits, and pushes. If a sync is already in flight the call is skipped:
// the paths are journaled for a later sweep and nil is returned, since the
// files are safe on disk. Real git failures are wrapped and propagated.
func (s *Service) CommitAndPush(ctx context.Context, paths []string, message string) error {
	rels, err := s.relativize(paths)
	if err != nil {
		return err
	}

	if !s.mu.TryLock() {
		s.log.Warn("gitsync: commit skipped, sync busy", slog.Int("files", len(rels)))
		s.metrics.RecordGitOp("push", "skipped")
		s.addPending(ctx, rels)
		return nil
	}
	defer s.mu.Unlock()

	staged := s.withPending(ctx, rels)

	if err := s.commitAndPushLocked(ctx, staged, message); err != nil {
		s.metrics.RecordGitOp("push", "error")
		s.recordPush(err)
		s.addPending(ctx, rels)
		s.events.Publish(sse.Event{Type: "sync.push", Data: map[string]any{"result": "error"}})
		return fmt.Errorf("gitsync: commit and push: %w", err)
	}

	s.clearPending(ctx, staged)
	s.metrics.RecordGitOp("push", "ok")
	s.recordPush(nil)
	s.events.Publish(sse.Event{Type: "sync.push", Data: map[string]any{"result": "ok", "files": len(staged)}})
	return nil
}

func (s *Service) commitAndPushLocked(ctx context.Context, rels []string, message string) error {
	if len(rels) == 0 {
		s.log.Debug("gitsync: no paths to stage")
		return nil
	}

	args := append([]string{"add", "--"}, rels...)
	if _, err := s.git(ctx, args...); err != nil {
		return err
	}

	// diff --cached --quiet exits 0 when the index is clean; anything
	// staged exits 1.
	if _, err := s.git(ctx, "diff", "--cached", "--quiet"); err == nil {
		s.log.Warn("gitsync: nothing staged, skipping commit", slog.Int("files", len(rels)))
		return nil
	}

	if _, err := s.git(ctx, "commit", "-m", message); err != nil {
		return err
	}
	if _, err := s.git(ctx, "push"); err != nil {
		return err
	}
	return nil
}

// FlushPending sweeps journaled paths into one commit+push, if any remain.
func (s *Service) FlushPending(ctx context.Context) {
	if s.journal == nil {
		return
	}
	pend, err := s.journal.Pending(ctx)
	if err != nil {
		s.log.Warn("gitsync: journal read failed", slog.String("error", err.Error()))
		return
	}
	if len(pend) == 0 {
		return
	}

	s.log.Info("gitsync: publishing pending notes", slog.Int("count", len(pend)))
	msg := fmt.Sprintf("Publish %d pending note(s)", len(pend))
	if err := s.CommitAndPush(ctx, nil, msg); err != nil {
		s.log.Warn("gitsync: pending publish failed", slog.String("error", err.Error()))
	}
}

// Busy reports whether a git sequence is currently in flight.
func (s *Service) Busy() bool {
	if s.mu.TryLock() {
		s.mu.Unlock()
		return false
	}
	return true
}

// CurrentStatus snapshots the sync state for introspection surfaces.
func (s *Service) CurrentStatus(ctx context.Context) Status {
	s.stateMu.Lock()
	st := s.state
	s.stateMu.Unlock()

	st.Busy = s.Busy()
	if s.journal != nil {
		if pend, err := s.journal.Pending(ctx); err == nil {
			st.PendingCount = len(pend)
		}
	}
	return st
}

func (s *Service) recordPull(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.LastPullAt = time.Now()
	s.state.LastPullError = ""
	if err != nil {
		s.state.LastPullError = err.Error()
	}
}

func (s *Service) recordPush(err error) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.state.LastPushAt = time.Now()
	s.state.LastPushError = ""
	if err != nil {
		s.state.LastPushError = err.Error()
	}
}

// relativize converts paths to repo-relative form, rejecting any that fall
// outside the clone.
func (s *Service) relativize(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			out = append(out, filepath.Clean(p))
			continue
		}
		rel, err := filepath.Rel(s.repoPath, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return nil, fmt.Errorf("gitsync: path outside repository: %s", p)
		}
		out = append(out, rel)
	}
	return out, nil
}

// withPending folds journaled paths into the staging set, deduplicating and
// dropping journal entries whose files have vanished.
func (s *Service) withPending(ctx context.Context, rels []string) []string {
	seen := make(map[string]struct{}, len(rels))
	out := make([]string, 0, len(rels))
	for _, r := range rels {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}

	if s.journal == nil {
		return out
	}
	pend, err := s.journal.Pending(ctx)
	if err != nil {
		s.log.Warn("gitsync: journal read failed", slog.String("error", err.Error()))
		return out
	}

	var stale []string
	for _, r := range pend {
		if _, dup := seen[r]; dup {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.repoPath, r)); err != nil {
			stale = append(stale, r)
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	if len(stale) > 0 {
		s.log.Warn("gitsync: dropping journal entries for missing files", slog.Int("count", len(stale)))
		s.clearPending(ctx, stale)
	}
	return out
}

func (s *Service) addPending(ctx context.Context, rels []string) {
	if s.journal == nil || len(rels) == 0 {
		return
	}
	if err := s.journal.AddPending(ctx, rels); err != nil {
		s.log.Warn("gitsync: journal add failed", slog.String("error", err.Error()))
	}
}

func (s *Service) clearPending(ctx context.Context, rels []string) {
	if s.journal == nil || len(rels) == 0 {
		return
	}
	if err := s.journal.ClearPending(ctx, rels); err != nil {
		s.log.Warn("gitsync: journal clear failed", slog.String("error", err.Error()))
	}
}

// git runs one git subprocess in the clone, returning combined output.
// Credential prompts are disabled; a push against a repo that wants
// interactive auth fails instead of hanging the pipeline.
func (s *Service) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.repoPath
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return out.String(), nil
}
