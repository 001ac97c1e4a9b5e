package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	git "github.com/go-git/go-git/v5"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// Diff normalization scales: a worktree touching this many files maps to the
// top of the [0,1] range for the respective dimension.
const (
	changeScale = 20.0
	impactScale = 50.0
)

// DiffSource reads version-control state with go-git and converts worktree
// churn into evidence for the inverted `change` and `impact` dimensions.
//
// Both dimensions are lower-is-better, so the evidence value rises with the
// number of touched files: an agent reporting change=0.1 over forty dirty
// files is overconfident about the blast radius.
type DiffSource struct {
	// RepoPath is the repository root (or any directory inside it).
	RepoPath string
}

// Name implements Source.
func (s *DiffSource) Name() string { return "vcs-diff" }

// Dimensions implements Source.
func (s *DiffSource) Dimensions() []vectors.Dimension {
	return []vectors.Dimension{vectors.Change, vectors.Impact}
}

// Collect computes diff stats for the worktree.
func (s *DiffSource) Collect(ctx context.Context) ([]Item, error) {
	status, err := worktreeStatus(s.RepoPath)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	touched := 0
	for _, fs := range status {
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			touched++
		}
	}

	return []Item{
		{
			Source:    s.Name(),
			Tier:      TierObjective,
			Dimension: vectors.Change,
			Value:     normalize(float64(touched), changeScale),
		},
		{
			Source:    s.Name(),
			Tier:      TierObjective,
			Dimension: vectors.Impact,
			Value:     normalize(float64(touched), impactScale),
		},
	}, nil
}

// WorktreeHasher produces a content hash of the work-tree state at
// measurement time, recorded on every checkpoint for restart recovery and
// audit.
type WorktreeHasher interface {
	Hash(ctx context.Context) (string, error)
}

// GitWorktreeHasher hashes the HEAD commit plus the sorted list of dirty
// paths. Two checkpoints taken over an identical tree produce identical
// hashes; any edit between them does not.
type GitWorktreeHasher struct {
	RepoPath string
}

// Hash implements WorktreeHasher.
func (h *GitWorktreeHasher) Hash(ctx context.Context) (string, error) {
	repo, err := git.PlainOpenWithOptions(h.RepoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}

	sum := sha256.New()

	head, err := repo.Head()
	if err == nil {
		sum.Write([]byte(head.Hash().String()))
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("resolving worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading worktree status: %w", err)
	}

	paths := make([]string, 0, len(status))
	for path, fs := range status {
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, p := range paths {
		sum.Write([]byte(p))
		sum.Write([]byte{0})
	}

	return hex.EncodeToString(sum.Sum(nil)), nil
}

// worktreeStatus opens the repository and reads its worktree status.
func worktreeStatus(repoPath string) (git.Status, error) {
	repo, err := git.PlainOpenWithOptions(repoPath, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("resolving worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}
	return status, nil
}

// normalize maps a count onto [0,1] against a scale ceiling.
func normalize(n, scale float64) float64 {
	if n >= scale {
		return 1.0
	}
	return n / scale
}
