package evidence

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"

	"github.com/fyrsmithlabs/epistemd/pkg/vectors"
)

// TestSource shells out to a test runner and converts the pass/fail ratio
// into evidence for execution-related dimensions.
//
// The ratio grounds `do` and `state` directly, and `uncertainty` as its
// complement: an agent claiming low uncertainty over a red test suite is
// exactly the miscalibration this source exists to expose.
type TestSource struct {
	// Command is the test runner invocation, argv style
	// (e.g. ["go", "test", "./..."]).
	Command []string

	// Dir is the working directory for the runner.
	Dir string
}

var (
	passPattern = regexp.MustCompile(`(?m)^\s*--- PASS|^ok\s+\S+`)
	failPattern = regexp.MustCompile(`(?m)^\s*--- FAIL|^FAIL\s+\S+`)
)

// Name implements Source.
func (s *TestSource) Name() string { return "tests" }

// Dimensions implements Source.
func (s *TestSource) Dimensions() []vectors.Dimension {
	return []vectors.Dimension{vectors.Do, vectors.State, vectors.Uncertainty}
}

// Collect runs the configured test command and parses its output.
//
// The pass ratio is computed from PASS/FAIL markers when present; otherwise
// the exit code decides (0 means everything passed). The runner's own exit
// status is evidence, not an error: only a command that could not run at all
// is reported as a failure.
func (s *TestSource) Collect(ctx context.Context) ([]Item, error) {
	if len(s.Command) == 0 {
		return nil, ErrEvidenceUnavailable
	}

	cmd := exec.CommandContext(ctx, s.Command[0], s.Command[1:]...)
	cmd.Dir = s.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	ratio, ok := passRatio(out.String())
	if !ok {
		var exitErr *exec.ExitError
		switch {
		case runErr == nil:
			ratio = 1.0
		case errors.As(runErr, &exitErr):
			// Runner ran and reported failure without parseable markers.
			ratio = 0.0
		default:
			// Command never ran (missing binary, bad dir).
			return nil, runErr
		}
	}

	return []Item{
		{Source: s.Name(), Tier: TierObjective, Dimension: vectors.Do, Value: ratio},
		{Source: s.Name(), Tier: TierObjective, Dimension: vectors.State, Value: ratio},
		{Source: s.Name(), Tier: TierObjective, Dimension: vectors.Uncertainty, Value: 1.0 - ratio},
	}, nil
}

// passRatio parses PASS/FAIL markers out of test runner output. The second
// return value is false when no markers were found.
func passRatio(output string) (float64, bool) {
	passed := len(passPattern.FindAllString(output, -1))
	failed := len(failPattern.FindAllString(output, -1))
	total := passed + failed
	if total == 0 {
		return 0, false
	}
	return float64(passed) / float64(total), true
}
