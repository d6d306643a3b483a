package executor

import (
	"fmt"
	"regexp"

	"mediaforged/pkg/executor/runner"
	"mediaforged/pkg/models"
)

// Classifier maps a process result onto a terminal outcome status.
// Cancellation and timeout are caller/operator driven and take precedence
// over whatever exit code the dying process happened to produce.
type Classifier struct {
	transientCodes    map[int]struct{}
	transientPatterns []*regexp.Regexp
}

// NewClassifier compiles the configured transient exit codes and stderr
// patterns. Patterns are regular expressions matched against the captured
// diagnostic stream.
func NewClassifier(codes []int, patterns []string) (*Classifier, error) {
	c := &Classifier{transientCodes: make(map[int]struct{}, len(codes))}
	for _, code := range codes {
		c.transientCodes[code] = struct{}{}
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid transient pattern %q: %w", p, err)
		}
		c.transientPatterns = append(c.transientPatterns, re)
	}
	return c, nil
}

// Classify resolves the status for one finished execution.
func (c *Classifier) Classify(res runner.Result) models.OutcomeStatus {
	switch {
	case res.Cancelled:
		return models.OutcomeCancelled
	case res.TimedOut:
		return models.OutcomeTimedOut
	case res.Err != nil:
		// The tool never ran or could not be waited on; retrying the same
		// job against the same host will not help.
		return models.OutcomeFailedFatal
	case res.ExitCode == 0:
		return models.OutcomeSucceeded
	}

	if _, ok := c.transientCodes[res.ExitCode]; ok {
		return models.OutcomeFailedRetryable
	}
	for _, re := range c.transientPatterns {
		if re.Match(res.Stderr) {
			return models.OutcomeFailedRetryable
		}
	}
	return models.OutcomeFailedFatal
}
