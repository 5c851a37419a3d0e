package knowledge

import (
	"regexp"
	"strings"

	"github.com/ShayCichocki/hivemind/pkg/models"
)

// digitRun matches number sequences, which vary between otherwise identical
// error messages.
var digitRun = regexp.MustCompile(`\d+`)

// normalize collapses whitespace and case so recurring texts map to one
// pattern key.
func normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// errorSignature normalizes an error message into a stable pattern key.
func errorSignature(errText string) string {
	return digitRun.ReplaceAllString(normalize(errText), "#")
}

// Learn folds one experience into the pattern store. A problem/solution
// pattern and an error pattern are recorded independently; a successful
// experience also publishes a solution:<problem> entry via Share.
// Returns the patterns that were created or updated.
func (s *Store) Learn(workerID string, exp models.Experience) []models.Pattern {
	var touched []models.Pattern

	if exp.Problem != "" {
		p := s.upsertPattern("problem:"+normalize(exp.Problem), func(p *models.Pattern) {
			p.Problem = exp.Problem
			if exp.Success && exp.Solution != "" {
				p.Solution = exp.Solution
			}
		}, workerID, exp.Success)
		touched = append(touched, p)
	}

	if exp.Error != "" {
		p := s.upsertPattern("error:"+errorSignature(exp.Error), func(p *models.Pattern) {
			p.Problem = exp.Problem
			p.ErrorSignature = errorSignature(exp.Error)
			if exp.Success && exp.Solution != "" {
				// The solution that cleared this error.
				p.Solution = exp.Solution
			}
		}, workerID, exp.Success)
		touched = append(touched, p)
	}

	if exp.Success && exp.Problem != "" && exp.Solution != "" {
		// Share the resolution so other workers find it before retrying
		// the same problem.
		_ = s.Share(workerID, "solution:"+normalize(exp.Problem), exp.Solution, 0.5, 0)
	}

	return touched
}

// upsertPattern creates or updates one pattern under the store lock and
// returns a copy.
func (s *Store) upsertPattern(key string, update func(*models.Pattern), workerID string, success bool) models.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	p, ok := s.patterns[key]
	if !ok {
		p = &models.Pattern{ID: newID(), FirstSeen: now}
		s.patterns[key] = p
	}
	update(p)
	p.Occurrences++
	p.LastSeen = now
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}

	seen := false
	for _, c := range p.Contributors {
		if c == workerID {
			seen = true
			break
		}
	}
	if !seen {
		p.Contributors = append(p.Contributors, workerID)
	}

	out := *p
	out.Contributors = append([]string(nil), p.Contributors...)
	return out
}

// Patterns returns copies of all learned patterns.
func (s *Store) Patterns() []models.Pattern {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Pattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		c := *p
		c.Contributors = append([]string(nil), p.Contributors...)
		out = append(out, c)
	}
	return out
}
