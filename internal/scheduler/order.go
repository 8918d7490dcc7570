package scheduler

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/msageha/taskexec/internal/model"
)

// PhaseOrderer decides the execution order of parsed phases.
type PhaseOrderer interface {
	Order(phases []model.Phase) []model.Phase
}

// PhaseOrderFunc adapts a function to PhaseOrderer.
type PhaseOrderFunc func([]model.Phase) []model.Phase

func (f PhaseOrderFunc) Order(phases []model.Phase) []model.Phase { return f(phases) }

// FileOrder keeps phases as declared.
var FileOrder = PhaseOrderFunc(func(phases []model.Phase) []model.Phase { return phases })

// DefaultOrderer runs Setup/Foundation phases first, then user-story phases
// sorted by name (numbers compared numerically), then everything else in
// file order. It is a naming heuristic; callers with other conventions
// should supply their own PhaseOrderer.
type DefaultOrderer struct{}

var storyNumberRe = regexp.MustCompile(`\d+`)

func (DefaultOrderer) Order(phases []model.Phase) []model.Phase {
	var setup, stories, rest []model.Phase
	for _, p := range phases {
		name := strings.ToLower(p.Name)
		switch {
		case strings.Contains(name, "setup") || strings.Contains(name, "foundation"):
			setup = append(setup, p)
		case strings.Contains(name, "user story") || strings.HasPrefix(name, "us ") || strings.HasPrefix(name, "story"):
			stories = append(stories, p)
		default:
			rest = append(rest, p)
		}
	}
	sort.SliceStable(stories, func(i, j int) bool {
		return naturalLess(stories[i].Name, stories[j].Name)
	})

	out := make([]model.Phase, 0, len(phases))
	out = append(out, setup...)
	out = append(out, stories...)
	return append(out, rest...)
}

// naturalLess compares names case-insensitively; when both share the text
// before their first number, the numbers are compared numerically so
// "Story 2" sorts before "Story 10".
func naturalLess(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	pa, na := splitNumber(la)
	pb, nb := splitNumber(lb)
	if pa == pb && na >= 0 && nb >= 0 && na != nb {
		return na < nb
	}
	return la < lb
}

func splitNumber(s string) (string, int) {
	loc := storyNumberRe.FindStringIndex(s)
	if loc == nil {
		return s, -1
	}
	n, err := strconv.Atoi(s[loc[0]:loc[1]])
	if err != nil {
		return s, -1
	}
	return s[:loc[0]], n
}

// OrderPhases applies DefaultOrderer.
func OrderPhases(phases []model.Phase) []model.Phase {
	return DefaultOrderer{}.Order(phases)
}
