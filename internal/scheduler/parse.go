package scheduler

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/msageha/taskexec/internal/model"
)

// DefaultPhaseName holds checklist lines that appear before any phase header.
const DefaultPhaseName = "Default"

var (
	phaseHeaderRe = regexp.MustCompile(`^##\s+(?:Phase\s+\d+\s*[:.\-]\s*)?(.+?)\s*#*\s*$`)
	checklistRe   = regexp.MustCompile(`^\s*[-*]\s+\[([ xX])\]\s*(.*)$`)
	taskTokenRe   = regexp.MustCompile(`\bT\d+\b`)
	parallelRe    = regexp.MustCompile(`\[[Pp]\]`)
	backtickRe    = regexp.MustCompile("`([^`]*)`")
	dependsRe     = regexp.MustCompile(`(?i)\(\s*depends\s+on\s*:?\s*([^)]*)\)`)
)

// ParseFile parses a task list, choosing the format by extension:
// .yaml/.yml are YAML, everything else Markdown.
func ParseFile(path string) ([]model.Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &model.TaskExecutorError{Op: "read task list", Err: err}
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseMarkdown(data)
	}
}

// IsBlockingName reports whether a phase name marks the phase blocking.
func IsBlockingName(name string) bool {
	return strings.Contains(strings.ToLower(name), "blocking")
}

// ParseMarkdown parses "## Phase N: <name>" sections of "- [ ]" checklist lines.
// Every checklist line yields exactly one task.
func ParseMarkdown(data []byte) ([]model.Phase, error) {
	b := newPhaseBuilder()
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if m := phaseHeaderRe.FindStringSubmatch(line); m != nil {
			b.phase(m[1], IsBlockingName(m[1]))
			continue
		}
		m := checklistRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		task, err := parseChecklistItem(m[2], m[1] != " ")
		if err != nil {
			return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: line %d: %v", model.ErrParse, lineNo, err)}
		}
		task.Line = lineNo
		if err := b.add(task, ""); err != nil {
			return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: line %d: %v", model.ErrParse, lineNo, err)}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &model.TaskExecutorError{Op: "read task list", Err: err}
	}
	return b.finish()
}

func parseChecklistItem(text string, completed bool) (model.Task, error) {
	task := model.Task{IsCompleted: completed}

	if m := backtickRe.FindStringSubmatch(text); m != nil {
		program, args, err := SplitCommand(m[1])
		if err != nil {
			return model.Task{}, err
		}
		task.Program, task.Args = program, args
	}
	// Ids and markers are searched outside code spans so a command such as
	// `pytest -k T12` does not redefine the task id.
	plain := backtickRe.ReplaceAllString(text, "")

	if m := dependsRe.FindStringSubmatch(plain); m != nil {
		for _, dep := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ' ' || r == ';' }) {
			if dep = strings.TrimSpace(dep); dep != "" && dep != "and" {
				task.Dependencies = append(task.Dependencies, dep)
			}
		}
		plain = dependsRe.ReplaceAllString(plain, "")
	}
	if parallelRe.MatchString(plain) {
		task.IsParallel = true
		plain = parallelRe.ReplaceAllString(plain, "")
	}
	if id := taskTokenRe.FindString(plain); id != "" {
		task.ID = id
		plain = strings.Replace(plain, id, "", 1)
	}

	task.Description = strings.Join(strings.Fields(plain), " ")
	if task.Description == "" {
		task.Description = strings.TrimSpace(text)
	}
	return task, nil
}

type yamlTaskList struct {
	Phases   []yamlPhase `yaml:"phases"`
	Commands []yamlTask  `yaml:"commands"`
}

type yamlPhase struct {
	Name     string `yaml:"name"`
	Blocking *bool  `yaml:"blocking"`
}

type yamlTask struct {
	model.Task `yaml:",inline"`
	Command    string `yaml:"command"`
}

// ParseYAML parses the alternate format: a top-level commands list with an
// optional phases list declaring order and blocking.
func ParseYAML(data []byte) ([]model.Phase, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: %v", model.ErrParse, err)}
	}
	if _, ok := raw["commands"]; !ok {
		return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: missing top-level commands list", model.ErrParse)}
	}
	var doc yamlTaskList
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: %v", model.ErrParse, err)}
	}

	b := newPhaseBuilder()
	for _, p := range doc.Phases {
		if strings.TrimSpace(p.Name) == "" {
			return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: phase without name", model.ErrParse)}
		}
		blocking := IsBlockingName(p.Name)
		if p.Blocking != nil {
			blocking = *p.Blocking
		}
		b.declare(p.Name, blocking)
	}
	for i, yt := range doc.Commands {
		task := yt.Task
		if task.Program == "" && strings.TrimSpace(yt.Command) != "" {
			program, args, err := SplitCommand(yt.Command)
			if err != nil {
				return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: commands[%d]: %v", model.ErrParse, i, err)}
			}
			task.Program, task.Args = program, args
		}
		if task.Description == "" {
			task.Description = task.Command().Rendered()
		}
		if err := b.add(task, task.Phase); err != nil {
			return nil, &model.TaskExecutorError{Op: "parse task list", Err: fmt.Errorf("%w: commands[%d]: %v", model.ErrParse, i, err)}
		}
	}
	return b.finish()
}

// phaseBuilder accumulates phases in first-seen order and assigns ids.
type phaseBuilder struct {
	phases  []*model.Phase
	byName  map[string]*model.Phase
	current *model.Phase
	ids     map[string]bool
}

func newPhaseBuilder() *phaseBuilder {
	return &phaseBuilder{byName: make(map[string]*model.Phase), ids: make(map[string]bool)}
}

func (b *phaseBuilder) declare(name string, blocking bool) *model.Phase {
	if p, ok := b.byName[name]; ok {
		p.Blocking = p.Blocking || blocking
		return p
	}
	p := &model.Phase{Name: name, Blocking: blocking}
	b.phases = append(b.phases, p)
	b.byName[name] = p
	return p
}

func (b *phaseBuilder) phase(name string, blocking bool) {
	b.current = b.declare(name, blocking)
}

// add places task into the named phase, or the current Markdown section, or Default.
func (b *phaseBuilder) add(task model.Task, phaseName string) error {
	var p *model.Phase
	switch {
	case phaseName != "":
		p = b.declare(phaseName, IsBlockingName(phaseName))
	case b.current != nil:
		p = b.current
	default:
		p = b.declare(DefaultPhaseName, false)
	}

	if task.ID == "" {
		task.ID = model.TaskIDFromDescription(task.Description)
		for base, n := task.ID, 2; b.ids[task.ID]; n++ {
			task.ID = fmt.Sprintf("%s-%d", base, n)
		}
	} else if b.ids[task.ID] {
		return fmt.Errorf("duplicate task id %s", task.ID)
	}
	b.ids[task.ID] = true
	task.Phase = p.Name
	p.Tasks = append(p.Tasks, task)
	return nil
}

func (b *phaseBuilder) finish() ([]model.Phase, error) {
	out := make([]model.Phase, 0, len(b.phases))
	for _, p := range b.phases {
		out = append(out, *p)
	}
	if _, err := ValidateDependencies(out); err != nil {
		return nil, &model.TaskExecutorError{Op: "parse task list", Err: err}
	}
	return out, nil
}

// CountTasks returns the number of tasks across phases.
func CountTasks(phases []model.Phase) int {
	n := 0
	for _, p := range phases {
		n += len(p.Tasks)
	}
	return n
}
