package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/reifying/untethered/internal/apperr"
)

const (
	DefaultMaxTotalSteps = 20
	DefaultMaxStepVisits = 3
)

// Table is the step definition table: every task a run can execute.
type Table struct {
	Tasks map[string]Task `yaml:"tasks"`
}

type Task struct {
	FirstStep     string          `yaml:"first_step"`
	MaxTotalSteps int             `yaml:"max_total_steps"`
	MaxStepVisits int             `yaml:"max_step_visits"`
	Steps         map[string]Step `yaml:"steps"`
}

type Step struct {
	Prompt   string                `yaml:"prompt"`
	Outcomes map[string]Transition `yaml:"outcomes"`
}

// Transition names either the next step or an exit reason, never both.
type Transition struct {
	Next string `yaml:"next,omitempty"`
	Exit string `yaml:"exit,omitempty"`
}

func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read step table: %w", err)
	}
	table, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

func ParseTable(data []byte) (*Table, error) {
	var table Table
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, apperr.Wrap(err, apperr.KindValidation, "decode step table")
	}
	for id, task := range table.Tasks {
		if task.MaxTotalSteps == 0 {
			task.MaxTotalSteps = DefaultMaxTotalSteps
		}
		if task.MaxStepVisits == 0 {
			task.MaxStepVisits = DefaultMaxStepVisits
		}
		table.Tasks[id] = task
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

func (t *Table) Validate() error {
	if len(t.Tasks) == 0 {
		return apperr.Validation("step table defines no tasks")
	}
	for _, id := range t.TaskIDs() {
		task := t.Tasks[id]
		if task.MaxTotalSteps < 1 || task.MaxStepVisits < 1 {
			return apperr.Validation("task %q: step limits must be positive", id)
		}
		if _, ok := task.Steps[task.FirstStep]; !ok {
			return apperr.Validation("task %q: first_step %q is not defined", id, task.FirstStep)
		}
		for stepName, step := range task.Steps {
			if len(step.Outcomes) == 0 {
				return apperr.Validation("task %q step %q: no outcomes", id, stepName)
			}
			for outcome, tr := range step.Outcomes {
				hasNext, hasExit := tr.Next != "", tr.Exit != ""
				if hasNext == hasExit {
					return apperr.Validation("task %q step %q outcome %q: set exactly one of next or exit", id, stepName, outcome)
				}
				if hasNext {
					if _, ok := task.Steps[tr.Next]; !ok {
						return apperr.Validation("task %q step %q outcome %q: unknown step %q", id, stepName, outcome, tr.Next)
					}
				}
			}
		}
	}
	return nil
}

func (t *Table) Task(id string) (Task, bool) {
	if t == nil {
		return Task{}, false
	}
	task, ok := t.Tasks[id]
	return task, ok
}

func (t *Table) TaskIDs() []string {
	ids := make([]string, 0, len(t.Tasks))
	for id := range t.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ParseOutcome finds the last {"outcome": "..."} object in an agent reply.
func ParseOutcome(reply string) (string, bool) {
	for i := strings.LastIndex(reply, "{"); i >= 0; i = strings.LastIndex(reply[:i], "{") {
		var probe struct {
			Outcome *string `json:"outcome"`
		}
		dec := json.NewDecoder(strings.NewReader(reply[i:]))
		if err := dec.Decode(&probe); err == nil && probe.Outcome != nil {
			return strings.TrimSpace(*probe.Outcome), true
		}
		if i == 0 {
			break
		}
	}
	return "", false
}
