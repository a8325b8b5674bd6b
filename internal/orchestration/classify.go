package orchestration

import (
	"fmt"
	"strings"
)

// Category groups exit reasons for the client.
type Category string

const (
	CategoryCompleted Category = "completed"
	CategoryGuardrail Category = "guardrail"
	CategoryError     Category = "error"
)

const (
	ReasonMaxTotalSteps      = "max-total-steps"
	ReasonMaxStepVisits      = "max-step-visits-exceeded"
	ReasonUserCancelled      = "user-cancelled"
	ReasonNoPrompt           = "no-prompt"
	ReasonAgentFailed        = "agent-failed"
	ReasonOrchestrationError = "orchestration-error"
	ReasonError              = "error"
	ReasonInternalError      = "internal-error"
)

var errorReasons = map[string]struct{}{
	ReasonUserCancelled:      {},
	ReasonNoPrompt:           {},
	ReasonAgentFailed:        {},
	ReasonOrchestrationError: {},
	ReasonError:              {},
	ReasonInternalError:      {},
}

// Classify maps an exit reason to its category. Any reason a step table
// declares itself counts as completed.
func Classify(reason string) Category {
	if reason == ReasonMaxTotalSteps || strings.HasPrefix(reason, ReasonMaxStepVisits+":") {
		return CategoryGuardrail
	}
	if _, ok := errorReasons[reason]; ok {
		return CategoryError
	}
	return CategoryCompleted
}

// Describe renders a one-line message for an exit reason.
func Describe(reason string) string {
	switch {
	case reason == ReasonMaxTotalSteps:
		return "Stopped: the run reached its step limit"
	case strings.HasPrefix(reason, ReasonMaxStepVisits+":"):
		return fmt.Sprintf("Stopped: step %q was revisited too many times", strings.TrimPrefix(reason, ReasonMaxStepVisits+":"))
	case reason == ReasonUserCancelled:
		return "Run cancelled"
	case reason == ReasonNoPrompt:
		return "Stopped: the current step has no prompt"
	case reason == ReasonAgentFailed:
		return "The coding agent failed"
	case reason == ReasonOrchestrationError:
		return "Could not determine the step outcome"
	case reason == ReasonInternalError:
		return "Run interrupted by an internal error"
	case reason == ReasonError:
		return "Run failed"
	default:
		return fmt.Sprintf("Task finished: %s", reason)
	}
}
