package pipeline

import (
	"fmt"
	"strings"
)

// OrderError reports a stage list that is not a valid execution order.
type OrderError struct {
	Stage               string
	Reason              string
	MissingDependencies []string
}

func (e *OrderError) Error() string {
	if len(e.MissingDependencies) > 0 {
		return fmt.Sprintf("invalid stage order at %q: %s: %s", e.Stage, e.Reason, strings.Join(e.MissingDependencies, ", "))
	}
	return fmt.Sprintf("invalid stage order at %q: %s", e.Stage, e.Reason)
}

// ValidateOrder checks that stages are uniquely named and that every
// dependency of a stage appears before it. The list is never reordered, so
// an order that passes is also acyclic.
func ValidateOrder(stages []Stage) error {
	seen := make(map[string]bool, len(stages))

	for _, st := range stages {
		if st.Name == "" {
			return &OrderError{Stage: st.Name, Reason: "stage has no name"}
		}
		if seen[st.Name] {
			return &OrderError{Stage: st.Name, Reason: "duplicate stage"}
		}

		var missing []string
		for _, dep := range st.Dependencies {
			if !seen[dep] {
				missing = append(missing, dep)
			}
		}
		if len(missing) > 0 {
			return &OrderError{
				Stage:               st.Name,
				Reason:              "dependencies must run earlier",
				MissingDependencies: missing,
			}
		}

		seen[st.Name] = true
	}

	return nil
}
