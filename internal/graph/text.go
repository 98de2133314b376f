package graph

import (
	"fmt"
	"strings"

	"github.com/mpataki/simlaunch/internal/models"
)

// GenerateText renders the session as a plain listing: options, then every
// step with its invocation and the step whose exit releases it.
func GenerateText(sess *models.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "session %s\n", sess.Name())

	sb.WriteString("\noptions:\n")
	for _, o := range sess.Options() {
		fmt.Fprintf(&sb, "  %s = %s\n", o.Name, o.Value)
	}

	gate := make(map[string]string)
	for _, b := range sess.Bindings() {
		for _, dep := range b.Dependents {
			gate[dep] = b.Watched
		}
	}

	sb.WriteString("\nsteps:\n")
	for _, s := range sess.Steps() {
		fmt.Fprintf(&sb, "  %s\n", s.ID)
		fmt.Fprintf(&sb, "    run:    %s\n", invocation(s))
		if s.Namespace != "" {
			fmt.Fprintf(&sb, "    ns:     /%s\n", s.Namespace)
		}
		for _, p := range s.Parameters {
			fmt.Fprintf(&sb, "    param:  %s = %s\n", p.Name, parameterValue(p))
		}
		if watched, ok := gate[s.ID]; ok {
			fmt.Fprintf(&sb, "    after:  %s exits 0\n", watched)
		}
	}

	if warnings := sess.Warnings(); len(warnings) > 0 {
		sb.WriteString("\nwarnings:\n")
		for _, w := range warnings {
			fmt.Fprintf(&sb, "  %s\n", w)
		}
	}

	return sb.String()
}

func invocation(s models.Step) string {
	parts := []string{s.Package}
	if s.LaunchFile != "" {
		parts = append(parts, s.LaunchFile)
	} else {
		parts = append(parts, s.Executable)
	}
	return strings.Join(append(parts, s.Arguments...), " ")
}

func parameterValue(p models.Parameter) string {
	if p.IsSubstitution() {
		return "$(" + strings.Join(p.Command, " ") + ")"
	}
	return p.Value
}
