// Package graph renders a session's spawn graph for humans.
package graph

import (
	"fmt"
	"strings"

	"github.com/mpataki/simlaunch/internal/models"
)

// Overlay carries run state to paint onto the graph.
type Overlay struct {
	Steps map[string]models.ExecStatus
}

// GenerateMermaid produces a Mermaid flowchart of the session. Each entity's
// chain is a subgraph and every binding is an edge labelled with the exit
// condition that releases it. Shapes:
// - Include: [[Subroutine]]
// - Long-running node: ([Stadium])
// - Default: [Rectangle]
func GenerateMermaid(sess *models.Session, overlay *Overlay) string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")

	steps := sess.Steps()
	for _, s := range steps {
		if s.Entity == "" {
			writeNode(&sb, "    ", s)
		}
	}

	for _, e := range sess.Entities() {
		fmt.Fprintf(&sb, "    subgraph %s\n", sanitizeMermaidID(e.Name))
		for _, s := range steps {
			if s.Entity == e.Name {
				writeNode(&sb, "        ", s)
			}
		}
		sb.WriteString("    end\n")
	}

	for _, b := range sess.Bindings() {
		for _, dep := range b.Dependents {
			fmt.Fprintf(&sb, "    %s -- \"exit 0\" --> %s\n", sanitizeMermaidID(b.Watched), sanitizeMermaidID(dep))
		}
	}

	if overlay != nil {
		sb.WriteString("\n    %% Run state\n")
		sb.WriteString("    classDef running fill:#fff3e0,stroke:#ef6c00,color:#000;\n")
		sb.WriteString("    classDef exited fill:#e8f5e9,stroke:#2e7d32,color:#000;\n")
		sb.WriteString("    classDef failed fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000;\n")
		sb.WriteString("    classDef skipped fill:#eeeeee,stroke:#9e9e9e,color:#000;\n")

		for _, s := range steps {
			status, ok := overlay.Steps[s.ID]
			if !ok || status == models.ExecStatusPending {
				continue
			}
			fmt.Fprintf(&sb, "    class %s %s;\n", sanitizeMermaidID(s.ID), status)
		}
	}

	return sb.String()
}

func writeNode(sb *strings.Builder, indent string, s models.Step) {
	opener, closer := "[", "]"
	switch {
	case s.LaunchFile != "":
		opener, closer = "[[", "]]"
	case s.Kind == models.StepBridge || s.Kind == models.StepStatePublisher:
		opener, closer = "([", "])"
	}
	fmt.Fprintf(sb, "%s%s%s\"%s\"%s\n", indent, sanitizeMermaidID(s.ID), opener, s.ID, closer)
}

func sanitizeMermaidID(id string) string {
	s := strings.ReplaceAll(id, ".", "_")
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, "/", "_")
	return s
}
