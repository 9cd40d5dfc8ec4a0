package runner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryehq/rye-core/directive"
)

// BuildSystemPrompt renders the system message seeded once at the start of a
// fresh thread: the directive's identity, its process body, the tools it is
// permitted to call, and the output shape it must return.
func BuildSystemPrompt(d directive.Directive) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are running directive %q", d.Name)
	if d.Version != "" {
		fmt.Fprintf(&b, " (version %s)", d.Version)
	}
	b.WriteString(".\n")
	if d.Description != "" {
		b.WriteString(d.Description)
		b.WriteString("\n")
	}

	if tools := toolDefinitions(d); len(tools) > 0 {
		b.WriteString("\nAvailable tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s\n", t.Name)
		}
	}

	if len(d.Outputs) > 0 {
		b.WriteString("\nWhen finished, respond with a single JSON object matching:\n<returns>\n")
		names := make([]string, 0, len(d.Outputs))
		for name := range d.Outputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "  %q: %s\n", name, d.Outputs[name])
		}
		b.WriteString("</returns>\n")
	}

	return b.String()
}
