package execution

import (
	"fmt"
	"strings"

	"github.com/grovekit/grove/internal/entity"
)

// RenderPrompt builds the agent prompt from an issue and its related
// specs. The prompt is frozen onto the execution row at creation so a
// later edit of the issue never changes what a running agent was asked.
func RenderPrompt(issue *entity.Issue, specs []*entity.Spec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", issue.Title)
	if issue.Key != "" && issue.Key != issue.ID {
		fmt.Fprintf(&b, "Issue: %s\n\n", issue.Key)
	}
	if strings.TrimSpace(issue.Content) != "" {
		b.WriteString(strings.TrimSpace(issue.Content))
		b.WriteString("\n")
	}
	for _, spec := range specs {
		fmt.Fprintf(&b, "\n## Spec: %s\n\n", spec.Title)
		if strings.TrimSpace(spec.Content) != "" {
			b.WriteString(strings.TrimSpace(spec.Content))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
