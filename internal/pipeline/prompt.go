package pipeline

import (
	"strings"

	"github.com/cloud-shuttle/parley/internal/llm"
	"github.com/cloud-shuttle/parley/pkg/types"
)

// buildPrompt assembles the ordered message sequence sent to the
// model: one system message carrying derived facts (when any exist),
// then literal external history, then every local message in order.
// External history is merged as-is; no deduplication against the
// local transcript is attempted.
func buildPrompt(retrieved []types.Fact, local []types.Message) []llm.Message {
	prompt := make([]llm.Message, 0, len(retrieved)+len(local)+1)

	var facts []string
	for _, fact := range retrieved {
		if fact.Derived {
			facts = append(facts, fact.Content)
		}
	}
	if len(facts) > 0 {
		prompt = append(prompt, llm.Message{
			Role:    llm.RoleSystem,
			Content: "Relevant facts from memory:\n" + strings.Join(facts, "\n"),
		})
	}

	for _, fact := range retrieved {
		if fact.Derived {
			continue
		}
		prompt = append(prompt, llm.Message{
			Role:    toPromptRole(fact.RoleHint),
			Content: fact.Content,
		})
	}

	for _, msg := range local {
		prompt = append(prompt, llm.Message{
			Role:    toPromptRole(msg.Role),
			Content: msg.Content,
		})
	}

	return prompt
}

func toPromptRole(role types.Role) llm.Role {
	if role == types.RoleUser {
		return llm.RoleUser
	}
	return llm.RoleAssistant
}
