// Package exampleagent is an illustrative provider callback: it answers a
// node's assembled upstream context with one OpenAI chat completion and
// returns the reply text; the caller (cmd/agentsim) reports it back through
// the executor's report_attempt_result operation. Real deployments plug in whatever provider the node's
// node_type/provider fields name; this package exists to exercise that
// extension point end to end.
package exampleagent

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/smilemakc/alphred/internal/domain"
	"github.com/smilemakc/alphred/internal/utils"
)

const defaultModel = "gpt-4o"

// Provider answers a run-node attempt's assembled context with a chat
// completion from the configured model.
type Provider struct {
	client *openai.Client
}

func New(apiKey string) *Provider {
	return &Provider{client: openai.NewClient(apiKey)}
}

// Run executes one attempt: it renders the node's prompt template against
// the assembled upstream context entries and failure-route context (if
// any), then returns the model's reply as the attempt's sole artifact.
func (p *Provider) Run(ctx context.Context, node domain.TreeNode, assembled *domain.AssembledContext) (content string, err error) {
	nodeModel := ""
	if node.Model != nil {
		nodeModel = *node.Model
	}
	model := utils.DefaultValue(nodeModel, defaultModel)

	prompt := renderPrompt(node, assembled)

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("exampleagent: chat completion for node %q: %w", node.NodeKey, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("exampleagent: node %q received no completion choices", node.NodeKey)
	}
	return resp.Choices[0].Message.Content, nil
}

func renderPrompt(node domain.TreeNode, assembled *domain.AssembledContext) string {
	template := ""
	if node.PromptTemplate != nil {
		template = *node.PromptTemplate
	}

	prompt := template
	for _, entry := range assembled.Entries {
		prompt += fmt.Sprintf("\n\n--- from %s ---\n%s", entry.SourceNodeKey, entry.Content)
	}
	if assembled.FailureRouteContext != nil {
		prompt += fmt.Sprintf(
			"\n\n--- %s ---\nsource=%s failure_artifact_id=%d",
			domain.FailureRouteContextVersion,
			assembled.FailureRouteContext.SourceNodeKey,
			assembled.FailureRouteContext.FailureArtifactID,
		)
	}
	return prompt
}
