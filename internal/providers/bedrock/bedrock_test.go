package bedrock

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

func TestExtractTextReturnsFirstTextBlock(t *testing.T) {
	out := &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "hello there"},
				},
			},
		},
	}
	if got := extractText(out); got != "hello there" {
		t.Fatalf("expected %q, got %q", "hello there", got)
	}
}

func TestExtractTextReturnsEmptyForNonMessageOutput(t *testing.T) {
	out := &bedrockruntime.ConverseOutput{}
	if got := extractText(out); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
