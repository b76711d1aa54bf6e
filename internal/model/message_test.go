package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleFrom(t *testing.T) {
	assert.Equal(t, "hello", TitleFrom("  hello "))

	long := strings.Repeat("字", 40)
	title := TitleFrom(long)
	assert.Equal(t, strings.Repeat("字", 30)+"...", title)
}

func TestDisplayContent(t *testing.T) {
	reasoning := Message{Role: RoleAssistant, Channel: ChannelReasoning, Content: "Let me think"}
	assert.Equal(t, ReasoningPrefix+"Let me think", reasoning.DisplayContent())

	// 旧数据内容里已带前缀时不重复添加
	legacy := Message{Role: RoleAssistant, Channel: ChannelReasoning, Content: ReasoningPrefix + "x"}
	assert.Equal(t, ReasoningPrefix+"x", legacy.DisplayContent())

	answer := Message{Role: RoleAssistant, Channel: ChannelAnswer, Content: "Sure."}
	assert.Equal(t, "Sure.", answer.DisplayContent())
}

func TestConversationCloneIsDeep(t *testing.T) {
	c := &Conversation{ID: "c1", Messages: []Message{{ID: "m1", Content: "a"}}}
	cp := c.Clone()
	cp.Messages[0].Content = "b"

	assert.Equal(t, "a", c.Messages[0].Content)
}

func TestKnownModel(t *testing.T) {
	assert.True(t, KnownModel("deepseek-reasoner"))
	assert.False(t, KnownModel("gpt-4"))
}
