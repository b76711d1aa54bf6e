package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leonaiuv/ai-chat-app/internal/chat"
	"github.com/leonaiuv/ai-chat-app/internal/controller"
	"github.com/leonaiuv/ai-chat-app/internal/model"
	"github.com/leonaiuv/ai-chat-app/internal/storage"
	"github.com/leonaiuv/ai-chat-app/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cannedTransport struct {
	mu     sync.Mutex
	bodies []string
}

func (t *cannedTransport) Open(ctx context.Context, req model.RelayRequest) (io.ReadCloser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.bodies) == 0 {
		return nil, fmt.Errorf("no canned response")
	}
	body := t.bodies[0]
	t.bodies = t.bodies[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func newTestREPL(t *testing.T, bodies ...string) (*REPL, *chat.Client, *lockedBuffer) {
	t.Helper()
	client, err := chat.New(chat.Options{
		Storage:   storage.NewMemoryStorage(),
		Transport: &cannedTransport{bodies: bodies},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	out := &lockedBuffer{}
	return NewREPL(client, out, ""), client, out
}

func exec(t *testing.T, r *REPL, input string) *controller.PendingRequest {
	t.Helper()
	pr, quit, err := r.Execute(input)
	require.NoError(t, err)
	assert.False(t, quit)
	return pr
}

func waitDone(t *testing.T, pr *controller.PendingRequest) {
	t.Helper()
	require.NotNil(t, pr)
	select {
	case <-pr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish")
	}
}

func TestSendRendersStream(t *testing.T) {
	r, _, out := newTestREPL(t,
		"data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"Let \"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"reasoning_content\":\"me think\"}}]}\n\n"+
			"data: {\"choices\":[{\"delta\":{\"content\":\"Sure.\"}}]}\n\n"+
			"data: [DONE]\n\n")

	exec(t, r, "/key sk-test")
	waitDone(t, exec(t, r, "帮我想一想"))

	text := out.String()
	assert.Contains(t, text, model.ReasoningPrefix)
	assert.Contains(t, text, "me think")
	assert.Contains(t, text, "助手: ")
	assert.Contains(t, text, "Sure.")
	assert.NotContains(t, text, "帮我想一想", "user input is not echoed back")
}

func TestSendWithoutCredential(t *testing.T) {
	r, _, _ := newTestREPL(t)

	_, _, err := r.Execute("hello")
	assert.ErrorIs(t, err, chat.ErrNoCredential)
}

func TestConversationCommands(t *testing.T) {
	r, client, out := newTestREPL(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n\ndata: [DONE]\n\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n\ndata: [DONE]\n\n",
	)
	exec(t, r, "/key sk")

	waitDone(t, exec(t, r, "first question"))
	exec(t, r, "/new")
	waitDone(t, exec(t, r, "second question"))

	out.Reset()
	exec(t, r, "/list")
	assert.Contains(t, out.String(), "1. second question")
	assert.Contains(t, out.String(), "2. first question")

	out.Reset()
	exec(t, r, "/open 2")
	assert.Contains(t, out.String(), "== first question")
	assert.Contains(t, out.String(), "one")
	first := client.Store().DisplayedID()

	exec(t, r, "/rename renamed")
	conv, err := client.Store().Get(first)
	require.NoError(t, err)
	assert.Equal(t, "renamed", conv.Title)

	exec(t, r, "/delete 1")
	require.Len(t, client.Store().List(), 1)
	assert.Equal(t, "renamed", client.Store().List()[0].Title)
}

func TestModelCommands(t *testing.T) {
	r, client, out := newTestREPL(t)

	exec(t, r, "/models")
	assert.Contains(t, out.String(), "* deepseek-chat")
	assert.Contains(t, out.String(), "deepseek-reasoner")

	exec(t, r, "/model deepseek-reasoner")
	assert.Equal(t, "deepseek-reasoner", client.Model())

	_, _, err := r.Execute("/model gpt-4")
	assert.ErrorIs(t, err, chat.ErrUnknownModel)
}

func TestCredentialCommands(t *testing.T) {
	r, client, _ := newTestREPL(t)

	_, _, err := r.Execute("/key ")
	assert.ErrorIs(t, err, chat.ErrEmptyAPIKey)

	exec(t, r, "/key sk-1")
	assert.True(t, client.HasCredential())
	exec(t, r, "/clearkey")
	assert.False(t, client.HasCredential())
}

func TestMiscCommands(t *testing.T) {
	r, _, _ := newTestREPL(t)

	_, quit, err := r.Execute("/quit")
	require.NoError(t, err)
	assert.True(t, quit)

	_, _, err = r.Execute("/bogus")
	assert.ErrorIs(t, err, ErrUnknownCommand)

	_, _, err = r.Execute("/stop")
	assert.ErrorIs(t, err, chat.ErrNoPendingTurn)

	_, _, err = r.Execute("/rename x")
	assert.Error(t, err, "nothing is open")
}

func TestDeltaAfterOpeningMidStream(t *testing.T) {
	r, client, out := newTestREPL(t)
	store := client.Store()

	busy := store.Create("streaming", model.DefaultModel)
	require.NoError(t, store.Apply(stream.Event{
		Kind:           stream.EventOpen,
		ConversationID: busy.ID,
		MessageID:      "reasoning-1",
		Role:           model.RoleAssistant,
		Channel:        model.ChannelReasoning,
		Text:           "Let ",
	}))
	other := store.Create("other", model.DefaultModel)
	require.NoError(t, store.Apply(stream.Event{
		Kind:           stream.EventOpen,
		ConversationID: other.ID,
		MessageID:      "answer-2",
		Role:           model.RoleAssistant,
		Channel:        model.ChannelAnswer,
		Text:           "elsewhere",
	}))
	require.NoError(t, store.Apply(stream.Event{
		Kind:           stream.EventAppend,
		ConversationID: busy.ID,
		MessageID:      "reasoning-1",
		Text:           "hidden",
	}))
	assert.NotContains(t, out.String(), "hidden", "background deltas are not rendered")

	exec(t, r, "/open "+busy.ID)
	require.Equal(t, "answer-2", r.openID)
	require.NoError(t, store.Apply(stream.Event{
		Kind:           stream.EventAppend,
		ConversationID: busy.ID,
		MessageID:      "reasoning-1",
		Text:           "me think",
	}))

	assert.Contains(t, out.String(), "me think")
	assert.Equal(t, model.ChannelReasoning, r.channelOf("reasoning-1"))
	assert.Equal(t, "reasoning-1", r.openID)
}
