package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"
	"unicode/utf8"

	"github.com/leonaiuv/ai-chat-app/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialIDs() IDGenerator {
	n := 0
	return func(channel model.Channel) string {
		n++
		return fmt.Sprintf("%s-%d", channel, n)
	}
}

func newTestDecoder() *Decoder {
	return NewDecoder("conv-1", WithIDGenerator(sequentialIDs()))
}

func reasoning(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"reasoning_content\":%q}}]}\n\n", text)
}

func answer(text string) string {
	return fmt.Sprintf("data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", text)
}

const done = "data: [DONE]\n\n"

// finalized 按事件序列折叠出最终消息列表
type folded struct {
	Channel model.Channel
	Content string
}

func fold(events []Event) []folded {
	var out []folded
	index := map[string]int{}
	for _, ev := range events {
		switch ev.Kind {
		case EventOpen:
			index[ev.MessageID] = len(out)
			out = append(out, folded{Channel: ev.Channel, Content: ev.Text})
		case EventAppend:
			out[index[ev.MessageID]].Content += ev.Text
		}
	}
	return out
}

func feedAll(d *Decoder, chunks ...string) []Event {
	var events []Event
	for _, c := range chunks {
		events = append(events, d.Feed([]byte(c))...)
	}
	return append(events, d.Finish()...)
}

func TestDecoderExampleScenario(t *testing.T) {
	d := newTestDecoder()

	events := feedAll(d,
		`data: {"choices":[{"delta":{"reasoning_content":"Let "}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"reasoning_content":"me think"}}]}`+"\n\n"+
			`data: {"choices":[{"delta":{"content":"Sure."}}]}`+"\n\n"+
			"data: [DONE]\n\n",
	)

	require.Len(t, events, 4)
	assert.Equal(t, Event{Kind: EventOpen, ConversationID: "conv-1", MessageID: "reasoning-1",
		Role: model.RoleAssistant, Channel: model.ChannelReasoning, Text: "Let "}, events[0])
	assert.Equal(t, Event{Kind: EventAppend, ConversationID: "conv-1", MessageID: "reasoning-1",
		Text: "me think"}, events[1])
	assert.Equal(t, Event{Kind: EventOpen, ConversationID: "conv-1", MessageID: "answer-2",
		Role: model.RoleAssistant, Channel: model.ChannelAnswer, Text: "Sure."}, events[2])
	assert.Equal(t, Event{Kind: EventEnd, ConversationID: "conv-1"}, events[3])

	assert.Equal(t, []folded{
		{Channel: model.ChannelReasoning, Content: "Let me think"},
		{Channel: model.ChannelAnswer, Content: "Sure."},
	}, fold(events))
}

func interleavedStream() string {
	return reasoning("Hmm, ") + reasoning("the user asks ") + reasoning("about 北京.") +
		answer("北京是") + answer("中国的首都。") +
		reasoning("Double check.") +
		answer(" Done") +
		done
}

func TestDecoderByteAtATimeMatchesWhole(t *testing.T) {
	raw := interleavedStream()

	whole := feedAll(newTestDecoder(), raw)

	var chunks []string
	for i := 0; i < len(raw); i++ {
		chunks = append(chunks, raw[i:i+1])
	}
	byteWise := feedAll(newTestDecoder(), chunks...)

	assert.Equal(t, fold(whole), fold(byteWise))
	assert.Equal(t, whole, byteWise)
	assert.Len(t, fold(whole), 4)
}

func TestDecoderSplitAtEveryOffset(t *testing.T) {
	raw := interleavedStream()
	want := feedAll(newTestDecoder(), raw)

	for i := 0; i <= len(raw); i++ {
		got := feedAll(newTestDecoder(), raw[:i], raw[i:])
		require.Equal(t, want, got, "split at offset %d", i)
	}
}

func TestDecoderNoCrossTalk(t *testing.T) {
	events := feedAll(newTestDecoder(), interleavedStream())

	channelOf := map[string]model.Channel{}
	reasoningText := map[string]bool{"Hmm, ": true, "the user asks ": true, "about 北京.": true, "Double check.": true}

	for _, ev := range events {
		switch ev.Kind {
		case EventOpen:
			_, seen := channelOf[ev.MessageID]
			require.False(t, seen, "message id %s reused", ev.MessageID)
			channelOf[ev.MessageID] = ev.Channel
			assert.Equal(t, ev.Channel == model.ChannelReasoning, reasoningText[ev.Text])
		case EventAppend:
			ch, ok := channelOf[ev.MessageID]
			require.True(t, ok, "append before open")
			assert.Equal(t, ch == model.ChannelReasoning, reasoningText[ev.Text])
		}
	}
}

func TestDecoderSkipsMalformedFragment(t *testing.T) {
	d := newTestDecoder()

	events := feedAll(d,
		answer("before"),
		"data: {\"choices\":[{\"delta\":{\"content\":\"bro\n\n",
		": keep-alive\n\n",
		answer(" after"),
		done,
	)

	assert.Equal(t, []folded{{Channel: model.ChannelAnswer, Content: "before after"}}, fold(events))
	assert.Equal(t, EventEnd, events[len(events)-1].Kind)
	assert.Equal(t, 1, d.Malformed())
}

func TestDecoderIgnoresBytesAfterSentinel(t *testing.T) {
	d := newTestDecoder()

	events := d.Feed([]byte(answer("hi") + done + answer("ghost")))
	require.Len(t, events, 2)
	assert.Equal(t, EventEnd, events[1].Kind)
	assert.True(t, d.Done())

	assert.Empty(t, d.Feed([]byte(answer("more"))))
	assert.Empty(t, d.Finish())
}

func TestDecoderErrorPayloads(t *testing.T) {
	cases := map[string]string{
		"string": `data: {"error":"rate limited"}` + "\n\n",
		"object": `data: {"error":{"message":"rate limited","type":"requests"}}` + "\n\n",
	}

	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			d := newTestDecoder()
			events := feedAll(d, answer("partial"), line, answer("ignored"))

			require.Len(t, events, 2)
			assert.Equal(t, EventError, events[1].Kind)
			assert.Equal(t, "rate limited", events[1].Text)
			assert.True(t, events[1].Terminal())
			assert.True(t, d.Done())
		})
	}
}

func TestDecoderBothFieldsInOneEvent(t *testing.T) {
	events := feedAll(newTestDecoder(),
		`data: {"choices":[{"delta":{"reasoning_content":"think","content":"say"}}]}`+"\n\n")

	assert.Equal(t, []folded{
		{Channel: model.ChannelReasoning, Content: "think"},
		{Channel: model.ChannelAnswer, Content: "say"},
	}, fold(events))
}

func TestDecoderIgnoresEmptyDeltas(t *testing.T) {
	events := feedAll(newTestDecoder(),
		`data: {"choices":[{"delta":{"role":"assistant","content":""}}]}`+"\n\n",
		`data: {"choices":[{"delta":{"content":null,"reasoning_content":"x"}}]}`+"\n\n",
		done)

	require.Len(t, events, 2)
	assert.Equal(t, model.ChannelReasoning, events[0].Channel)
}

func TestDecoderCRLFAndCompactPrefix(t *testing.T) {
	events := feedAll(newTestDecoder(),
		"data:{\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\r\n\r\n",
		"data: [DONE]\r\n\r\n")

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Text)
	assert.Equal(t, EventEnd, events[1].Kind)
}

func TestDecoderMultibyteRuneSplitAcrossChunks(t *testing.T) {
	raw := answer("你好")
	cut := strings.Index(raw, "你") + 1

	events := feedAll(newTestDecoder(), raw[:cut], raw[cut:])
	assert.Equal(t, "你好", fold(events)[0].Content)
}

func TestDecoderFinishWithoutSentinel(t *testing.T) {
	d := newTestDecoder()

	// 最后一行没有换行
	events := feedAll(d, answer("a"), `data: {"choices":[{"delta":{"content":"b"}}]}`)

	assert.Equal(t, []folded{{Channel: model.ChannelAnswer, Content: "ab"}}, fold(events))
	assert.Equal(t, EventEnd, events[len(events)-1].Kind)
}

func TestDecoderTracksOpenMessage(t *testing.T) {
	d := newTestDecoder()
	d.Feed([]byte(reasoning("a") + reasoning("b")))

	assert.Equal(t, model.ChannelReasoning, d.Channel())
	assert.Equal(t, "reasoning-1", d.OpenMessageID())
	assert.Equal(t, "ab", d.Content())

	d.Feed([]byte(answer("c")))
	assert.Equal(t, model.ChannelAnswer, d.Channel())
	assert.Equal(t, "c", d.Content())
}

func TestDecoderRun(t *testing.T) {
	d := newTestDecoder()
	r := iotest.OneByteReader(strings.NewReader(interleavedStream() + answer("after done")))

	var events []Event
	err := d.Run(context.Background(), r, func(ev Event) { events = append(events, ev) })

	require.NoError(t, err)
	assert.Equal(t, feedAll(newTestDecoder(), interleavedStream()), events)
}

func TestDecoderRunReturnsReadError(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := io.MultiReader(strings.NewReader(answer("partial")), iotest.ErrReader(boom))

	var events []Event
	err := newTestDecoder().Run(context.Background(), r, func(ev Event) { events = append(events, ev) })

	assert.ErrorIs(t, err, boom)
	require.Len(t, events, 1)
	assert.Equal(t, EventOpen, events[0].Kind)
}

func TestDecoderRunHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestDecoder().Run(ctx, bytes.NewReader([]byte(answer("x"))), func(Event) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewMessageIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := NewMessageID(model.ChannelAnswer)
		require.False(t, seen[id])
		require.True(t, strings.HasPrefix(id, "answer-"))
		seen[id] = true
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abc...", truncate("abcdef", 3))

	// "思" 占3字节，在第5字节处截断应退回到完整字符
	got := truncate("思考过程", 5)
	assert.Equal(t, "思...", got)
	assert.True(t, utf8.ValidString(got))
}
