// Package cli 终端交互界面：读取输入、执行斜杠命令，并把展示会话的变更渲染到终端。
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/leonaiuv/ai-chat-app/internal/chat"
	"github.com/leonaiuv/ai-chat-app/internal/controller"
	"github.com/leonaiuv/ai-chat-app/internal/conversation"
	"github.com/leonaiuv/ai-chat-app/internal/model"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
)

var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	infoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
)

var ErrUnknownCommand = errors.New("unknown command, type /help")

const helpText = `命令:
  /new                 开始新对话
  /list                列出历史会话
  /open <序号|id>      打开会话
  /rename <标题>       重命名当前会话
  /delete <序号|id>    删除会话
  /key <API Key>       设置并保存 API Key
  /clearkey            清除 API Key
  /models              列出可用模型
  /model [id]          查看或切换模型
  /stop                停止当前生成（生成中也可按 Ctrl+C）
  /quit                退出`

type REPL struct {
	client      *chat.Client
	out         io.Writer
	historyFile string
	line        *liner.State

	// 展示会话同一时刻至多一条开启中的消息，只记住它的通道
	mu          sync.Mutex
	openID      string
	openChannel model.Channel
}

func NewREPL(client *chat.Client, out io.Writer, historyFile string) *REPL {
	r := &REPL{
		client:      client,
		out:         &syncWriter{w: out},
		historyFile: historyFile,
	}
	client.Store().Subscribe(r.render)
	return r
}

// Run 主循环，直到 /quit、Ctrl+D 或提示符处的 Ctrl+C
func (r *REPL) Run(ctx context.Context) error {
	r.line = liner.NewLiner()
	r.line.SetCtrlCAborts(true)
	r.loadHistory()
	defer func() {
		r.saveHistory()
		r.line.Close()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	r.println(infoStyle.Render(fmt.Sprintf("当前模型 %s，输入 /help 查看命令", r.client.Model())))
	if !r.client.HasCredential() {
		r.println(noticeStyle.Render("尚未设置 API Key，请先使用 /key <API Key>"))
	}

	for {
		input, err := r.line.Prompt(promptStyle.Render("> "))
		if err != nil {
			// liner.ErrPromptAborted 或 EOF
			r.println("")
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		pending, quit, err := r.Execute(input)
		if err != nil {
			r.println(errorStyle.Render("错误: " + err.Error()))
			continue
		}
		if quit {
			return nil
		}
		if pending != nil {
			r.wait(ctx, pending, sigCh)
		}
	}
}

// wait 阻塞到回复结束；期间 Ctrl+C 停止生成
func (r *REPL) wait(ctx context.Context, pr *controller.PendingRequest, sigCh <-chan os.Signal) {
	for {
		select {
		case <-pr.Done():
			r.println("")
			return
		case <-sigCh:
			_ = r.client.Stop()
		case <-ctx.Done():
			_ = r.client.Stop()
			return
		}
	}
}

// Execute 执行一行输入。非命令输入作为消息发送，返回在途请求
func (r *REPL) Execute(input string) (*controller.PendingRequest, bool, error) {
	if !strings.HasPrefix(input, "/") {
		pr, err := r.client.Send(input)
		return pr, false, err
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		r.println(helpText)
	case "/quit", "/exit":
		return nil, true, nil
	case "/new":
		r.client.NewChat()
		r.println(infoStyle.Render("已开始新对话"))
	case "/list":
		r.list()
	case "/open":
		conv, err := r.client.Open(r.resolve(arg))
		if err != nil {
			return nil, false, err
		}
		r.replay(conv)
	case "/rename":
		id := r.client.Store().DisplayedID()
		if id == "" {
			return nil, false, errors.New("no conversation is open")
		}
		if err := r.client.Rename(id, arg); err != nil {
			return nil, false, err
		}
	case "/delete":
		if err := r.client.Delete(r.resolve(arg)); err != nil {
			return nil, false, err
		}
		r.println(infoStyle.Render("已删除"))
	case "/key":
		if err := r.client.SetCredential(arg); err != nil {
			return nil, false, err
		}
		r.println(infoStyle.Render("API Key已确认设置!"))
	case "/clearkey":
		if err := r.client.ClearCredential(); err != nil {
			return nil, false, err
		}
		r.println(infoStyle.Render("API Key已清除"))
	case "/models":
		for _, m := range model.Models {
			marker := " "
			if m.ID == r.client.Model() {
				marker = "*"
			}
			r.println(fmt.Sprintf("%s %-18s %s", marker, m.ID, m.Description))
		}
	case "/model":
		if arg == "" {
			r.println(r.client.Model())
			return nil, false, nil
		}
		if err := r.client.SetModel(arg); err != nil {
			return nil, false, err
		}
		r.println(infoStyle.Render("已切换到 " + arg))
	case "/stop":
		if err := r.client.Stop(); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, ErrUnknownCommand
	}
	return nil, false, nil
}

func (r *REPL) list() {
	convs := r.client.Store().List()
	if len(convs) == 0 {
		r.println(infoStyle.Render("暂无历史会话"))
		return
	}
	displayed := r.client.Store().DisplayedID()
	for i, c := range convs {
		marker := " "
		if c.ID == displayed {
			marker = "*"
		}
		r.println(fmt.Sprintf("%s %2d. %s  [%s]", marker, i+1, c.Title, c.Model))
	}
}

// resolve 把列表序号转换为会话 id，其他输入原样当作 id
func (r *REPL) resolve(arg string) string {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return arg
	}
	convs := r.client.Store().List()
	if n < 1 || n > len(convs) {
		return arg
	}
	return convs[n-1].ID
}

// replay 打开会话时完整输出已有消息
func (r *REPL) replay(conv model.Conversation) {
	r.println(infoStyle.Render("== " + conv.Title))
	for _, m := range conv.Messages {
		switch {
		case m.Role == model.RoleUser:
			r.println(promptStyle.Render("> ") + m.Content)
		case m.IsReasoning():
			r.println(reasoningStyle.Render(m.DisplayContent()))
		case m.Kind != model.KindNone:
			r.println(noticeStyle.Render(m.Content))
		default:
			r.println(assistantStyle.Render("助手: ") + m.Content)
		}
	}
}

// render 只渲染展示会话上的助手输出；后台会话的变更只写入存储
func (r *REPL) render(ch conversation.Change) {
	if !ch.Displayed {
		return
	}

	switch ch.Kind {
	case conversation.ChangeMessage:
		msg, ok := r.find(ch.MessageID)
		if !ok || msg.Role == model.RoleUser {
			return
		}
		r.mu.Lock()
		r.openID, r.openChannel = msg.ID, msg.Channel
		r.mu.Unlock()

		switch {
		case msg.Kind != model.KindNone:
			r.print("\n" + noticeStyle.Render(msg.Content))
		case msg.IsReasoning():
			r.print("\n" + reasoningStyle.Render(msg.DisplayContent()))
		default:
			r.print("\n" + assistantStyle.Render("助手: ") + msg.Content)
		}
	case conversation.ChangeDelta:
		if r.channelOf(ch.MessageID) == model.ChannelReasoning {
			r.print(reasoningStyle.Render(ch.Text))
		} else {
			r.print(ch.Text)
		}
	}
}

// channelOf 增量所属消息的通道。切换会话时消息可能开启于切换之前，此时从投影中查找
func (r *REPL) channelOf(messageID string) model.Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if messageID == r.openID {
		return r.openChannel
	}

	msg, ok := r.find(messageID)
	if !ok {
		return model.ChannelNone
	}
	r.openID, r.openChannel = msg.ID, msg.Channel
	return msg.Channel
}

func (r *REPL) find(messageID string) (model.Message, bool) {
	proj := r.client.Store().Projection()
	for i := len(proj) - 1; i >= 0; i-- {
		if proj[i].ID == messageID {
			return proj[i], true
		}
	}
	return model.Message{}, false
}

func (r *REPL) print(s string) {
	fmt.Fprint(r.out, s)
}

func (r *REPL) println(s string) {
	fmt.Fprintln(r.out, s)
}

func (r *REPL) loadHistory() {
	if r.historyFile == "" {
		return
	}
	if f, err := os.Open(r.historyFile); err == nil {
		_, _ = r.line.ReadHistory(f)
		f.Close()
	}
}

func (r *REPL) saveHistory() {
	if r.historyFile == "" {
		return
	}
	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = r.line.WriteHistory(f)
}

// syncWriter 流式输出来自控制器协程，与主循环的输出串行化
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
