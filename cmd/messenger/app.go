package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/omochice/toy-messenger/internal/chat"
	"github.com/omochice/toy-messenger/internal/client"
)

const (
	requestTimeout = 30 * time.Second
	maxInfo        = 50
)

const helpText = "commands: /login <user> <password>, /register <user> <email> <password>, /users, /groups, /find <query>, " +
	"/dm <user>, /group <name>, /newgroup <name> [description], /join <group id>, /close, /file <path>, /voice <path>, " +
	"/avatar <path>, /profile <username|-> <email|->, /password <old> <new>, /logout, /quit"

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("247"))
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	sentStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("111"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
	typingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243")).Italic(true)
	bannerStyles = map[chat.ConnState]lipgloss.Style{
		chat.Connected:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		chat.Connecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		chat.Disconnected: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		chat.Closed:       lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
)

// eventMsg carries one client event into the update loop.
type eventMsg struct {
	ev chat.Event
	ok bool
}

// infoMsg is a line for the info panel, usually the outcome of a command.
type infoMsg struct {
	line string
}

type model struct {
	client  *client.Client
	sub     *chat.Subscriber
	input   textinput.Model
	history viewport.Model
	server  string

	info   []string
	width  int
	height int
}

func waitEvent(sub *chat.Subscriber) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Events()
		return eventMsg{ev: ev, ok: ok}
	}
}

func logLine(s string) tea.Cmd {
	return func() tea.Msg { return infoMsg{line: s} }
}

// report executes a blocking client call off the update loop and shows the
// line it returns, or its error.
func report(f func(ctx context.Context) (string, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		line, err := f(ctx)
		if err != nil {
			return infoMsg{line: "error: " + err.Error()}
		}
		if line == "" {
			return nil
		}
		return infoMsg{line: line}
	}
}

// run is report for calls whose success line is fixed.
func run(done string, f func(ctx context.Context) error) tea.Cmd {
	return report(func(ctx context.Context) (string, error) {
		return done, f(ctx)
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitEvent(m.sub), textinput.Blink)
}

func (m *model) addInfo(line string) {
	m.info = append(m.info, time.Now().Format("15:04:05")+" "+line)
	if len(m.info) > maxInfo {
		m.info = m.info[len(m.info)-maxInfo:]
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.history.Width, m.history.Height = historySize(m.width, m.height)
		m.refreshHistory(false)
		return m, nil
	case tea.MouseMsg:
		var cmd tea.Cmd
		m.history, cmd = m.history.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.history, cmd = m.history.Update(msg)
			return m, cmd
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if strings.HasPrefix(line, "/") {
				return m, (&m).handleCommand(line)
			}
			return m, run("", func(ctx context.Context) error {
				return m.client.SendText(ctx, line)
			})
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if msg.Type == tea.KeyRunes && !strings.HasPrefix(m.input.Value(), "/") {
			c := m.client
			cmd = tea.Batch(cmd, func() tea.Msg {
				c.Keystroke()
				return nil
			})
		}
		return m, cmd
	case eventMsg:
		if !msg.ok {
			return m, tea.Quit
		}
		if line := describe(msg.ev, m.client); line != "" {
			m.addInfo(line)
		}
		switch msg.ev.Kind {
		case chat.EventTimelineReset, chat.EventMessage, chat.EventSelection, chat.EventSessionEnded:
			m.refreshHistory(true)
		case chat.EventMessageReconciled, chat.EventTyping, chat.EventPeers:
			m.refreshHistory(false)
		}
		return m, waitEvent(m.sub)
	case infoMsg:
		m.addInfo(msg.line)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// refreshHistory redraws the timeline of the selected conversation.
func (m *model) refreshHistory(follow bool) {
	c := m.client
	self, _ := c.Identity()
	m.setTimeline(c.Messages(), c.Typing(), self.ID, c.ResolveURL, follow)
}

// setTimeline replaces the scrollback. The view stays where the user scrolled
// it unless follow is set or it was already at the bottom.
func (m *model) setTimeline(msgs []chat.Message, typing chat.TypingState, selfID int64, resolve func(string) string, follow bool) {
	lines := make([]string, 0, len(msgs)+1)
	for _, msg := range msgs {
		lines = append(lines, formatMessage(msg, selfID, resolve))
	}
	if typing.Active {
		lines = append(lines, typingStyle.Render(typing.Username+" is typing..."))
	}
	if len(lines) == 0 {
		lines = append(lines, "No messages yet.")
	}

	atBottom := m.history.AtBottom()
	m.history.SetContent(strings.Join(lines, "\n"))
	if follow || atBottom {
		m.history.GotoBottom()
	}
}

// historySize returns the scrollback dimensions for a terminal of w x h.
func historySize(w, h int) (int, int) {
	// header, input and the title plus borders of both panels
	return maxInt(16, w-6), maxInt(3, h-infoHeight(h)-7)
}

func infoHeight(h int) int {
	if h > 0 && h/5 > 4 {
		return minInt(h/5, 8)
	}
	return 4
}

// describe turns an event into an info line; most events only need a redraw.
func describe(ev chat.Event, c *client.Client) string {
	switch ev.Kind {
	case chat.EventConnState:
		if ev.Err != nil {
			return fmt.Sprintf("connection %s: %v", strings.ToLower(ev.State.String()), ev.Err)
		}
	case chat.EventPeerStatus:
		p := c.Resolve(chat.Direct(ev.PeerID))
		if !p.Known {
			return ""
		}
		if ev.Online {
			return p.Name + " is online"
		}
		return p.Name + " went offline"
	case chat.EventSessionEnded:
		switch {
		case errors.Is(ev.Err, chat.ErrUnauthorized):
			return "session expired, please log in again"
		case ev.Err != nil:
			return "session closed: " + ev.Err.Error()
		}
		return "logged out"
	case chat.EventError:
		if ev.Err != nil {
			return "error: " + ev.Err.Error()
		}
	}
	return ""
}

func (m *model) handleCommand(line string) tea.Cmd {
	name, args := parseCommand(line)
	c := m.client
	switch name {
	case "/help":
		return logLine(helpText)
	case "/quit":
		return tea.Quit
	case "/login":
		if len(args) != 2 {
			return logLine("usage: /login <user> <password>")
		}
		return run("logged in as "+args[0], func(ctx context.Context) error {
			return c.Login(ctx, args[0], args[1])
		})
	case "/register":
		if len(args) != 3 {
			return logLine("usage: /register <user> <email> <password>")
		}
		return run("registered as "+args[0], func(ctx context.Context) error {
			return c.Register(ctx, args[0], args[1], args[2])
		})
	case "/logout":
		return run("", func(context.Context) error { return c.Logout() })
	case "/users":
		return report(func(ctx context.Context) (string, error) {
			if err := c.RefreshPeers(ctx); err != nil {
				return "", err
			}
			names := make([]string, 0)
			for _, p := range c.Peers() {
				names = append(names, peerLabel(p))
			}
			return "users: " + emptyDash(strings.Join(names, ", ")), nil
		})
	case "/groups":
		return report(func(ctx context.Context) (string, error) {
			if err := c.RefreshGroups(ctx); err != nil {
				return "", err
			}
			names := make([]string, 0)
			for _, g := range c.Groups() {
				names = append(names, fmt.Sprintf("%s (#%d, %d members)", g.Name, g.ID, g.MemberCount()))
			}
			return "groups: " + emptyDash(strings.Join(names, ", ")), nil
		})
	case "/find":
		peers, groups := c.Filter(strings.Join(args, " "))
		names := make([]string, 0, len(peers)+len(groups))
		for _, p := range peers {
			names = append(names, peerLabel(p))
		}
		for _, g := range groups {
			names = append(names, "#"+g.Name)
		}
		return logLine("found: " + emptyDash(strings.Join(names, ", ")))
	case "/dm":
		if len(args) != 1 {
			return logLine("usage: /dm <user>")
		}
		p, ok := c.FindPeer(args[0])
		if !ok {
			return logLine("unknown user: " + args[0])
		}
		return m.open(chat.Direct(p.ID))
	case "/group":
		if len(args) == 0 {
			return logLine("usage: /group <name>")
		}
		g, ok := c.FindGroup(strings.Join(args, " "))
		if !ok {
			return logLine("unknown group: " + strings.Join(args, " "))
		}
		return m.open(chat.GroupChat(g.ID))
	case "/newgroup":
		if len(args) == 0 {
			return logLine("usage: /newgroup <name> [description]")
		}
		return report(func(ctx context.Context) (string, error) {
			g, err := c.CreateGroup(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created group %s (#%d)", g.Name, g.ID), nil
		})
	case "/join":
		if len(args) != 1 {
			return logLine("usage: /join <group id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return logLine("invalid group id: " + args[0])
		}
		return run("joined group #"+args[0], func(ctx context.Context) error {
			return c.JoinGroup(ctx, id)
		})
	case "/close":
		return run("", func(context.Context) error { return c.ClearSelection() })
	case "/file", "/voice", "/avatar":
		if len(args) != 1 {
			return logLine("usage: " + name + " <path>")
		}
		path := args[0]
		return report(func(ctx context.Context) (string, error) {
			f, err := os.Open(path)
			if err != nil {
				return "", err
			}
			defer f.Close()
			base := filepath.Base(path)
			switch name {
			case "/voice":
				return "", c.SendVoice(ctx, base, f)
			case "/avatar":
				return "avatar updated", c.UploadAvatar(ctx, base, f)
			default:
				return "", c.SendFile(ctx, base, f)
			}
		})
	case "/profile":
		if len(args) != 2 {
			return logLine("usage: /profile <username|-> <email|->")
		}
		username, email := dashEmpty(args[0]), dashEmpty(args[1])
		return run("profile updated", func(ctx context.Context) error {
			return c.UpdateProfile(ctx, username, email)
		})
	case "/password":
		if len(args) != 2 {
			return logLine("usage: /password <old> <new>")
		}
		return run("password changed", func(ctx context.Context) error {
			return c.ChangePassword(ctx, args[0], args[1])
		})
	}
	return logLine("unknown command: " + name + " (/help)")
}

func (m *model) open(conv chat.Conversation) tea.Cmd {
	if err := m.client.Select(conv); err != nil {
		return logLine("error: " + err.Error())
	}
	return nil
}

// parseCommand splits "/cmd a b" into "/cmd" and its arguments.
func parseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (m model) View() string {
	c := m.client

	who := "not logged in"
	if id, ok := c.Identity(); ok {
		who = "login=" + id.Username
	}
	state := c.State()
	banner := bannerStyles[state].Render("● " + strings.ToLower(state.String()))
	header := headerStyle.Render("messenger") + "  " + banner + "  " +
		statusStyle.Render(who+" server="+m.server)

	if m.width > 0 {
		m.input.Width = maxInt(10, m.width-4)
	}

	title := "select a conversation with /dm or /group"
	if conv, ok := c.Active(); ok {
		title = conversationTitle(conv, c.Resolve(conv).Name)
	}

	infoBody := strings.Join(tail(m.info, infoHeight(m.height)), "\n")
	if infoBody == "" {
		infoBody = "/help for commands"
	}

	panelWidth := maxInt(20, m.width-2)
	chatPanel := boxStyle.Width(panelWidth).Render(headerStyle.Render(title) + "\n" + m.history.View())
	infoPanel := boxStyle.Width(panelWidth).Render(infoBody)
	return header + "\n" + chatPanel + "\n" + infoPanel + "\n" + m.input.View()
}

func conversationTitle(conv chat.Conversation, name string) string {
	if conv.IsGroup() {
		return "#" + name
	}
	return "@" + name
}

// formatMessage renders one timeline line. resolve turns attachment paths into
// absolute URLs.
func formatMessage(msg chat.Message, selfID int64, resolve func(string) string) string {
	sender := msg.SenderName
	if sender == "" {
		sender = "unknown"
	}
	if msg.Sent(selfID) {
		sender = "me"
	}

	body := msg.Text
	if msg.Attachment != nil {
		att := fmt.Sprintf("[%s] %s", msg.Attachment.Kind, resolve(msg.Attachment.URL))
		if body != "" {
			body += " " + att
		} else {
			body = att
		}
	}

	line := fmt.Sprintf("%s %s: %s", msg.CreatedAt.Local().Format("15:04"), sender, body)
	switch {
	case msg.Pending:
		return pendingStyle.Render(line + " (sending)")
	case msg.Sent(selfID):
		return sentStyle.Render(line)
	}
	return line
}

func peerLabel(p chat.Peer) string {
	if p.IsOnline {
		return p.Username + " (online)"
	}
	return p.Username
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func emptyDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func dashEmpty(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
