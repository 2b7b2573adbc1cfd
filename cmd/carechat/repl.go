package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/comigor/carechat-go/internal/backend"
	"github.com/comigor/carechat-go/internal/chat"
	"github.com/comigor/carechat-go/internal/logger"
	"github.com/comigor/carechat-go/internal/stream"
)

const helpText = `commands:
  /new            start a new conversation
  /sessions       list conversations
  /switch <id>    switch to a conversation and load its history
  /send <text>    send without streaming the reply
  /cancel         stop the reply being streamed
  /handoff        ask for a human professional
  /health         check the backend
  /quit           exit
anything else is sent as a message; commands work while a reply streams
Ctrl+C stops a reply, or exits when idle`

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	infoColor      = color.New(color.Faint)
	warnColor      = color.New(color.FgYellow)
	errorColor     = color.New(color.FgRed)
	crisisColor    = color.New(color.FgRed, color.Bold)
)

// transcripts is the local fallback for session history.
type transcripts interface {
	List(sessionID string) ([]chat.Message, error)
}

type repl struct {
	machine *chat.Machine
	api     backend.API
	local   transcripts

	mu  sync.Mutex // guards out and the render state below
	out io.Writer

	streamID    string
	shown       int
	crisisShown bool
	lastPhase   chat.Phase

	turnEnded chan struct{}
}

func newREPL(m *chat.Machine, api backend.API, local transcripts, out io.Writer) *repl {
	r := &repl{
		machine:   m,
		api:       api,
		local:     local,
		out:       out,
		lastPhase: chat.PhaseIdle,
		turnEnded: make(chan struct{}, 1),
	}
	m.Subscribe(r.render)
	return r
}

// run reads commands from in until EOF, /quit, or an interrupt while idle.
// Input stays live while a reply streams, so a new message, /switch or /new
// can cut it short. At EOF the reply in flight is awaited.
func (r *repl) run(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	r.printf(infoColor, "type /help for commands\n")
	r.prompt()
	for {
		select {
		case <-ctx.Done():
			r.machine.CancelStream()
			return
		case <-interrupts:
			if r.machine.Snapshot().Streaming() {
				r.machine.CancelStream()
				continue
			}
			r.printf(infoColor, "\nbye\n")
			return
		case <-r.turnEnded:
			r.prompt()
		case line, ok := <-lines:
			if !ok {
				r.awaitTurn(ctx, interrupts)
				return
			}
			streaming := r.machine.Snapshot().Streaming()
			cont, started := r.handle(ctx, strings.TrimSpace(line))
			if !cont {
				r.machine.CancelStream()
				return
			}
			// A turn that started or ended here prompts through turnEnded.
			if !streaming && !started {
				r.prompt()
			}
		}
	}
}

// awaitTurn blocks until no reply is streaming. An interrupt cancels it.
func (r *repl) awaitTurn(ctx context.Context, interrupts <-chan os.Signal) {
	for r.machine.Snapshot().Streaming() {
		select {
		case <-r.turnEnded:
		case <-interrupts:
			r.machine.CancelStream()
		case <-ctx.Done():
			r.machine.CancelStream()
			return
		}
	}
}

// handle runs one input line. It reports whether to keep reading and whether
// the line started a turn.
func (r *repl) handle(ctx context.Context, line string) (cont, started bool) {
	if line == "" {
		return true, false
	}
	if !strings.HasPrefix(line, "/") {
		return true, r.send(ctx, line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit":
		return false, false
	case "/help":
		r.printf(infoColor, "%s\n", helpText)
	case "/new":
		r.machine.StartNewSession()
		r.printf(infoColor, "started a new conversation\n")
	case "/sessions":
		r.listSessions()
	case "/switch":
		if arg == "" {
			r.printf(warnColor, "usage: /switch <session id>\n")
			break
		}
		r.switchTo(ctx, arg)
	case "/send":
		if arg == "" {
			r.printf(warnColor, "usage: /send <message>\n")
			break
		}
		return true, r.sendOnce(ctx, arg)
	case "/cancel":
		if !r.machine.Snapshot().Streaming() {
			r.printf(infoColor, "nothing to cancel\n")
			break
		}
		r.machine.CancelStream()
	case "/handoff":
		r.handoff(ctx)
	case "/health":
		r.health(ctx)
	default:
		r.printf(warnColor, "unknown command %s, try /help\n", cmd)
	}
	return true, false
}

// send starts a streamed turn; a reply still streaming is cancelled first.
func (r *repl) send(ctx context.Context, text string) bool {
	if err := r.machine.Send(ctx, text); err != nil {
		r.printf(errorColor, "cannot send: %v\n", err)
		return false
	}
	return true
}

// sendOnce runs a whole turn through the non-streaming endpoint and replays
// the answer into the machine as a single-token turn.
func (r *repl) sendOnce(ctx context.Context, text string) bool {
	r.machine.CancelStream()

	resp, err := r.api.SendMessage(ctx, backend.NewChatRequest(r.machine.Snapshot().SessionID, text))
	if err != nil {
		r.printf(errorColor, "cannot send: %v\n", err)
		return false
	}

	h := stream.NewHandle(func() {})
	defer h.Finish(stream.StateCompleted)

	r.machine.AddUserMessage(text)
	r.machine.StartStreaming(h)
	r.machine.AppendToken(resp.BotResponse)
	if len(resp.CrisisResources) > 0 {
		r.mu.Lock()
		r.crisisShown = true
		r.printCrisisLocked(resp.CrisisResources)
		r.mu.Unlock()
	}
	r.machine.FinalizeStream(chat.TurnResult{
		Metadata: &stream.Metadata{
			SessionID:       resp.SessionID,
			RiskScore:       resp.RiskScore,
			RiskLevel:       resp.RiskLevel,
			TriageActivated: resp.TriageActivated,
			HumanHandoff:    resp.HumanHandoff,
		},
		MessageCount: resp.SessionMessageCount,
	})
	return true
}

func (r *repl) listSessions() {
	snap := r.machine.Snapshot()
	if len(snap.Sessions) == 0 {
		r.printf(infoColor, "no conversations yet\n")
		return
	}
	for _, s := range snap.Sessions {
		marker := " "
		if s.ID == snap.SessionID {
			marker = "*"
		}
		r.printf(riskColor(s.RiskLevel), "%s %s  %-40s  %-8s %d messages\n",
			marker, s.ID, s.Title, s.RiskLevel, s.MessageCount)
	}
}

// switchTo activates a session and loads its history from the backend,
// falling back to the local transcript.
func (r *repl) switchTo(ctx context.Context, id string) {
	r.machine.SwitchSession(id)

	var msgs []chat.Message
	resp, err := r.api.GetHistory(ctx, id)
	switch {
	case err == nil:
		msgs = chat.MessagesFromHistory(resp)
	case errors.Is(err, backend.ErrSessionNotFound), errors.Is(err, backend.ErrSessionExpired):
		r.printf(warnColor, "%v\n", err)
		return
	default:
		logger.L.Warn("history unavailable; using local transcript", "session_id", id, "error", err)
		msgs, err = r.local.List(id)
		if err != nil {
			r.printf(errorColor, "cannot load history: %v\n", err)
			return
		}
	}

	if !r.machine.LoadHistory(id, msgs) {
		return
	}
	r.printf(infoColor, "switched to %s (%d messages)\n", id, len(msgs))
	for _, m := range msgs {
		c := infoColor
		if m.Role == chat.RoleAssistant {
			c = assistantColor
		}
		r.printf(c, "%s: %s\n", m.Role, m.Content)
	}
}

func (r *repl) handoff(ctx context.Context) {
	id := r.machine.Snapshot().SessionID
	if id == "" {
		r.printf(warnColor, "send a message first\n")
		return
	}
	resp, err := r.api.TriggerHandoff(ctx, id)
	if err != nil {
		r.printf(errorColor, "handoff failed: %v\n", err)
		return
	}
	r.printf(warnColor, "handoff %s for %s\n", resp.HandoffStatus, resp.SessionID)
}

func (r *repl) health(ctx context.Context) {
	resp, err := r.api.Health(ctx)
	if err != nil {
		r.printf(errorColor, "backend unreachable: %v\n", err)
		return
	}
	r.printf(infoColor, "%s %s is %s (%d active sessions)\n",
		resp.Service, resp.Version, resp.Status, resp.ActiveSessions)
}

// render prints what changed since the previous snapshot: streamed text,
// crisis resources and the outcome of a finished turn.
func (r *repl) render(s chat.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg, ok := s.StreamingMessage(); ok {
		if msg.ID != r.streamID {
			if r.streamID != "" {
				// The previous reply was superseded by a new message.
				warnColor.Fprint(r.out, "\n[cancelled]\n")
			}
			r.streamID, r.shown, r.crisisShown = msg.ID, 0, false
			assistantColor.Fprint(r.out, "assistant: ")
		}
		r.flushLocked(msg.Content)
	}

	if len(s.Crisis) > 0 && !r.crisisShown {
		r.crisisShown = true
		r.printCrisisLocked(s.Crisis)
	}

	if r.lastPhase == chat.PhaseStreaming && !s.Streaming() {
		r.endTurnLocked(s)
		select {
		case r.turnEnded <- struct{}{}:
		default:
		}
	}
	r.lastPhase = s.Phase
}

func (r *repl) printCrisisLocked(resources []backend.CrisisResource) {
	crisisColor.Fprint(r.out, "\n\nIf you are in danger, please reach out now:\n")
	for _, res := range resources {
		crisisColor.Fprintf(r.out, "  %s  %s  (%s)\n", res.Name, res.Number, res.Hours)
	}
	fmt.Fprintln(r.out)
}

func (r *repl) flushLocked(content string) {
	if len(content) > r.shown {
		assistantColor.Fprint(r.out, content[r.shown:])
		r.shown = len(content)
	}
}

func (r *repl) endTurnLocked(s chat.Snapshot) {
	var last *chat.Message
	for i := range s.Messages {
		if s.Messages[i].ID == r.streamID {
			last = &s.Messages[i]
		}
	}
	if last != nil {
		r.flushLocked(last.Content)
	}
	fmt.Fprintln(r.out)

	switch s.Phase {
	case chat.PhaseFinalized:
		if last != nil && last.RiskScore != nil {
			riskColor(last.RiskLevel).Fprintf(r.out, "[risk %s, score %d]\n", last.RiskLevel, *last.RiskScore)
		}
		if last != nil && last.HumanHandoff {
			warnColor.Fprint(r.out, "[a professional has been notified]\n")
		}
	case chat.PhaseFailed:
		errorColor.Fprintf(r.out, "[error: %v]\n", s.Err)
	default:
		warnColor.Fprint(r.out, "[cancelled]\n")
	}
	r.streamID, r.shown = "", 0
}

func (r *repl) prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	promptColor.Fprint(r.out, "> ")
}

func (r *repl) printf(c *color.Color, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.Fprintf(r.out, format, args...)
}

func riskColor(level backend.RiskLevel) *color.Color {
	switch level {
	case backend.RiskCritical, backend.RiskHigh:
		return errorColor
	case backend.RiskMedium:
		return warnColor
	default:
		return infoColor
	}
}
