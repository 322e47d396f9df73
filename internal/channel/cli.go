// Package channel holds the operator-facing front ends of a conversation.
package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"privroute/internal/agent"
	"privroute/internal/bus"
	"privroute/internal/domain"
)

// Conversation is the orchestrator surface the REPL drives.
type Conversation interface {
	Send(ctx context.Context, text string) ([]agent.Reply, error)
	Cancel()
	Busy() bool
	Gate() *agent.ReviewGate
	Mode() domain.Backend
	SetMode(mode string) error
	ActivePersona() string
	SetActivePersona(name string) error
	Status() (domain.PrivacyStatus, bool)
}

// CLI is the interactive terminal chat. Messages run in the background so
// review answers and /cancel can be typed while one is in flight.
type CLI struct {
	conv   Conversation
	events *bus.EventBus
	logger *slog.Logger
	in     io.Reader
	out    io.Writer

	outMu   sync.Mutex
	printed string            // partial output already on screen
	region  string            // persona whose streaming region is open
	shown   map[string]string // finished regions by persona, awaiting their status line
	wg      sync.WaitGroup
}

type CLIConfig struct {
	Conversation Conversation
	Events       *bus.EventBus
	Logger       *slog.Logger
	In           io.Reader
	Out          io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		conv:   cfg.Conversation,
		events: cfg.Events,
		logger: cfg.Logger,
		in:     cfg.In,
		out:    cfg.Out,
		shown:  make(map[string]string),
	}
}

const helpText = `Commands:
  @persona ...        address one or more personas
  /mode MODE          switch privacy mode (local, hybrid, cloud)
  /persona NAME       switch the default persona
  /status             show mode, persona and the message in flight
  /cancel             stop the message in flight
  /quit               exit
While a review is pending:
  a [nohistory] [nodocs]   approve, optionally without history or attachments
  e TEXT                   approve with an edited prompt
  c                        cancel, nothing is sent`

// Start runs the REPL until /quit, EOF or ctx ends. A message still in
// flight is cancelled and awaited before Start returns.
func (c *CLI) Start(ctx context.Context) error {
	defer c.subscribe()()
	defer c.wg.Wait()
	defer c.conv.Cancel()

	c.printf("privroute chat. Mode %s, persona %s. /help for commands.\n", c.conv.Mode(), c.conv.ActivePersona())
	c.prompt()

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.prompt()
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("operator requested quit")
			return nil
		}
		c.handle(ctx, line)
	}
}

func (c *CLI) handle(ctx context.Context, line string) {
	if _, pending := c.conv.Gate().Pending(); pending && !strings.HasPrefix(line, "/") {
		c.answerReview(line)
		return
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		c.printf("%s\n", helpText)
	case "/mode":
		if err := c.conv.SetMode(arg); err != nil {
			c.printf("error: %v\n", err)
		} else {
			c.printf("mode is now %s\n", c.conv.Mode())
		}
	case "/persona":
		if err := c.conv.SetActivePersona(strings.TrimPrefix(arg, "@")); err != nil {
			c.printf("error: %v\n", err)
		} else {
			c.printf("default persona is now %s\n", c.conv.ActivePersona())
		}
	case "/status":
		c.printStatus()
	case "/cancel":
		if !c.conv.Busy() {
			c.printf("nothing in flight\n")
			break
		}
		c.conv.Cancel()
	default:
		if strings.HasPrefix(cmd, "/") {
			c.printf("unknown command %s, try /help\n", cmd)
			break
		}
		if c.conv.Busy() {
			c.printf("a message is still in flight, /cancel to stop it\n")
			break
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.send(ctx, line)
		}()
		return
	}
	c.prompt()
}

func (c *CLI) send(ctx context.Context, text string) {
	replies, err := c.conv.Send(ctx, text)
	for _, r := range replies {
		c.printReply(r)
	}
	switch {
	case errors.Is(err, context.Canceled):
		c.printf("cancelled\n")
	case errors.Is(err, domain.ErrBusy):
		c.printf("a message is still in flight, /cancel to stop it\n")
	case err != nil:
		c.printf("error: %v\n", err)
	}
	c.prompt()
}

func (c *CLI) answerReview(line string) {
	gate := c.conv.Gate()
	cmd, arg, _ := strings.Cut(line, " ")
	var err error
	switch strings.ToLower(cmd) {
	case "a", "approve", "y", "yes":
		a := agent.Approval{IncludeHistory: true, IncludeAttachments: true}
		for _, f := range strings.Fields(arg) {
			switch f {
			case "nohistory":
				a.IncludeHistory = false
			case "nodocs":
				a.IncludeAttachments = false
			}
		}
		err = gate.Approve(a)
	case "e", "edit":
		if strings.TrimSpace(arg) == "" {
			c.printf("usage: e TEXT\n")
			return
		}
		err = gate.Approve(agent.Approval{EditedPrompt: strings.TrimSpace(arg), IncludeHistory: true, IncludeAttachments: true})
	case "c", "cancel", "n", "no":
		err = gate.Cancel()
	default:
		c.printf("review pending: a to approve, e TEXT to edit, c to cancel\n")
		return
	}
	if err != nil {
		c.printf("error: %v\n", err)
	}
}

// subscribe wires the renderers and returns the function that unwires them.
func (c *CLI) subscribe() func() {
	offs := []func(){
		c.events.Subscribe(c.onPartial, bus.EventStreamPartial),
		c.events.Subscribe(c.onReset, bus.EventStreamReset),
		c.events.Subscribe(c.onComplete, bus.EventDispatchComplete),
		c.events.Subscribe(c.onReview, bus.EventReviewPending),
		c.events.Subscribe(c.onRetry, bus.EventDispatchRetry),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// onPartial keeps one streaming region per reply: text that only grows is
// appended, a rewritten prefix (a placeholder resolved mid-word) redraws it.
func (c *CLI) onPartial(e bus.Event) {
	text, _ := e.Payload["text"].(string)
	persona, _ := e.Payload["persona"].(string)
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.printed != "" && persona != c.region {
		c.closeRegion()
	}
	if c.printed == "" {
		fmt.Fprintf(c.out, "\r\033[K%s> ", persona)
		c.region = persona
	}
	if strings.HasPrefix(text, c.printed) {
		fmt.Fprint(c.out, text[len(c.printed):])
	} else {
		fmt.Fprintf(c.out, "\r\033[K%s> %s", persona, text)
	}
	c.printed = text
}

// onComplete ends the persona's region so the next persona of a fan-out
// starts on its own line.
func (c *CLI) onComplete(e bus.Event) {
	persona, _ := e.Payload["persona"].(string)
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.printed != "" && persona == c.region {
		c.closeRegion()
	}
}

// closeRegion terminates the open region. Caller holds outMu.
func (c *CLI) closeRegion() {
	fmt.Fprint(c.out, "\n")
	c.shown[c.region] = c.printed
	c.printed = ""
	c.region = ""
}

func (c *CLI) onReset(bus.Event) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	if c.printed != "" {
		fmt.Fprint(c.out, "\n[partial reply discarded]\n")
	}
	c.printed = ""
	c.region = ""
}

func (c *CLI) onReview(e bus.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "\n--- review: %v via %v (%v) ---\n", e.Payload["persona"], e.Payload["model"], e.Payload["content_mode"])
	if degraded, _ := e.Payload["degraded"].(bool); degraded {
		b.WriteString("warning: entity detection unavailable, only custom terms were redacted\n")
	}
	fmt.Fprintf(&b, "%v\n", e.Payload["proposed"])
	b.WriteString("--- a: approve  e TEXT: edit  c: cancel ---\n")
	c.printf("%s", b.String())
	c.prompt()
}

func (c *CLI) onRetry(e bus.Event) {
	c.printf("\r\033[Klocal model busy, retrying (attempt %v)\n", e.Payload["attempt"])
}

func (c *CLI) printReply(r agent.Reply) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	var err *domain.PolicyError
	switch {
	case errors.As(r.Err, &err):
		fmt.Fprintf(c.out, "%s [%s] %s\n", r.Persona, r.Status.Label, r.Text)
	case errors.Is(r.Err, domain.ErrReviewCancelled):
		fmt.Fprintf(c.out, "%s: cancelled, nothing was sent\n", r.Persona)
	case r.Err != nil:
		fmt.Fprintf(c.out, "%s: error: %v\n", r.Persona, r.Err)
		var inf *domain.InferenceError
		if errors.As(r.Err, &inf) && inf.Remediation != "" {
			fmt.Fprintf(c.out, "  hint: %s\n", inf.Remediation)
		}
	default:
		if shown, ok := c.shown[r.Persona]; ok && shown == r.Text {
			fmt.Fprintf(c.out, "  %s: [%s%s]\n", r.Persona, r.Status.Label, statusCounts(r.Status))
			break
		}
		open := c.printed != "" && c.region == r.Persona
		switch {
		case !open:
			if c.printed != "" {
				c.closeRegion()
			}
			fmt.Fprintf(c.out, "%s> %s", r.Persona, r.Text)
		case strings.HasPrefix(r.Text, c.printed):
			fmt.Fprint(c.out, r.Text[len(c.printed):])
		default:
			fmt.Fprintf(c.out, "\r\033[K%s> %s", r.Persona, r.Text)
		}
		fmt.Fprintf(c.out, "\n  [%s%s]\n", r.Status.Label, statusCounts(r.Status))
	}
	if c.region == r.Persona {
		c.printed = ""
		c.region = ""
	}
	delete(c.shown, r.Persona)
}

func (c *CLI) printStatus() {
	c.printf("mode %s, persona %s\n", c.conv.Mode(), c.conv.ActivePersona())
	if s, ok := c.conv.Status(); ok {
		c.printf("in flight: %s for %s: %s%s\n", s.Label, s.Persona, s.Explanation, statusCounts(s))
	}
	if p, ok := c.conv.Gate().Pending(); ok {
		c.printf("review pending for %s\n", p.Persona)
	}
}

func statusCounts(s domain.PrivacyStatus) string {
	var parts []string
	if s.DetectedCount > 0 {
		parts = append(parts, fmt.Sprintf("%d detected", s.DetectedCount))
	}
	if s.CustomTermCount > 0 {
		parts = append(parts, fmt.Sprintf("%d custom", s.CustomTermCount))
	}
	if s.AttributeCount > 0 {
		parts = append(parts, fmt.Sprintf("%d attributes", s.AttributeCount))
	}
	if s.DetectorDegraded {
		parts = append(parts, "detector degraded")
	}
	if len(parts) == 0 {
		return ""
	}
	return ", " + strings.Join(parts, ", ")
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) prompt() { c.printf("you> ") }
