package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ConsoleProvider prompts on a terminal. "y" or "yes" (any case) approves;
// anything else, including end of input, denies. Prompts are serialized
// because runs share one terminal.
type ConsoleProvider struct {
	turn     chan struct{} // one prompt at a time
	lines    chan answer
	start    sync.Once
	in       *bufio.Reader
	out      io.Writer
	reviewer string
}

type answer struct {
	line string
	err  error
}

// NewConsoleProvider reads answers from in and writes prompts to out.
func NewConsoleProvider(in io.Reader, out io.Writer, reviewer string) *ConsoleProvider {
	if reviewer == "" {
		reviewer = "console"
	}
	return &ConsoleProvider{
		turn:     make(chan struct{}, 1),
		lines:    make(chan answer),
		in:       bufio.NewReader(in),
		out:      out,
		reviewer: reviewer,
	}
}

// readLoop is the only reader of c.in. A line is handed to whichever prompt
// is waiting, so an abandoned prompt never swallows the next answer.
func (c *ConsoleProvider) readLoop() {
	defer close(c.lines)
	for {
		line, err := c.in.ReadString('\n')
		if line != "" || err == nil {
			c.lines <- answer{line: line}
		}
		if err != nil {
			if err != io.EOF {
				c.lines <- answer{err: err}
			}
			return
		}
	}
}

// RequestApproval shows the description and waits for an answer. Waiting for
// the terminal and for the answer both give up when ctx is done.
func (c *ConsoleProvider) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	select {
	case c.turn <- struct{}{}:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	defer func() { <-c.turn }()
	c.start.Do(func() { go c.readLoop() })

	shown := fmt.Sprintf("Approval required [%s risk]: %s", req.RiskLevel, req.Description)
	fmt.Fprintf(c.out, "\n%s\n", shown)
	fmt.Fprint(c.out, "Approve? (y/N): ")

	select {
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	case a, ok := <-c.lines:
		if ok && a.err != nil {
			return Decision{}, fmt.Errorf("reading approval answer: %w", a.err)
		}
		d := Decision{ResolvedBy: c.reviewer, Shown: shown, DecidedAt: time.Now()}
		if ok && IsAffirmative(a.line) {
			d.Approved = true
			return d, nil
		}
		d.Reason = "declined at console"
		return d, nil
	}
}

// IsAffirmative reports whether a reviewer's answer approves.
func IsAffirmative(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true
	}
	return false
}

// Prompt is a request delivered to a ChannelProvider consumer, which must
// send exactly one Decision on Reply.
type Prompt struct {
	Request Request
	Reply   chan<- Decision
}

// ChannelProvider hands requests to whoever reads Prompts, e.g. a chat
// integration or a test.
type ChannelProvider struct {
	prompts chan Prompt
}

// NewChannelProvider creates a provider with the given prompt buffer.
func NewChannelProvider(buffer int) *ChannelProvider {
	return &ChannelProvider{prompts: make(chan Prompt, buffer)}
}

// Prompts returns the channel requests are published on.
func (p *ChannelProvider) Prompts() <-chan Prompt {
	return p.prompts
}

// RequestApproval publishes a prompt and waits for its reply.
func (p *ChannelProvider) RequestApproval(ctx context.Context, req Request) (Decision, error) {
	reply := make(chan Decision, 1)
	select {
	case p.prompts <- Prompt{Request: req, Reply: reply}:
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
	select {
	case d := <-reply:
		if d.Shown == "" {
			d.Shown = req.Description
		}
		if d.DecidedAt.IsZero() {
			d.DecidedAt = time.Now()
		}
		return d, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Static returns a provider that always answers with d. Useful for
// non-interactive runs with a fixed policy.
func Static(d Decision) Provider {
	return ProviderFunc(func(_ context.Context, req Request) (Decision, error) {
		out := d
		out.Shown = req.Description
		out.DecidedAt = time.Now()
		return out, nil
	})
}

var (
	_ Provider = (*ConsoleProvider)(nil)
	_ Provider = (*ChannelProvider)(nil)
)
