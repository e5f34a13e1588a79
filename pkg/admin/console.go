// Package admin is the interactive operator console of a running broker.
// It reads one command per line and prints tables of sessions and peers.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"

	"github.com/abboe/broker/internal/logger"
	"github.com/abboe/broker/pkg/bo"
	"github.com/abboe/broker/pkg/broker"
)

const prompt = "abboe> "

// headerRow is the row index lipgloss tables pass to StyleFunc for headers
const headerRow = 0

// Broker is the part of the broker the console operates on
type Broker interface {
	Name() string
	Sessions() []broker.SessionInfo
	CloseSession(index int) error
	Broadcast(obj *bo.BusinessObject) (int, error)
	Peers() []broker.PeerInfo
	Stats() broker.BrokerStats
}

// ShutdownFunc is called by the shutdown command
type ShutdownFunc func(reason string)

type command struct {
	name  string
	args  string
	help  string
	alias []string
	run   func(c *Console, args string) bool
}

var commands []command

func init() {
	commands = []command{
		{name: "list", help: "list sessions", alias: []string{"ls"}, run: (*Console).list},
		{name: "close", args: "<n>", help: "force close session n", run: (*Console).closeSession},
		{name: "broadcast", args: "<text>", help: "send a text object to every session", alias: []string{"say"}, run: (*Console).broadcast},
		{name: "peers", help: "list peer brokers", run: (*Console).peers},
		{name: "stats", help: "show routing counters", run: (*Console).stats},
		{name: "shutdown", help: "shut the broker down", alias: []string{"quit", "exit"}, run: (*Console).shutdown},
		{name: "help", help: "show this help", alias: []string{"?"}, run: (*Console).help},
	}
}

// Console reads commands from in and writes results to out
type Console struct {
	broker   Broker
	onExit   ShutdownFunc
	in       io.Reader
	out      io.Writer
	logger   *logger.Logger
	styles   *styles
	renderer *lipgloss.Renderer
}

// New creates a console. onExit is called by the shutdown command.
func New(b Broker, onExit ShutdownFunc, in io.Reader, out io.Writer, log *logger.Logger) *Console {
	if log == nil {
		log = logger.NewNop()
	}
	r := lipgloss.NewRenderer(out)
	return &Console{
		broker:   b,
		onExit:   onExit,
		in:       in,
		out:      out,
		logger:   log.With("component", "admin_console"),
		styles:   newStyles(r),
		renderer: r,
	}
}

// Run reads commands until the input ends, the shutdown command runs or
// ctx is done. A terminal input gets line editing and history.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	errc := make(chan error, 1)

	if f, ok := c.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		restore, err := c.readTerminal(f, lines, errc)
		if err != nil {
			return err
		}
		defer restore()
	} else {
		go c.readPlain(lines, errc)
	}

	fmt.Fprintln(c.out, c.styles.Title.Render("ABBOE broker "+c.broker.Name())+" "+
		c.styles.Muted.Render("type help for commands"))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err == io.EOF {
				return nil
			}
			return err
		case line := <-lines:
			if !c.Execute(line) {
				return nil
			}
		}
	}
}

func (c *Console) readPlain(lines chan<- string, errc chan<- error) {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		errc <- err
		return
	}
	errc <- io.EOF
}

func (c *Console) readTerminal(f *os.File, lines chan<- string, errc chan<- error) (func(), error) {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{f, c.out}, prompt)
	if w, h, err := term.GetSize(fd); err == nil {
		t.SetSize(w, h)
	}
	// raw mode output needs CRLF line ends
	c.out = t

	go func() {
		for {
			line, err := t.ReadLine()
			if err != nil {
				errc <- err
				return
			}
			lines <- line
		}
	}()
	return func() { term.Restore(fd, state) }, nil
}

// Execute runs one command line. It returns false when the console
// should stop.
func (c *Console) Execute(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	name, args, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	args = strings.TrimSpace(args)

	for _, cmd := range commands {
		if cmd.name == name || contains(cmd.alias, name) {
			c.logger.Debug("Console command", "command", cmd.name)
			return cmd.run(c, args)
		}
	}
	c.errorf("unknown command %q, type help", name)
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func (c *Console) errorf(format string, args ...any) {
	fmt.Fprintln(c.out, c.styles.StatusError.Render(fmt.Sprintf(format, args...)))
}

func (c *Console) table(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(c.styles.Border).
		Headers(headers...).
		StyleFunc(c.cellStyle)
}

func (c *Console) cellStyle(row, col int) lipgloss.Style {
	if row == headerRow {
		return c.styles.Header
	}
	return c.styles.Cell
}

func (c *Console) list(string) bool {
	infos := c.broker.Sessions()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, c.styles.Muted.Render("no sessions"))
		return true
	}

	t := c.table("#", "NAME", "USER", "ADDRESS", "ROLE", "STATE", "MODE", "SUBSCRIPTIONS", "QUEUE", "IN", "OUT", "UP")
	for _, info := range infos {
		name := info.Name
		if name == "" {
			name = "-"
		}
		t.Row(
			strconv.Itoa(info.Index),
			name,
			info.User,
			info.Address,
			string(info.Role),
			string(info.State),
			info.ReceiveMode.String(),
			strings.Join(info.Subscriptions, " "),
			strconv.Itoa(info.QueueLength),
			strconv.FormatInt(info.Received, 10),
			strconv.FormatInt(info.Sent, 10),
			time.Since(info.ConnectedAt).Truncate(time.Second).String(),
		)
	}
	fmt.Fprintln(c.out, t.Render())
	return true
}

func (c *Console) closeSession(args string) bool {
	n, err := strconv.Atoi(args)
	if err != nil {
		c.errorf("usage: close <n>")
		return true
	}
	if err := c.broker.CloseSession(n); err != nil {
		c.errorf("%v", err)
		return true
	}
	fmt.Fprintf(c.out, "session %d closed\n", n)
	return true
}

func (c *Console) broadcast(args string) bool {
	if args == "" {
		c.errorf("usage: broadcast <text>")
		return true
	}
	n, err := c.broker.Broadcast(bo.NewText(args).Build())
	if err != nil {
		c.errorf("%v", err)
		return true
	}
	fmt.Fprintf(c.out, "delivered to %d session(s)\n", n)
	return true
}

func (c *Console) peers(string) bool {
	infos := c.broker.Peers()
	if len(infos) == 0 {
		fmt.Fprintln(c.out, c.styles.Muted.Render("no peers"))
		return true
	}

	t := c.table("ADDRESS", "ROUTING ID", "STATE", "DIRECTION", "CONFIGURED", "ATTEMPTS", "LAST ERROR")
	for _, p := range infos {
		t.Row(
			p.Address,
			p.RoutingID,
			c.stateStyle(p.State).Render(string(p.State)),
			string(p.Direction),
			strconv.FormatBool(p.Configured),
			strconv.Itoa(p.Attempts),
			p.LastError,
		)
	}
	fmt.Fprintln(c.out, t.Render())
	return true
}

func (c *Console) stateStyle(st broker.PeerState) lipgloss.Style {
	switch st {
	case broker.PeerConnected:
		return c.styles.StatusConnected
	case broker.PeerFailedForGood:
		return c.styles.StatusError
	case broker.PeerWaitingForRetry, broker.PeerRetryingContact:
		return c.styles.StatusWarning
	}
	return c.styles.StatusDisconnected
}

func (c *Console) stats(string) bool {
	s := c.broker.Stats()
	fmt.Fprintf(c.out, "sessions %d  peers %d  services %d  received %d  routed %d  dropped %d\n",
		s.Sessions, s.Peers, s.Services, s.ObjectsReceived, s.ObjectsRouted, s.ObjectsDropped)
	return true
}

func (c *Console) shutdown(string) bool {
	fmt.Fprintln(c.out, c.styles.StatusWarning.Render("shutting down"))
	if c.onExit != nil {
		c.onExit("admin console")
	}
	return false
}

func (c *Console) help(string) bool {
	for _, cmd := range commands {
		usage := cmd.name
		if cmd.args != "" {
			usage += " " + cmd.args
		}
		desc := cmd.help
		if len(cmd.alias) > 0 {
			desc += " (" + strings.Join(cmd.alias, ", ") + ")"
		}
		fmt.Fprintln(c.out, c.styles.HelpKey.Render(fmt.Sprintf("%-16s", usage))+" "+c.styles.HelpDesc.Render(desc))
	}
	return true
}
