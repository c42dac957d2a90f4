// Package cli implements the interactive console of the link proxy.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/linkproxy/internal/config"
	"github.com/energizer-project/linkproxy/internal/db"
	"github.com/energizer-project/linkproxy/internal/events"
	"github.com/energizer-project/linkproxy/internal/extension"
	"github.com/energizer-project/linkproxy/internal/health"
	"github.com/energizer-project/linkproxy/internal/link"
	"github.com/energizer-project/linkproxy/internal/protocol"
	"github.com/energizer-project/linkproxy/internal/proxy"
	"github.com/energizer-project/linkproxy/internal/registry"
)

// Deps are the components the console drives.
type Deps struct {
	Proxy      *proxy.Proxy
	Extensions *extension.Manager
	Bus        *events.EventBus
	// History is nil when the database is disabled.
	History *db.LinkStore
	// Health is nil when backend health checks are disabled.
	Health *health.Manager
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg  *config.Config
	deps Deps
	in   io.Reader
	out  io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:  cfg,
		deps: deps,
		in:   in,
		out:  out,
	}
}

// Start runs the command loop until ctx is done, input ends or quit is
// entered.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nlinkproxy console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(c.out, "linkproxy> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			parts := strings.Fields(line)
			if len(parts) == 0 {
				continue
			}
			quit, err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:])
			if err != nil {
				fmt.Fprintf(c.out, "Error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

// execute runs one command and reports whether the console should exit.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return false, c.printStatus(args)
	case "backends":
		c.printBackends()
	case "check":
		if c.deps.Health == nil {
			return false, errors.New("backend health checks are disabled")
		}
		c.deps.Health.CheckBackends(ctx)
		c.printBackends()
	case "history":
		return false, c.printHistory(ctx, args)
	case "stop":
		return false, c.cmdStop(args)
	case "versions":
		c.printVersions()
	case "extensions", "ext":
		c.printExtensions()
	case "unload":
		return false, c.cmdUnload(ctx, args)
	case "setconfig":
		return false, c.cmdSetConfig(ctx, args)
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down linkproxy...")
		if c.deps.Bus != nil {
			c.deps.Bus.Emit(ctx, events.NewEvent(events.EventShutdown, "cli", nil))
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, `
Commands:
  status [id]            Show running links or one link in detail
  backends               Show the routing table
  check                  Check every backend now
  history [n] [player]   Show the last n finished links
  stop <id|all>          Stop a link
  versions               List supported protocol versions
  extensions             List loaded extensions
  unload <owner>         Unload an extension
  setconfig <key> <v>    Update a proxy setting (applies on restart)
  quit                   Shut down the proxy
  help                   Show this help message`)
}

func (c *CLI) newTable(header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader(header)
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	return tw
}

// printStatus displays running links in a table.
func (c *CLI) printStatus(args []string) error {
	links := c.deps.Proxy.Links()

	if len(args) > 0 {
		l, ok := links.Get(args[0])
		if !ok {
			return fmt.Errorf("%w: %s", proxy.ErrLinkNotFound, args[0])
		}
		c.printLinkDetail(l.Info())
		return nil
	}

	infos := links.List()
	fmt.Fprintf(c.out, "\n%d running link(s)\n", len(infos))
	if len(infos) == 0 {
		return nil
	}

	tw := c.newTable("ID", "Player", "Backend", "Versions", "Phase", "Uptime", "Packets")
	for _, info := range infos {
		tw.Append([]string{
			info.ID,
			orDash(info.Player),
			info.Backend,
			fmt.Sprintf("%d→%d", info.PlayerVersion, info.ServerVersion),
			info.PlayerPhase.String(),
			time.Since(info.StartedAt).Round(time.Second).String(),
			fmt.Sprintf("%d/%d", info.PacketsServerbound, info.PacketsClientbound),
		})
	}
	tw.Render()
	return nil
}

// printLinkDetail prints one link.
func (c *CLI) printLinkDetail(info link.Info) {
	fmt.Fprintf(c.out, "\n  Link:          %s\n", info.ID)
	fmt.Fprintf(c.out, "  Player:        %s (%s)\n", orDash(info.Player), info.PlayerAddr)
	fmt.Fprintf(c.out, "  Backend:       %s (%s)\n", info.Backend, info.BackendAddr)
	fmt.Fprintf(c.out, "  Versions:      %s → %s\n", info.PlayerVersion, info.ServerVersion)
	fmt.Fprintf(c.out, "  Phases:        %s / %s\n", info.PlayerPhase, info.ServerPhase)
	fmt.Fprintf(c.out, "  State:         %s\n", info.State)
	fmt.Fprintf(c.out, "  Started:       %s\n", info.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(c.out, "  Serverbound:   %d packets\n", info.PacketsServerbound)
	fmt.Fprintf(c.out, "  Clientbound:   %d packets\n", info.PacketsClientbound)
}

func (c *CLI) printBackends() {
	counts := c.deps.Proxy.Links().CountByBackend()
	tw := c.newTable("Name", "Address", "Version", "Default", "Virtual Hosts", "Links", "Health")
	for _, b := range c.deps.Proxy.Backends() {
		def := ""
		if b.Default {
			def = "yes"
		}
		tw.Append([]string{
			b.Name,
			b.Address,
			b.Version.String(),
			def,
			strings.Join(b.VirtualHosts, ","),
			strconv.Itoa(counts[b.Name]),
			c.backendHealth(b.Name),
		})
	}
	tw.Render()
}

func (c *CLI) backendHealth(name string) string {
	if c.deps.Health == nil {
		return "-"
	}
	st, ok := c.deps.Health.BackendStatus(name)
	switch {
	case !ok:
		return "unknown"
	case !st.Healthy:
		return "down"
	case st.VersionMismatch:
		return fmt.Sprintf("up %dms (reports %s)", st.LatencyMS, st.ReportedVersion)
	default:
		return fmt.Sprintf("up %dms", st.LatencyMS)
	}
}

func (c *CLI) printHistory(ctx context.Context, args []string) error {
	if c.deps.History == nil {
		return errors.New("link history is disabled")
	}

	f := db.HistoryFilter{Limit: 20}
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		f.Limit = n
	}
	if len(args) > 1 {
		f.Player = args[1]
	}

	records, err := c.deps.History.Recent(ctx, f)
	if err != nil {
		return err
	}

	tw := c.newTable("Ended", "Player", "Backend", "Versions", "Reason", "Duration")
	for _, r := range records {
		tw.Append([]string{
			r.EndedAt.Format("2006-01-02 15:04:05"),
			orDash(r.Player),
			r.Backend,
			fmt.Sprintf("%d→%d", r.PlayerVersion, r.ServerVersion),
			r.Reason,
			r.Duration().Round(time.Second).String(),
		})
	}
	tw.Render()
	return nil
}

func (c *CLI) cmdStop(args []string) error {
	if len(args) < 1 {
		return errors.New("usage: stop <id|all>")
	}
	links := c.deps.Proxy.Links()
	if args[0] == "all" {
		n := links.StopAll(link.ReasonRequested)
		fmt.Fprintf(c.out, "Stopping %d link(s)\n", n)
		return nil
	}
	if err := links.Stop(args[0], link.ReasonRequested); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Stopping link %s\n", args[0])
	return nil
}

func (c *CLI) printVersions() {
	tw := c.newTable("Protocol", "Release")
	for _, v := range protocol.Versions() {
		tw.Append([]string{strconv.Itoa(int(v)), v.Name()})
	}
	tw.Render()
}

func (c *CLI) printExtensions() {
	if c.deps.Extensions == nil {
		fmt.Fprintln(c.out, "No extensions")
		return
	}
	list := c.deps.Extensions.List()
	if len(list) == 0 {
		fmt.Fprintln(c.out, "No extensions")
		return
	}
	tw := c.newTable("Owner", "Hooks", "Loaded")
	for _, info := range list {
		tw.Append([]string{info.Owner, strconv.Itoa(info.Hooks), info.LoadedAt.Format(time.RFC3339)})
	}
	tw.Render()
}

func (c *CLI) cmdUnload(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: unload <owner>")
	}
	if c.deps.Extensions == nil {
		return extension.ErrNotLoaded
	}
	if err := c.deps.Extensions.Unload(ctx, registry.Owner(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Extension %s unloaded\n", args[0])
	return nil
}

func (c *CLI) cmdSetConfig(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: setconfig <key> <value>")
	}

	key := args[0]
	value := parseValue(strings.Join(args[1:], " "))

	previous := c.cfg.GetProxy()
	if err := c.cfg.UpdateProxyField(key, value); err != nil {
		return err
	}
	if result := config.Validate(c.cfg); !result.IsValid() {
		c.cfg.SetProxy(previous)
		return result.Errors[0]
	}
	if err := c.cfg.Save(); err != nil {
		return err
	}

	if c.deps.Bus != nil {
		c.deps.Bus.Emit(ctx, events.NewEvent(events.EventConfigChanged, "cli",
			events.ConfigChangedPayload{Section: "proxy", Key: key, Value: value}))
	}
	fmt.Fprintf(c.out, "Config updated: %s = %v (applies on restart)\n", key, value)
	return nil
}

// parseValue turns console input into the JSON type the field expects.
func parseValue(s string) interface{} {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
