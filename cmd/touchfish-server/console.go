package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	touchfish "github.com/touchfish/touchfish-server"
	"github.com/touchfish/touchfish-server/registry"
)

const (
	broadcastPrefix = "[系统广播] "
	kickReason      = "You have been kicked from the room."
	shutdownNotice  = "The server is shutting down."
	shortIDLen      = 8
)

// relay is the part of *touchfish.Server the console drives.
type relay interface {
	ListClients() []registry.Client
	Broadcast(msg string, skip ...touchfish.Skip)
	Kick(host, reason string) int
	KickID(id, reason string) bool
}

// console is the operator REPL.
type console struct {
	relay relay
	out   io.Writer
}

const consoleHelp = "Commands: list | broadcast <msg> | kick <ip|id> | quit"

// Run executes commands read from in until quit or EOF.
func (c *console) Run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if quit := c.exec(scanner.Text()); quit {
			return nil
		}
	}
	return scanner.Err()
}

func (c *console) exec(line string) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "list":
		c.list()
	case "broadcast":
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: broadcast <msg>")
			return false
		}
		c.relay.Broadcast(broadcastPrefix + arg)
		fmt.Fprintf(c.out, "Broadcast: %s\n", arg)
	case "kick":
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: kick <ip|id>")
			return false
		}
		c.kick(arg)
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	default:
		fmt.Fprintf(c.out, "Unknown command: %s\n%s\n", cmd, consoleHelp)
	}
	return false
}

func (c *console) list() {
	clients := c.relay.ListClients()
	if len(clients) == 0 {
		fmt.Fprintln(c.out, "No clients connected")
		return
	}

	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tIP\tPORT\tUSERNAME\tONLINE\tJOINED")
	for _, client := range clients {
		online := "no"
		if client.Online {
			online = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			shortID(client.ID), client.Host, client.Port, client.Name, online, humanize.Time(client.Joined))
	}
	w.Flush()
}

// kick treats target as an IP first, then as a (short) connection ID.
func (c *console) kick(target string) {
	if n := c.relay.Kick(target, kickReason); n > 0 {
		fmt.Fprintf(c.out, "Kicked %d client(s) from %s\n", n, target)
		return
	}

	var matches []registry.Client
	for _, client := range c.relay.ListClients() {
		if strings.HasPrefix(client.ID, target) {
			matches = append(matches, client)
		}
	}
	switch len(matches) {
	case 0:
		fmt.Fprintf(c.out, "No client matches %s\n", target)
	case 1:
		if c.relay.KickID(matches[0].ID, kickReason) {
			fmt.Fprintf(c.out, "Kicked %s (%s)\n", shortID(matches[0].ID), matches[0].Host)
		}
	default:
		fmt.Fprintf(c.out, "%s is ambiguous, %d clients match\n", target, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > shortIDLen {
		return id[:shortIDLen]
	}
	return id
}
