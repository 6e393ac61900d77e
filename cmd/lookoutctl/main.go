package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/juju/gnuflag"
	"github.com/nkkko/lookout/pkg/client"
	"github.com/nkkko/lookout/pkg/proto"
)

const usage = `usage: lookoutctl [flags] <command> [args]

commands:
  watchers                               list configured watchers
  pool <watcher>                         print the event pool of a watcher
  registrants <watcher> <event>          print the registrants of an event
  register <watcher> <registrant> <event>...
                                         merge events into a registrant
  unsubscribe <watcher> <registrant>     remove every subscription of a registrant
  tail <registrant>                      print notifications as they arrive
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "lookoutctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := gnuflag.NewFlagSet("lookoutctl", gnuflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	apiURL := fs.String("api", envOr("LOOKOUT_API_URL", "http://localhost:8080"), "admin API base URL")
	streamURL := fs.String("stream", envOr("LOOKOUT_STREAM_URL", "http://localhost:8081"), "notification stream base URL")
	if err := fs.Parse(false, args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return errUsage
	}

	c := client.New(*apiURL, client.WithStreamURL(*streamURL))
	cmd, rest := rest[0], rest[1:]

	switch cmd {
	case "watchers":
		watchers, err := c.ListWatchers(ctx)
		if err != nil {
			return err
		}
		for _, w := range watchers {
			fmt.Fprintf(out, "%s\tinterval=%ds\tpersistent=%t\trunning=%t\n",
				w.Name, w.IntervalSeconds, w.Persistent, w.Running)
		}

	case "pool":
		if len(rest) != 1 {
			return errUsage
		}
		events, err := c.EventPool(ctx, rest[0])
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Fprintln(out, e)
		}

	case "registrants":
		if len(rest) != 2 {
			return errUsage
		}
		registrants, err := c.Registrants(ctx, rest[0], proto.EventKey(rest[1]))
		if err != nil {
			return err
		}
		for _, r := range registrants {
			fmt.Fprintln(out, r)
		}

	case "register":
		if len(rest) < 3 {
			return errUsage
		}
		events := make([]proto.EventKey, 0, len(rest)-2)
		for _, e := range rest[2:] {
			events = append(events, proto.EventKey(e))
		}
		resp, err := c.Register(ctx, rest[0], proto.Registrant(rest[1]), events)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\t%s\n", resp.Registrant, joinEvents(resp.Events))

	case "unsubscribe":
		if len(rest) != 2 {
			return errUsage
		}
		_, err := c.ReplaceSubscriptions(ctx, rest[0], map[proto.Registrant][]proto.EventKey{
			proto.Registrant(rest[1]): {},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tunsubscribed\n", rest[1])

	case "tail":
		if len(rest) != 1 {
			return errUsage
		}
		return tail(ctx, c, proto.Registrant(rest[0]), out)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

// tail prints notifications until ctx is cancelled or the stream closes
func tail(ctx context.Context, c *client.Client, registrant proto.Registrant, out io.Writer) error {
	sub, err := c.Subscribe(ctx, registrant)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-sub.Notifications:
			if !ok {
				return nil
			}
			fmt.Fprintf(out, "[%s] %s %s: %s\n", n.Watcher, n.Kind, n.EventKey, strings.ReplaceAll(n.Text, "\n", " | "))
		}
	}
}

func joinEvents(events []proto.EventKey) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = string(e)
	}
	return strings.Join(parts, ",")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
