package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"chat-realtime/internal/client"
	"chat-realtime/internal/logging"
	"chat-realtime/internal/models"
)

const usage = `commands:
  <text>                    send a message
  /reply <id> <text>        reply in a thread
  /react <id> <emoji>       add a reaction (replaces your previous one)
  /unreact <id> <emoji>     remove a reaction
  /edit <id> <text>         edit your message
  /delete <id>              delete your message
  /thread <id>              open a thread
  /close <id>               close a thread
  /sync <id>                resync a thread and wait for it
  /show                     print the timeline
  /quit`

func main() {
	serverURL := flag.String("url", "ws://localhost:8083/ws", "websocket endpoint")
	userID := flag.String("user", "", "user id (trusted-header mode)")
	token := flag.String("token", "", "bearer token (JWT mode)")
	room := flag.String("room", "general", "room to join")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	logger, err := logging.New(*logLevel, "console")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *userID == "" && *token == "" {
		fmt.Fprintln(os.Stderr, "one of -user or -token is required")
		os.Exit(2)
	}

	target, err := url.Parse(*serverURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	header := http.Header{}
	if *token != "" {
		header.Set("Authorization", "Bearer "+*token)
		if *userID == "" {
			// The server verifies the token; locally the subject only
			// attributes optimistic entries.
			var claims jwt.RegisteredClaims
			if _, _, err := jwt.NewParser().ParseUnverified(*token, &claims); err == nil {
				*userID = claims.Subject
			}
		}
	} else {
		q := target.Query()
		q.Set("userId", *userID)
		target.RawQuery = q.Encode()
	}

	cfg := client.DefaultConfig(target.String())
	cfg.Header = header
	cfg.Logger = logger
	c := client.New(cfg, *userID)

	c.OnStateChange(func(state client.ConnectionState, err error) {
		if err != nil {
			fmt.Printf("* %s (%v)\n", state, err)
			return
		}
		fmt.Printf("* %s\n", state)
	})
	c.OnEvent(func(env models.Envelope) { printEvent(c, *room, env) })
	c.Store().OnFailure(func(f client.Failure) { fmt.Printf("! %v\n", f) })

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		logger.Fatal("connect failed", zap.Error(err))
	}
	defer func() { _ = c.Close() }()
	if err := c.Join(*room); err != nil {
		logger.Fatal("join failed", zap.Error(err))
	}
	fmt.Println(usage)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, c, *room, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, c *client.Client, room, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		report(c.Send(room, line, ""))
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	id, arg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	switch cmd {
	case "/quit":
		return true
	case "/reply":
		report(c.Send(room, arg, id))
	case "/react":
		reportErr(c.React(room, id, arg, true))
	case "/unreact":
		reportErr(c.React(room, id, arg, false))
	case "/edit":
		reportErr(c.Edit(room, id, arg))
	case "/delete":
		reportErr(c.Delete(room, id))
	case "/thread":
		reportErr(c.OpenThread(room, id))
	case "/close":
		reportErr(c.CloseThread(room, id))
	case "/sync":
		reportErr(c.RequestSync(ctx, room, id))
		printThread(c, id)
	case "/show":
		printTimeline(c, room)
	default:
		fmt.Println(usage)
	}
	return false
}

func report(_ string, err error) { reportErr(err) }

func reportErr(err error) {
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
}

func printEvent(c *client.Client, room string, env models.Envelope) {
	switch env.Event {
	case models.EventMessage, models.EventMessageUpdate, models.EventMessageDelete, models.EventReactionUpdate:
		printTimeline(c, room)
	case models.EventThreadState, models.EventThreadSync:
		var state models.ThreadState
		if err := env.Decode(&state); err == nil && state.Message != nil {
			printThread(c, state.Message.ID)
		}
	}
}

func printTimeline(c *client.Client, room string) {
	fmt.Printf("--- %s ---\n", room)
	for _, e := range c.Store().Timeline(room) {
		printEntry(e.Message, e.State)
	}
}

func printThread(c *client.Client, parentID string) {
	view, ok := c.Store().Thread(parentID)
	if !ok || view.Message == nil {
		return
	}
	fmt.Printf("--- thread %s ---\n", parentID)
	printEntry(*view.Message, client.StateConfirmed)
	for _, r := range view.Replies {
		fmt.Print("  ")
		printEntry(r, client.StateConfirmed)
	}
}

func printEntry(m models.Message, state client.State) {
	var flags []string
	if state != client.StateConfirmed {
		flags = append(flags, state.String())
	}
	if m.Edited {
		flags = append(flags, "edited")
	}
	if m.ReplyCount > 0 {
		flags = append(flags, fmt.Sprintf("%d replies", m.ReplyCount))
	}
	for emoji, r := range m.Reactions {
		flags = append(flags, fmt.Sprintf("%s%d", emoji, r.Count))
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, " ") + "]"
	}
	fmt.Printf("%s %s: %s%s\n", m.ID, m.UserID, m.Content, suffix)
}
