// Command client is a terminal front end for the messaging service. It keeps
// one conversation open, receives pushes over the websocket and falls back to
// polling while the socket is down.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/pelusa-v/pelusa-dm/internal/auth"
	"github.com/pelusa-v/pelusa-dm/internal/chat"
	"github.com/pelusa-v/pelusa-dm/internal/logger"
	"github.com/pelusa-v/pelusa-dm/internal/reconciler"
)

type printer struct {
	mu      sync.Mutex
	self    string
	printed map[string]bool
	rec     *reconciler.Reconciler
}

func (p *printer) reset() {
	p.mu.Lock()
	p.printed = make(map[string]bool)
	p.mu.Unlock()
}

func (p *printer) render() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.rec.Entries() {
		if e.State == reconciler.Provisional || p.printed[e.ID] {
			continue
		}
		p.printed[e.ID] = true
		who := e.SenderID
		if who == p.self {
			who = "me"
		}
		body := e.Text
		if e.Image != "" {
			body = strings.TrimSpace(body + " [image " + e.Image + "]")
		}
		fmt.Printf("[%s] %s: %s\n", e.CreatedAt.Local().Format("15:04:05"), who, body)
	}
}

func main() {
	server := flag.String("server", "http://localhost:5001", "server base URL")
	token := flag.String("token", os.Getenv("PELUSA_TOKEN"), "JWT for Bearer auth")
	user := flag.String("user", "", "user id (trusted mode when no token is given)")
	peer := flag.String("peer", "", "open a conversation with this user")
	logLevel := flag.String("log-level", "warn", "log level")
	flag.Parse()

	if err := logger.Init(*logLevel, "stderr"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *token == "" && *user == "" {
		fmt.Fprintln(os.Stderr, "either -token or -user is required")
		os.Exit(2)
	}
	if err := run(*server, *token, *user, *peer); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "client:", err)
		os.Exit(1)
	}
}

func wsURL(server, token, user string) (string, error) {
	u, err := url.Parse(strings.TrimRight(server, "/") + "/api/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("userId", user)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func run(server, token, user, peer string) error {
	if user == "" {
		uid, err := auth.PeekUserID(token)
		if err != nil {
			return err
		}
		user = uid
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := reconciler.NewHTTPAPI(strings.TrimRight(server, "/")+"/api", token, user)
	p := &printer{self: user, printed: make(map[string]bool)}
	rec := reconciler.New(user, api, reconciler.WithOnChange(p.render))
	p.rec = rec

	target, err := wsURL(server, token, user)
	if err != nil {
		return err
	}
	stream := reconciler.NewWSStream(target, http.Header{})
	go stream.Run(ctx)
	go func() { _ = rec.Run(ctx, stream) }()

	if peer != "" {
		if err := rec.Select(ctx, peer); err != nil {
			return err
		}
	}
	fmt.Println("commands: /to <user>  /users  /online  /del <id>  /clear  /quit")

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(ctx, rec, api, p, strings.TrimSpace(line)); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Println("error:", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func handleLine(ctx context.Context, rec *reconciler.Reconciler, api *reconciler.HTTPAPI, p *printer, line string) error {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return nil
	case "/quit":
		return errQuit
	case "/to":
		if arg == "" {
			return fmt.Errorf("usage: /to <user>")
		}
		p.reset()
		return rec.Select(ctx, arg)
	case "/users":
		users, err := api.Users(ctx)
		if err != nil {
			return err
		}
		for _, u := range users {
			fmt.Println(" ", u.ID)
		}
		return nil
	case "/online":
		fmt.Println("online:", strings.Join(rec.Online(), ", "))
		return nil
	case "/del":
		return api.Delete(ctx, arg)
	case "/clear":
		n, err := api.Clear(ctx, rec.Peer())
		if err == nil {
			fmt.Printf("cleared %d messages\n", n)
		}
		return err
	}

	if rec.Peer() == "" {
		return fmt.Errorf("pick a conversation with /to <user>")
	}
	_, err := rec.Send(ctx, chat.SendInput{Text: line})
	return err
}
