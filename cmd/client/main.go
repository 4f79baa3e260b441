package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/NicolasHaas/messenger/pkg/client"
	"github.com/NicolasHaas/messenger/pkg/logging"
	"github.com/NicolasHaas/messenger/pkg/protocol"
)

func main() {
	addr := flag.String("server", "", "Server host:port (discovered on the LAN if empty)")
	discoverAddr := flag.String("discover", client.DefaultDiscoveryAddr, "Broadcast address for server discovery")
	username := flag.String("user", "", "Username to log in with")
	password := flag.String("password", "", "Password (prompted for if empty)")
	keepAlive := flag.Duration("keepalive", 20*time.Second, "PING interval (0 to disable)")
	flag.Parse()

	// Default to "warn"; override with MESSENGER_LOG_LEVEL env var (debug, info, warn, error).
	level := "warn"
	if v := os.Getenv("MESSENGER_LOG_LEVEL"); v != "" {
		level = v
	}
	logger, err := logging.Setup(logging.Options{Level: level, Output: os.Stderr})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	stdin := bufio.NewScanner(os.Stdin)
	prompt := func(label string) string {
		fmt.Print(label)
		if !stdin.Scan() {
			os.Exit(1)
		}
		return strings.TrimSpace(stdin.Text())
	}

	server := *addr
	if server == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		server, err = client.Discover(ctx, *discoverAddr)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "no server found: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("found server at %s\n", server)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, server)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()
	c.SetLogger(logger)
	fmt.Println(c.Greeting())

	user := *username
	pass := *password
	for {
		if user == "" {
			user = prompt("username: ")
		}
		if pass == "" {
			pass = prompt("password: ")
		}
		online, err := c.Login(user, pass)
		if err == nil {
			fmt.Printf("logged in as %s; online: %s\n", user, strings.Join(online, ", "))
			break
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		var loginErr *client.LoginError
		if !errors.As(err, &loginErr) {
			os.Exit(1)
		}
		user, pass = "", ""
	}

	c.SetFrameHandler(printFrame)
	c.StartReceiving()
	if *keepAlive > 0 {
		c.KeepAlive(context.Background(), *keepAlive)
	}

	fmt.Println(`commands: @user text | #group text | /online | /history | /quit`)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for stdin.Scan() {
			lines <- stdin.Text()
		}
	}()

	for {
		select {
		case <-c.Done():
			fmt.Println("disconnected")
			return
		case line, ok := <-lines:
			if !ok {
				_ = c.Logout()
				return
			}
			cmd, ok := parseInput(line)
			if !ok {
				fmt.Fprintln(os.Stderr, "unrecognised input")
				continue
			}
			if err := c.Send(cmd); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				return
			}
			if cmd.Kind == protocol.CmdLogout {
				<-c.Done()
				return
			}
		}
	}
}

// parseInput maps a terminal line to a protocol command.
func parseInput(line string) (protocol.Command, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "/online":
		return protocol.Command{Kind: protocol.CmdGetOnline}, true
	case line == "/history":
		return protocol.Command{Kind: protocol.CmdHistory}, true
	case line == "/quit":
		return protocol.Command{Kind: protocol.CmdLogout}, true
	case strings.HasPrefix(line, "@"):
		to, text, ok := strings.Cut(line[1:], " ")
		return protocol.Private(to, text), ok && to != ""
	case strings.HasPrefix(line, "#"):
		group, text, ok := strings.Cut(line[1:], " ")
		return protocol.Group(group, text), ok && group != ""
	}
	return protocol.Command{}, false
}

func printFrame(f protocol.Frame) {
	switch f.Kind {
	case protocol.FramePrivateMsg:
		fmt.Printf("[%s] %s\n", f.User, f.Text)
	case protocol.FrameGroupMsg:
		fmt.Printf("[%s/%s] %s\n", f.Group, f.User, f.Text)
	case protocol.FrameUserJoined:
		fmt.Printf("* %s joined\n", f.User)
	case protocol.FrameUserLeft:
		fmt.Printf("* %s left\n", f.User)
	case protocol.FrameOnlineUsers:
		fmt.Printf("* online: %s\n", strings.Join(f.Users, ", "))
	case protocol.FrameHistoryMsg:
		r := f.Record
		fmt.Printf("%s %s %s -> %s: %s\n", r.CreatedAt.Local().Format(time.DateTime), r.Kind, r.Sender, r.Recipient, r.Body)
	case protocol.FrameHistoryEnd:
		fmt.Println("* end of history")
	case protocol.FramePong:
	default:
		fmt.Println(f.Encode())
	}
}
