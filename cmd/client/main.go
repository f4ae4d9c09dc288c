package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jimmylaw21/CS209-Assignment2/pkg/client"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/logging"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/model"
	"github.com/jimmylaw21/CS209-Assignment2/pkg/version"
)

const help = `commands:
  /register <user> <password>   create an account
  /login <user> <password>      log in
  /users                        list online users
  /chat <user>                  open a private chat
  /group <user> <user>...       open a group chat
  /open <chat>                  switch the current chat
  /chats                        list chats, most recent first
  /history [chat]               show a chat's messages
  /to <name> <text>             send to a chat or user
  /quit                         disconnect and exit
any other line is sent to the current chat`

func main() {
	settingsPath := flag.String("settings", client.SettingsPath(), "Settings YAML file")
	addr := flag.String("server", "", "Server address: host:port or ws://host:port/ws (default from settings)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("chatting-client", version.Full())
		return
	}

	settings := client.LoadSettings(*settingsPath)
	if *addr != "" {
		settings.Server = *addr
	}
	if *logLevel != "" {
		settings.LogLevel = *logLevel
	}

	if _, err := logging.Setup(logging.Options{
		Level:  settings.LogLevel,
		Format: "text",
		Output: os.Stderr,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	e := client.NewEngine()
	e.OnMessage = func(chat string, msg model.Message) {
		fmt.Printf("[%s] %s: %s%s\n", chat, msg.Sender, msg.Text, attachmentNote(msg))
	}
	e.OnChat = func(chat model.GroupDescriptor) {
		fmt.Printf("* joined chat %s (%s)\n", chat.Name, strings.Join(chat.Members, ", "))
	}
	e.OnUsers = func(users []string) {
		fmt.Printf("* online: %s\n", strings.Join(users, " "))
	}
	e.OnClientCount = func(n int) {
		fmt.Printf("* %d connected\n", n)
	}
	done := make(chan struct{})
	e.OnDisconnect = func(reason string) {
		fmt.Printf("* disconnected: %s\n", reason)
		close(done)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := e.Connect(ctx, settings.Server)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s; /help for commands\n", settings.Server)
	if settings.Username != "" {
		fmt.Printf("last user: %s\n", settings.Username)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	current := ""
	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				e.Disconnect()
				return
			}
			var quit bool
			current, quit = run(e, settings, *settingsPath, current, line)
			if quit {
				e.Disconnect()
				return
			}
		}
	}
}

// run executes one input line and returns the new current chat.
func run(e *client.Engine, settings *client.Settings, settingsPath, current, line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return current, false
	}
	if !strings.HasPrefix(line, "/") {
		if current == "" {
			fmt.Println("no current chat; use /chat, /group or /to")
			return current, false
		}
		report(e.SendText(current, line))
		return current, false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println(help)

	case "/register", "/login":
		if len(fields) != 3 {
			fmt.Printf("usage: %s <user> <password>\n", fields[0])
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var ok bool
		var err error
		if fields[0] == "/register" {
			ok, err = e.Register(ctx, fields[1], fields[2])
		} else {
			ok, err = e.Login(ctx, fields[1], fields[2])
		}
		if err != nil {
			report(err)
			break
		}
		fmt.Printf("%s %s\n", strings.TrimPrefix(fields[0], "/"), result(ok))
		if ok && fields[0] == "/login" {
			settings.Username = fields[1]
			report(settings.Save(settingsPath))
		}

	case "/users":
		report(e.RefreshUsers())

	case "/chat":
		if len(fields) != 2 {
			fmt.Println("usage: /chat <user>")
			break
		}
		chat, err := e.OpenPrivateChat(fields[1])
		if report(err) {
			current = chat.Name
			fmt.Printf("* now chatting in %s\n", current)
		}

	case "/group":
		chat, err := e.OpenGroupChat(fields[1:])
		if report(err) {
			current = chat.Name
			fmt.Printf("* now chatting in %s\n", current)
		}

	case "/open":
		name := strings.TrimSpace(strings.TrimPrefix(line, "/open"))
		if _, ok := e.Chat(name); !ok {
			fmt.Printf("no chat %q\n", name)
			break
		}
		current = name
		e.MarkRead(name)

	case "/chats":
		for _, chat := range e.Chats() {
			mark := " "
			if chat.Unread {
				mark = "*"
			}
			fmt.Printf("%s %s (%d messages)\n", mark, chat.Name, len(chat.History))
		}

	case "/history":
		name := strings.TrimSpace(strings.TrimPrefix(line, "/history"))
		if name == "" {
			name = current
		}
		chat, ok := e.Chat(name)
		if !ok {
			fmt.Printf("no chat %q\n", name)
			break
		}
		for _, msg := range chat.History {
			fmt.Printf("%s %s: %s%s\n", msg.Time().Format(time.TimeOnly), msg.Sender, msg.Text, attachmentNote(msg))
		}
		e.MarkRead(name)

	case "/to":
		if len(fields) < 3 {
			fmt.Println("usage: /to <name> <text>")
			break
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(line, "/to"), " "+fields[1]))
		report(e.SendText(fields[1], text))

	case "/quit":
		return current, true

	default:
		fmt.Printf("unknown command %s; /help for commands\n", fields[0])
	}
	return current, false
}

func report(err error) bool {
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return false
	}
	return true
}

func result(ok bool) string {
	if ok {
		return "succeeded"
	}
	return "failed"
}

func attachmentNote(msg model.Message) string {
	if msg.Attachment == nil {
		return ""
	}
	return fmt.Sprintf(" [file %s, %d bytes]", msg.Attachment.Name, len(msg.Attachment.Data))
}
