// chatcli is a terminal client for exercising the sync engine against a
// running gateway: list conversations, open one, send messages, and watch
// live messages, typing indicators, and read ticks arrive.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"optichat/internal/config"
	"optichat/internal/domain"
	"optichat/internal/session"
)

func main() {
	userID := flag.String("user", "", "request a dev token for this user id (requires dev gateway)")
	userType := flag.String("type", "patient", "user type for the dev token: patient or optometrist")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	token := cfg.AuthToken
	if token == "" && *userID != "" {
		token, err = fetchDevToken(cfg.APIBaseURL, *userID, *userType)
		if err != nil {
			fmt.Fprintln(os.Stderr, "token:", err)
			os.Exit(1)
		}
	}
	if token == "" {
		fmt.Fprintln(os.Stderr, "set CHAT_AUTH_TOKEN or pass -user for a dev token")
		os.Exit(1)
	}

	s, err := session.New(cfg, token, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}
	s.OnError(func(err error) {
		fmt.Println("! error:", err)
	})
	s.OnUpdate(func() {
		if s.PeerTyping() {
			fmt.Println("  peer is typing...")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	defer s.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
		s.Close()
		os.Exit(0)
	}()

	fmt.Printf("connected as %s (%s)\n", s.Identity().User, s.Identity().Type)
	fmt.Println("commands: /ls, /open <n>, /new <userId> <userType>, /msgs, /unread, /quit; anything else sends")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			return
		case line == "/ls":
			printConversations(s)
		case line == "/msgs":
			printMessages(s)
		case line == "/unread":
			fmt.Println("total unread:", s.TotalUnread())
		case strings.HasPrefix(line, "/open "):
			n, err := strconv.Atoi(strings.TrimSpace(line[len("/open "):]))
			convs := s.Conversations()
			if err != nil || n < 1 || n > len(convs) {
				fmt.Println("usage: /open <n> (see /ls)")
				continue
			}
			s.OpenConversation(ctx, convs[n-1].ID)
			fmt.Println("opened", convs[n-1].ID)
		case strings.HasPrefix(line, "/new "):
			fields := strings.Fields(line[len("/new "):])
			if len(fields) != 2 {
				fmt.Println("usage: /new <userId> <patient|optometrist>")
				continue
			}
			conv, isNew, err := s.FindOrCreateConversation(ctx, fields[0], domain.UserType(fields[1]), domain.ConversationMetadata{})
			if err != nil {
				fmt.Println("! create:", err)
				continue
			}
			s.OpenConversation(ctx, conv.ID)
			fmt.Printf("opened %s (new: %v)\n", conv.ID, isNew)
		default:
			s.Keystroke()
			if _, err := s.SendMessage(line); err != nil {
				fmt.Println("! send:", err)
			}
		}
	}
}

func printConversations(s *session.Session) {
	convs := s.Conversations()
	if len(convs) == 0 {
		fmt.Println("no conversations")
		return
	}
	for i, c := range convs {
		other, _ := c.OtherParticipant(s.Identity().User)
		marker := " "
		if c.ID == s.ActiveConversation() {
			marker = "*"
		}
		fmt.Printf("%s %d. %s (%s)  unread=%d  %q\n",
			marker, i+1, other.User, other.Type, s.Unread(c.ID), c.LastMessageText)
	}
}

func printMessages(s *session.Session) {
	for _, m := range s.Messages() {
		tick := ""
		if m.Pending {
			tick = " (pending)"
		} else if m.Sender.Equal(s.Identity().User) {
			tick = " ✓"
			for _, e := range m.ReadBy {
				if !e.User.Equal(s.Identity().User) {
					tick = " ✓✓"
					break
				}
			}
		}
		fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Format("15:04"), m.Sender, m.Text, tick)
	}
}

func fetchDevToken(apiBase, userID, userType string) (string, error) {
	body, _ := json.Marshal(map[string]string{"userId": userID, "userType": userType})
	resp, err := http.Post(apiBase+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}
