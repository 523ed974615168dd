package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/config"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/domain"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/logging"
	"github.com/TamakiIroha3/Online-Theatre-With-Chat-Room/internal/session"
)

func main() {
	role := flag.String("role", domain.RoleSender, "session role: sender or receiver")
	nickname := flag.String("nickname", "", "nickname shown in the chat room")
	server := flag.String("server", "", "host address to join, e.g. 192.168.1.10:10086 (receiver only)")
	code := flag.String("code", "", "verification code override")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *code != "" {
		cfg.Network.VerificationCode = *code
	}
	logging.Init(cfg.Log)
	l := logging.L()

	if *nickname == "" {
		if *role == domain.RoleSender {
			*nickname = "host"
		} else {
			*nickname = "viewer"
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		events   <-chan domain.Event
		sendChat func(string) error
		stop     func() error
	)

	switch *role {
	case domain.RoleSender:
		s := session.NewSender(cfg, *nickname)
		if err := s.Start(ctx); err != nil {
			l.Fatal().Err(err).Msg("failed to start session")
		}
		events = s.Events()
		sendChat = s.SendChat
		stop = s.Stop

	case domain.RoleReceiver:
		if *server == "" {
			fmt.Fprintln(os.Stderr, "receiver role requires -server host:port")
			os.Exit(1)
		}
		r := session.NewReceiver(cfg, *nickname, *server)
		if err := r.Start(ctx); err != nil {
			l.Fatal().Err(err).Msg("failed to join session")
		}
		events = r.Events()
		sendChat = r.SendChat
		stop = r.Stop

	default:
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(1)
	}

	go printEvents(events)
	go readChatInput(sendChat, cancel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		l.Info().Str("signal", sig.String()).Msg("shutting down")
	case <-ctx.Done():
	}

	if err := stop(); err != nil {
		l.Error().Err(err).Msg("shutdown incomplete")
	}
}

func printEvents(events <-chan domain.Event) {
	for ev := range events {
		switch ev.Kind {
		case domain.EventChat:
			fmt.Printf("[%s] %s: %s\n", ev.Timestamp.Format("15:04:05"), ev.Nickname, ev.Content)
		case domain.EventPresence:
			fmt.Printf("* %s %s the theatre\n", ev.Nickname, presenceVerb(ev.PresenceKind))
		case domain.EventMembers:
			names := make([]string, 0, len(ev.Members))
			for _, m := range ev.Members {
				names = append(names, m.Nickname)
			}
			fmt.Printf("* audience: %s\n", strings.Join(names, ", "))
		case domain.EventState:
			if ev.Cause != "" {
				fmt.Printf("* session %s (%s)\n", ev.State, ev.Cause)
			} else {
				fmt.Printf("* session %s\n", ev.State)
			}
		}
	}
}

func presenceVerb(kind string) string {
	if kind == domain.PresenceLeft {
		return "left"
	}
	return "joined"
}

// readChatInput turns stdin lines into chat messages. "/quit" ends the
// session.
func readChatInput(send func(string) error, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			cancel()
			return
		}
		if err := send(line); err != nil {
			fmt.Fprintf(os.Stderr, "failed to send: %v\n", err)
		}
	}
}
