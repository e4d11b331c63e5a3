package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"couple-sync/internal/config"
	"couple-sync/internal/models"
	"couple-sync/internal/realtime"
	"couple-sync/internal/services"
	"couple-sync/internal/subscriptions"

	"github.com/rs/zerolog/log"
)

// runChat joins the couple's chat as a participant: new messages are printed,
// every stdin line is sent. "/heart" sends a heartbeat.
func runChat(cfg *config.Config, server, token string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := realtime.Dial(ctx, server, token, realtime.ClientOptions{})
	if err != nil {
		log.Fatal().Err(err).Str("server", server).Msg("Failed to connect to gateway")
	}
	defer client.Close()

	manager := subscriptions.NewManager(client, subscriptions.Options{Budget: cfg.Sync.ListenerBudget})
	uid, err := services.TokenSubject(token)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid token")
	}
	session, err := services.OpenSession(ctx, client, manager, uid)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session")
	}
	defer session.Close(ctx)

	session.WatchPartner(ctx, func(p models.PresenceRecord) {
		state := "offline"
		if p.Online {
			state = "online"
		}
		fmt.Printf("* partner is %s\n", state)
	})

	var mu sync.Mutex
	printed := make(map[string]bool)
	chat, err := services.NewChat(ctx, session, services.Options{
		PageSize:      cfg.Sync.PageSize,
		TypingTimeout: cfg.Sync.TypingTimeout,
		Retention:     cfg.Sync.Retention,
	}, func(msgs []models.Message) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			if m.Pending || printed[m.ID] {
				continue
			}
			printed[m.ID] = true
			who := "partner"
			if m.AuthorID == uid {
				who = "me"
			}
			ts := time.UnixMilli(m.Timestamp).Format("15:04")
			fmt.Printf("[%s] %s: %s\n", ts, who, chatLine(m))
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open chat")
	}
	defer chat.Close(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/heart":
			_, err = chat.SendHeartbeat(ctx)
		default:
			_, err = chat.Send(ctx, line)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to send")
		}
	}
}

func chatLine(m models.Message) string {
	switch m.Type {
	case models.MessageHeartbeat:
		return "💓"
	case models.MessageImage:
		return "[image] " + m.ImageRef + " " + m.Text
	}
	return m.Text
}
