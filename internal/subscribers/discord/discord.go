// Package discord posts run results to a Discord channel.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/reifying/untethered/internal/protocol"
	"github.com/reifying/untethered/internal/subscribers"
)

const maxMessageRunes = 2000

type Sender interface {
	SendMessage(channelID string, content string) error
}

type Subscriber struct {
	channelID string
	sender    Sender
}

func New(channelID string, sender Sender) *Subscriber {
	return &Subscriber{channelID: strings.TrimSpace(channelID), sender: sender}
}

func (s *Subscriber) Name() string {
	return "discord"
}

// Handle forwards run-exited events and ignores everything else.
func (s *Subscriber) Handle(_ context.Context, event subscribers.Event) error {
	exit, ok := event.Payload.(protocol.RunExited)
	if !ok {
		return nil
	}
	return s.sender.SendMessage(s.channelID, FormatRunExited(exit))
}

func FormatRunExited(exit protocol.RunExited) string {
	task := exit.TaskID
	if task == "" {
		task = "run"
	}
	msg := fmt.Sprintf("**%s** on session `%s` ended (%s, %d steps): %s",
		task, exit.SessionID, exit.Category, exit.StepCount, exit.Message)
	if runes := []rune(msg); len(runes) > maxMessageRunes {
		msg = string(runes[:maxMessageRunes-1]) + "…"
	}
	return msg
}

// BotSender sends through a discordgo REST session.
type BotSender struct {
	session *discordgo.Session
}

func NewBotSender(token string) (*BotSender, error) {
	session, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &BotSender{session: session}, nil
}

func (s *BotSender) SendMessage(channelID string, content string) error {
	channelID = strings.TrimSpace(channelID)
	content = strings.TrimSpace(content)
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if content == "" {
		return nil
	}
	_, err := s.session.ChannelMessageSend(channelID, content)
	return err
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
