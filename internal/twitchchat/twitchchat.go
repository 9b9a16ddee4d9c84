// Package twitchchat adapts the IRC-over-WebSocket chat service to the
// normalized event stream. It uses the go-twitch-irc library, which
// handles PING/PONG keepalive and automatic reconnection internally; the
// only contract with the core is the event callback.
package twitchchat

import (
	"context"
	"strconv"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/gatsunoko/komebyu/internal/logger"
	"github.com/gatsunoko/komebyu/internal/model"
)

// Connection joins a single channel anonymously and forwards chat.
type Connection struct {
	client  *twitch.Client
	channel string

	connectionID string
	log          *logger.Logger

	onMessage func(*model.NormalizedEvent)
	onStatus  func(string)
}

// NewConnection creates a chat connection for one channel. username may
// be empty for the library's anonymous account.
func NewConnection(channel, username, connectionID string, log *logger.Logger, onMessage func(*model.NormalizedEvent), onStatus func(string)) *Connection {
	var client *twitch.Client
	if username != "" {
		client = twitch.NewClient(username, "oauth:")
	} else {
		client = twitch.NewAnonymousClient()
	}

	c := &Connection{
		client:       client,
		channel:      strings.ToLower(channel),
		connectionID: connectionID,
		log:          log,
		onMessage:    onMessage,
		onStatus:     onStatus,
	}

	client.OnPrivateMessage(c.handlePrivateMessage)
	client.OnConnect(func() {
		c.log.Info("Connected to Twitch IRC", "channel", c.channel)
		c.onStatus("connected to #" + c.channel)
	})
	client.OnReconnectMessage(func(twitch.ReconnectMessage) {
		c.log.Info("Reconnected to Twitch IRC", "channel", c.channel)
	})

	return c
}

// Run connects to the chat server and maintains presence until the
// context is cancelled. Reconnection is handled by the library.
func (c *Connection) Run(ctx context.Context) error {
	c.client.Join(c.channel)

	errCh := make(chan error, 1)
	go func() {
		if err := c.client.Connect(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		c.client.Depart(c.channel)
		if err := c.client.Disconnect(); err != nil {
			c.log.Debug("IRC disconnect", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			c.log.Error("IRC connection error", "channel", c.channel, "error", err)
			return err
		}
		return ctx.Err()
	}
}

func (c *Connection) handlePrivateMessage(msg twitch.PrivateMessage) {
	if !strings.EqualFold(msg.Channel, c.channel) {
		return
	}

	user := msg.User.DisplayName
	if user == "" {
		user = msg.User.Name
	}

	c.onMessage(&model.NormalizedEvent{
		ConnectionID: c.connectionID,
		Source:       model.SourceTwitch,
		User:         user,
		Text:         msg.Message,
		Badges:       badgeVersions(msg.User.Badges),
		Emotes:       emoteRanges(msg.Emotes),
	})
}

func badgeVersions(badges map[string]int) map[string]string {
	if len(badges) == 0 {
		return nil
	}
	out := make(map[string]string, len(badges))
	for name, version := range badges {
		out[name] = strconv.Itoa(version)
	}
	return out
}

func emoteRanges(emotes []*twitch.Emote) map[string][]model.EmoteRange {
	if len(emotes) == 0 {
		return nil
	}
	out := make(map[string][]model.EmoteRange, len(emotes))
	for _, e := range emotes {
		if e == nil {
			continue
		}
		ranges := out[e.ID]
		for _, p := range e.Positions {
			ranges = append(ranges, model.EmoteRange{Start: p.Start, End: p.End})
		}
		out[e.ID] = ranges
	}
	return out
}
