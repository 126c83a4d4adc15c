// Package discord adapts a Discord guild/DM connection to the
// transport.Adapter contract: a discordgo.Session with message handlers
// and an Intents mask covering guild and DM messages.
package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/transport"
)

// Adapter bridges one Discord bot connection to the engine's front door.
type Adapter struct {
	session   *discordgo.Session
	handler   transport.InboundHandler
	serverTag string
	myNick    string

	// History, when set, lets the adapter track message edits and resolve
	// reply references to history row ids. Optional; the adapter works
	// without it.
	History chatengine.HistoryStore
}

// New creates a Discord session for token, ready to Start. serverTag is the
// opaque per-transport identifier folded into chatengine.RoomMessage.Arc
//, conventionally "discord:<guildID>" or "discord:dm".
func New(token, serverTag, myNick string, handler transport.InboundHandler) (*Adapter, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	a := &Adapter{session: session, handler: handler, serverTag: serverTag, myNick: myNick}
	session.AddHandler(a.onMessageCreate)
	session.AddHandler(a.onMessageUpdate)
	return a, nil
}

// Start opens the Discord gateway connection.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("opening discord session: %w", err)
	}
	logging.InfoCF("discord", "connected", logging.Fields{"server_tag": a.serverTag})
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop() error {
	return a.session.Close()
}

func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	content := m.Content
	direct := m.GuildID == ""
	if s.State != nil && s.State.User != nil {
		mention := "<@" + s.State.User.ID + ">"
		mentionNick := "<@!" + s.State.User.ID + ">"
		if strings.Contains(content, mention) || strings.Contains(content, mentionNick) {
			direct = true
			content = strings.TrimSpace(strings.NewReplacer(mention, "", mentionNick, "").Replace(content))
		}
	}

	ctx := context.Background()
	msg := chatengine.RoomMessage{
		ServerTag:   a.serverTag,
		ChannelName: m.ChannelID,
		Nick:        m.Author.Username,
		MyNick:      a.myNick,
		Content:     content,
		PlatformID:  m.ID,
	}
	if m.MessageReference != nil {
		msg.ThreadID = m.MessageReference.MessageID
		if a.History != nil {
			if id, ok, err := a.History.GetMessageIDByPlatformID(ctx, a.serverTag, m.ChannelID, m.MessageReference.MessageID); err == nil && ok {
				msg.ThreadStarterID = id
			}
		}
	}

	send := func(response string) error {
		_, err := s.ChannelMessageSend(m.ChannelID, response)
		return err
	}

	if _, err := a.handler.Handle(ctx, msg, direct, send); err != nil {
		logging.ErrorCF("discord", "handling inbound message failed", logging.Fields{"channel": m.ChannelID, "err": err.Error()})
	}
}

// onMessageUpdate keeps stored history in sync when a user edits a message,
// so later context fetches see the corrected text.
func (a *Adapter) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	if a.History == nil || m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if err := a.History.UpdateMessageByPlatformID(context.Background(), a.serverTag, m.ChannelID, m.ID, m.Content); err != nil {
		logging.ErrorCF("discord", "updating edited message failed", logging.Fields{"channel": m.ChannelID, "err": err.Error()})
	}
}
