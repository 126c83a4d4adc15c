// Package slack adapts a Slack Socket Mode connection to the
// transport.Adapter contract, following the same connect/dispatch/Send
// shape as transport/discord but over slack-go/slack's socketmode client
// instead of discordgo's gateway.
package slack

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/chatengine/internal/chatengine"
	"github.com/sipeed/chatengine/internal/logging"
	"github.com/sipeed/chatengine/internal/transport"
)

// Adapter bridges one Slack Socket Mode connection to the engine's front
// door.
type Adapter struct {
	api       *slack.Client
	client    *socketmode.Client
	handler   transport.InboundHandler
	serverTag string
	myNick    string
	botUserID string

	// History, when set, lets the adapter track message edits and resolve
	// thread roots to history row ids. Optional.
	History chatengine.HistoryStore

	stop chan struct{}
}

// New creates a Slack Socket Mode client. serverTag is the opaque
// per-transport identifier folded into chatengine.RoomMessage.Arc
// (conventionally "slack:<teamID>").
func New(botToken, appToken, serverTag, myNick string, handler transport.InboundHandler) *Adapter {
	api := slack.New(botToken, slack.OptionAppLevelToken(appToken))
	client := socketmode.New(api)
	return &Adapter{api: api, client: client, handler: handler, serverTag: serverTag, myNick: myNick, stop: make(chan struct{})}
}

// Start runs the socket-mode event loop in the background until Stop is
// called.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.botUserID = auth.UserID

	go a.run(ctx)
	go func() {
		if err := a.client.RunContext(ctx); err != nil {
			logging.ErrorCF("slack", "socket mode client stopped", logging.Fields{"err": err.Error()})
		}
	}()
	logging.InfoCF("slack", "connected", logging.Fields{"server_tag": a.serverTag})
	return nil
}

// Stop requests the event loop exit.
func (a *Adapter) Stop() error {
	close(a.stop)
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	for {
		select {
		case <-a.stop:
			return
		case evt := <-a.client.Events:
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			a.client.Ack(*evt.Request)

			eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if eventsAPI.Type != slackevents.CallbackEvent {
				continue
			}
			inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			a.handleMessage(ctx, inner)
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, ev *slackevents.MessageEvent) {
	if ev.SubType == "message_changed" && ev.Message != nil {
		if a.History != nil && ev.Message.BotID == "" {
			if err := a.History.UpdateMessageByPlatformID(ctx, a.serverTag, ev.Channel, ev.Message.Timestamp, ev.Message.Text); err != nil {
				logging.ErrorCF("slack", "updating edited message failed", logging.Fields{"channel": ev.Channel, "err": err.Error()})
			}
		}
		return
	}
	if ev.BotID != "" || ev.User == a.botUserID || ev.SubType != "" {
		return
	}

	content := ev.Text
	mention := "<@" + a.botUserID + ">"
	direct := ev.ChannelType == "im" || strings.Contains(content, mention)
	content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))

	nick := ev.User
	if profile, err := a.api.GetUserInfoContext(ctx, ev.User); err == nil && profile != nil {
		nick = profile.Name
	}

	msg := chatengine.RoomMessage{
		ServerTag:        a.serverTag,
		ChannelName:      ev.Channel,
		Nick:             nick,
		MyNick:           a.myNick,
		Content:          content,
		PlatformID:       ev.TimeStamp,
		ThreadID:         ev.ThreadTimeStamp,
		ResponseThreadID: ev.ThreadTimeStamp,
	}
	if ev.ThreadTimeStamp != "" && a.History != nil {
		if id, ok, err := a.History.GetMessageIDByPlatformID(ctx, a.serverTag, ev.Channel, ev.ThreadTimeStamp); err == nil && ok {
			msg.ThreadStarterID = id
		}
	}

	send := func(response string) error {
		_, _, err := a.api.PostMessageContext(ctx, ev.Channel,
			slack.MsgOptionText(response, false),
			slack.MsgOptionTS(ev.ThreadTimeStamp),
		)
		return err
	}

	if _, err := a.handler.Handle(ctx, msg, direct, send); err != nil {
		logging.ErrorCF("slack", "handling inbound message failed", logging.Fields{"channel": ev.Channel, "err": err.Error()})
	}
}
