// Package server turns decoded WebSocket frames into calls on the account
// and delivery services and replies on the originating connection.
package server

import (
	"context"
	"errors"
	"log"

	"github.com/Tyrowin/gomessenger/internal/apperr"
	"github.com/Tyrowin/gomessenger/internal/delivery"
	"github.com/Tyrowin/gomessenger/internal/model"
	"github.com/Tyrowin/gomessenger/internal/presence"
	"github.com/Tyrowin/gomessenger/internal/protocol"
)

// handleFrame decodes one inbound frame and runs it. Failures are reported
// to this connection as error frames and never close it.
func (c *Client) handleFrame(ctx context.Context, raw []byte) {
	in, err := protocol.Decode(raw)
	if err != nil {
		log.Printf("Invalid frame from %s: %v", c.addr, err)
		c.reply(protocol.NewError(apperr.BadRequest(err.Error())))
		return
	}

	switch f := in.(type) {
	case protocol.Ping:
		c.reply(protocol.NewPong(c.srv.now()))
		return
	case protocol.Auth:
		c.handleAuth(ctx, f)
		return
	case protocol.Register:
		c.handleRegister(ctx, f)
		return
	}

	userID := c.user()
	if userID == "" {
		c.reply(protocol.NewError(apperr.Unauthorized("authenticate first")))
		return
	}

	if err := c.dispatch(ctx, userID, in); err != nil {
		if apperr.Is(err, apperr.CodeInternal) {
			log.Printf("Error handling %s from user %s: %v", in.Kind(), userID, err)
		}
		c.reply(protocol.NewError(err))
	}
}

func (c *Client) dispatch(ctx context.Context, userID string, in protocol.Inbound) error {
	srv := c.srv
	switch f := in.(type) {
	case protocol.SendMessage:
		_, err := srv.engine.Send(ctx, delivery.SendRequest{
			From:      userID,
			To:        f.RecipientID,
			Content:   f.Content,
			Type:      f.MessageType,
			Encrypted: f.Encrypted,
			FileRef:   f.FileRef,
			Ack:       c,
		})
		return err

	case protocol.GetUsers:
		users, err := srv.accounts.ListUsers(ctx, userID)
		if err != nil {
			return err
		}
		c.reply(protocol.NewUsersList(users))

	case protocol.GetMessages:
		msgs, err := srv.engine.FetchHistory(ctx, userID, f.PeerID, f.Limit, f.Offset)
		if err != nil {
			return err
		}
		c.reply(protocol.NewMessagesHistory(f.PeerID, msgs))

	case protocol.GetChats:
		chats, err := srv.engine.ListChats(ctx, userID)
		if err != nil {
			return err
		}
		c.reply(protocol.NewChatsList(chats))

	case protocol.MarkRead:
		_, err := srv.engine.MarkRead(ctx, userID, f.PeerID)
		return err

	case protocol.Typing:
		srv.engine.Typing(ctx, userID, f.RecipientID)

	default:
		return apperr.BadRequest("unsupported frame " + in.Kind())
	}
	return nil
}

func (c *Client) handleAuth(ctx context.Context, f protocol.Auth) {
	u, err := c.srv.accounts.Authenticate(ctx, f.Token)
	if err != nil {
		c.reply(protocol.NewAuthError(apperr.As(err).Message))
		return
	}
	c.bind(ctx, u, "")
}

func (c *Client) handleRegister(ctx context.Context, f protocol.Register) {
	u, token, err := c.srv.accounts.RegisterOrLogin(ctx, f.Username, f.PublicKey, f.DeviceInfo)
	if err != nil {
		if apperr.Is(err, apperr.CodeInternal) {
			log.Printf("Error registering %q from %s: %v", f.Username, c.addr, err)
		}
		c.reply(protocol.NewAuthError(apperr.As(err).Message))
		return
	}
	c.bind(ctx, u, token)
}

// bind attaches the connection to u and registers it as live. The
// auth_success reply is queued before the registry drains any pending
// events, so it is the first frame the user sees.
func (c *Client) bind(ctx context.Context, u *model.User, token string) {
	c.mu.Lock()
	current := c.userID
	if current == "" {
		c.userID = u.ID
	}
	c.mu.Unlock()

	u.Status = model.StatusOnline
	switch current {
	case "":
	case u.ID:
		c.reply(protocol.NewAuthSuccess(*u, token))
		return
	default:
		c.reply(protocol.NewAuthError("connection is already authenticated as another user"))
		return
	}

	c.reply(protocol.NewAuthSuccess(*u, token))
	if err := c.srv.registry.Register(ctx, u.ID, c); err != nil {
		if errors.Is(err, presence.ErrDrainRejected) {
			log.Printf("Client %s could not take the pending backlog of user %s", c.addr, u.ID)
		} else {
			log.Printf("Error registering connection for user %s: %v", u.ID, err)
		}
		c.mu.Lock()
		c.userID = ""
		c.mu.Unlock()
		return
	}
	log.Printf("Client %s authenticated as user %s", c.addr, u.ID)
}
