package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/kwitch/streaming/internal/config"
	"github.com/kwitch/streaming/internal/domain"
	"github.com/kwitch/streaming/internal/signaling"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Controller owns the websocket endpoint: it upgrades connections,
// dispatches inbound envelopes to the signaling handler and runs the
// disconnect cleanup when the read loop exits.
type Controller struct {
	Handler *signaling.Handler
	Cfg     *config.Config

	mu    sync.Mutex
	users map[domain.ConnectionID]*domain.User
}

func NewController(handler *signaling.Handler, cfg *config.Config) *Controller {
	return &Controller{
		Handler: handler,
		Cfg:     cfg,
		users:   make(map[domain.ConnectionID]*domain.User),
	}
}

// getOrCreateUser binds a stable user identity to the client token. A
// username passed on the connection URL renames the identity.
func (ctl *Controller) getOrCreateUser(connID domain.ConnectionID, username string) *domain.User {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if u, ok := ctl.users[connID]; ok {
		if username != "" && len(username) <= domain.MaxUsernameLen {
			u.Username = username
		}
		return u
	}
	if username == "" || len(username) > domain.MaxUsernameLen {
		suffix := string(connID)
		if len(suffix) > 8 {
			suffix = suffix[:8]
		}
		username = "guest-" + suffix
	}
	u := &domain.User{ID: domain.UserID(connID), Username: username}
	ctl.users[connID] = u
	log.Info().Str("module", "ws").Str("conn", string(connID)).Str("username", username).Msg("created user")
	return u
}

// HandleStreaming is the `/api/ws/streaming` endpoint.
func (ctl *Controller) HandleStreaming(ctx context.Context, c *gin.Context) {
	connID := domain.ConnectionID(c.GetString("client_token"))
	log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("new WS connection")

	sock, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("ws upgrade")
		return
	}

	conn := NewConn(sock, ctl.Cfg.ReadLimit)
	user := ctl.getOrCreateUser(connID, c.Query("username"))

	ctx, cancel := context.WithCancel(ctx)
	go conn.writePump(ctx, ctl.Cfg.PingPeriod)
	ctl.readPump(ctx, cancel, connID, user, conn)
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, connID domain.ConnectionID, user *domain.User, conn *Conn) {
	defer func() {
		log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("readPump closing")
		// The implicit `disconnecting` event: run the cleanup transitions
		// even though the socket is already gone.
		ctl.Handler.Disconnect(context.Background(), connID)
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "ws").Str("conn", string(connID)).Msg("readPump ctx done")
			return
		default:
			_, data, err := conn.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "ws").Str("conn", string(connID)).Msg("readPump read error")
				return
			}
			ctl.dispatch(ctx, connID, user, conn, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, data []byte) {
	var env signaling.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("bad json")
		return
	}

	switch env.Type {
	case signaling.EventStart:
		ctl.handleStart(ctx, connID, user, conn, env)
	case signaling.EventJoin:
		ctl.handleJoin(ctx, connID, user, conn, env)
	case signaling.EventUpdate:
		ctl.handleUpdate(ctx, connID, user, conn, env)
	case signaling.EventEnd:
		ctl.handleEnd(ctx, connID, user, conn, env)
	case signaling.EventEnableTrack:
		ctl.handleTrack(ctx, connID, user, conn, env, true)
	case signaling.EventDisableTrack:
		ctl.handleTrack(ctx, connID, user, conn, env, false)
	case signaling.EventChatSend:
		ctl.handleChat(connID, user, conn, env)
	case "ping":
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: true})
	default:
		log.Warn().Str("module", "ws").Str("type", env.Type).Msg("unknown event")
	}
}

func (ctl *Controller) handleStart(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope) {
	var p signaling.StartPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeBadRequest})
		return
	}
	snap, err := ctl.Handler.Start(ctx, connID, user, conn, p.Title, p.Layout)
	if err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true, Streaming: snap})
}

func (ctl *Controller) handleJoin(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope) {
	var p signaling.JoinPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeBadRequest})
		return
	}
	snap, err := ctl.Handler.Join(ctx, connID, user, conn, p.ChannelID)
	if err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true, Streaming: snap})
}

func (ctl *Controller) handleUpdate(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope) {
	var p domain.StreamingPatch
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeBadRequest})
		return
	}
	snap, err := ctl.Handler.Update(ctx, connID, user, p)
	if err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true, Streaming: snap})
}

func (ctl *Controller) handleEnd(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope) {
	if err := ctl.Handler.End(ctx, connID, user); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true})
}

func (ctl *Controller) handleTrack(ctx context.Context, connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope, enable bool) {
	var p signaling.TrackPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeBadRequest})
		return
	}
	channelID, ok := ctl.resolveChannel(connID, user, p.ChannelID)
	if !ok {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeForbidden})
		return
	}
	var err error
	if enable {
		_, err = ctl.Handler.EnableTrack(ctx, connID, channelID, p.Kind, p.Source)
	} else {
		err = ctl.Handler.DisableTrack(ctx, connID, channelID, p.Kind, p.Source)
	}
	if err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true})
}

func (ctl *Controller) handleChat(connID domain.ConnectionID, user *domain.User, conn *Conn, env signaling.Envelope) {
	var p signaling.ChatSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeBadRequest})
		return
	}
	channelID, ok := ctl.resolveChannel(connID, user, p.ChannelID)
	if !ok {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeForbidden})
		return
	}
	if err := ctl.Handler.SendChat(connID, channelID, p.Message); err != nil {
		ctl.ack(conn, env.Seq, &signaling.Ack{OK: false, Code: signaling.CodeOf(err)})
		return
	}
	ctl.ack(conn, env.Seq, &signaling.Ack{OK: true})
}

// resolveChannel scopes a track event to a channel: an explicit channelId
// wins, then the caller's own channel if attached to it, then the single
// room the connection is in.
func (ctl *Controller) resolveChannel(connID domain.ConnectionID, user *domain.User, explicit domain.ChannelID) (domain.ChannelID, bool) {
	if explicit != "" {
		return explicit, true
	}
	if own, ok := ctl.Handler.Channels.ChannelOf(user.ID); ok {
		if ctl.Handler.Rooms.IsOwner(own.ID, connID) {
			return own.ID, true
		}
	}
	attached := ctl.Handler.Rooms.RoomsOf(connID)
	if len(attached) == 1 {
		return attached[0], true
	}
	return "", false
}

func (ctl *Controller) ack(conn *Conn, seq int64, a *signaling.Ack) {
	payload, err := json.Marshal(a)
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal ack")
		return
	}
	b, err := json.Marshal(signaling.Envelope{Type: "ack", Seq: seq, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("marshal ack envelope")
		return
	}
	if err := conn.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "ws").Msg("ack dropped")
	}
}
