// Package gateway terminates player connections. It turns inbound frames
// into matchmaking and engine calls, answers them with acknowledgments, and
// routes room broadcasts to the sockets connected to this instance.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/game"
	"github.com/spellbound/duel-server/internal/matchmaking"
	"github.com/spellbound/duel-server/internal/protocol"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
)

// ReasonUnavailable is the only detail players see about store failures.
const ReasonUnavailable = "temporarily unavailable"

// Gateway handles player intents for one instance.
type Gateway struct {
	instanceID string
	store      *store.Store
	engine     *engine.Engine
	matcher    *matchmaking.Matchmaker
	hub        *Hub
	sendBuffer int
	logger     *zap.Logger
}

// New creates a gateway.
func New(instanceID string, st *store.Store, eng *engine.Engine, matcher *matchmaking.Matchmaker, hub *Hub, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		instanceID: instanceID,
		store:      st,
		engine:     eng,
		matcher:    matcher,
		hub:        hub,
		sendBuffer: DefaultSendBuffer,
		logger:     logger.With(zap.String("instance_id", instanceID)),
	}
}

// Hub returns the connection registry.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Connect registers a new socket for playerID and records its route.
func (g *Gateway) Connect(ctx context.Context, playerID string) (*Client, error) {
	if playerID == "" {
		return nil, &game.PreconditionError{Reason: "player id is required"}
	}
	c := NewClient(playerID, g.sendBuffer)
	err := g.store.PutSocket(ctx, store.SocketMapping{
		SocketID:   c.SocketID,
		InstanceID: g.instanceID,
		PlayerID:   playerID,
	})
	if err != nil {
		return nil, err
	}
	g.hub.Register(c)
	g.logger.Info("player connected",
		zap.String("player_id", playerID),
		zap.String("socket_id", c.SocketID),
	)
	return c, nil
}

// Disconnect forgets a socket: its queue entry is withdrawn, its room seat
// is detached and the other players are told.
func (g *Gateway) Disconnect(ctx context.Context, c *Client) {
	g.hub.Unregister(c)

	if bracket, queued := c.queue(); queued {
		if _, err := g.matcher.LeaveQueue(ctx, c.PlayerID, bracket); err != nil {
			g.logger.Warn("failed to leave queue on disconnect", zap.String("player_id", c.PlayerID), zap.Error(err))
		}
	}
	if roomID := c.RoomID(); roomID != "" {
		if err := g.engine.Detach(ctx, roomID, c.PlayerID, c.SocketID); err != nil {
			g.logger.Warn("failed to detach player",
				zap.String("room_id", roomID),
				zap.String("player_id", c.PlayerID),
				zap.Error(err),
			)
		}
	}
	if err := g.store.DeleteSocket(ctx, c.SocketID); err != nil {
		g.logger.Warn("failed to delete socket route", zap.String("socket_id", c.SocketID), zap.Error(err))
	}
	g.logger.Info("player disconnected",
		zap.String("player_id", c.PlayerID),
		zap.String("socket_id", c.SocketID),
	)
}

// Handle processes one inbound frame from c.
func (g *Gateway) Handle(ctx context.Context, c *Client, data []byte) {
	req, err := protocol.DecodeRequest(data)
	if err != nil {
		g.logger.Debug("rejecting frame", zap.String("player_id", c.PlayerID), zap.Error(err))
		g.reply(c, req.RequestID, protocol.Declined(err.Error()))
		return
	}

	switch body := req.Body.(type) {
	case protocol.JoinQueue:
		ack := g.JoinQueue(ctx, c, body)
		g.reply(c, req.RequestID, ack)
		if ack.Success {
			g.tryMatch(ctx, c)
		}
	case protocol.LeaveQueue:
		g.reply(c, req.RequestID, g.LeaveQueue(ctx, c))
	case protocol.SubmitActions:
		g.reply(c, req.RequestID, g.SubmitActions(ctx, c, body))
	case protocol.SubmitTrustedState:
		g.reply(c, req.RequestID, g.SubmitTrustedState(ctx, c, body))
	case protocol.ReportDead:
		g.ReportDead(ctx, c, body)
	case protocol.RejoinRoom:
		ack, st := g.RejoinRoom(ctx, c, body)
		g.reply(c, req.RequestID, ack)
		if st != nil {
			g.resume(c, st)
		}
	}
}

// JoinQueue puts c's player in their bracket queue.
func (g *Gateway) JoinQueue(ctx context.Context, c *Client, req protocol.JoinQueue) protocol.Ack {
	setup := req.Setup
	if setup.ID == "" {
		setup.ID = c.PlayerID
	}
	if setup.ID != c.PlayerID {
		return protocol.Declined("setup id does not match the connected player")
	}
	bracket, err := g.matcher.JoinQueue(ctx, setup, c.SocketID)
	if err != nil {
		return g.ackFor(err, "join queue", c)
	}
	c.setQueued(bracket, true)
	return protocol.Accepted("queued")
}

func (g *Gateway) tryMatch(ctx context.Context, c *Client) {
	bracket, queued := c.queue()
	if !queued {
		return
	}
	match, err := g.matcher.TryMatch(ctx, c.PlayerID, bracket)
	if err != nil {
		g.logger.Warn("matching failed", zap.String("player_id", c.PlayerID), zap.Error(err))
	}
	if match != nil {
		c.bindRoom(match.RoomID)
	}
}

// LeaveQueue withdraws c's player from matchmaking.
func (g *Gateway) LeaveQueue(ctx context.Context, c *Client) protocol.Ack {
	bracket, _ := c.queue()
	left, err := g.matcher.LeaveQueue(ctx, c.PlayerID, bracket)
	if err != nil {
		return g.ackFor(err, "leave queue", c)
	}
	c.setQueued(bracket, false)
	if !left {
		return protocol.Declined("not in queue")
	}
	return protocol.Accepted("left queue")
}

// SubmitActions records c's actions for the current turn.
func (g *Gateway) SubmitActions(ctx context.Context, c *Client, req protocol.SubmitActions) protocol.Ack {
	if err := g.engine.SubmitActions(ctx, req.RoomID, c.PlayerID, req.Actions); err != nil {
		return g.ackFor(err, "submit actions", c)
	}
	return protocol.Accepted("actions received")
}

// SubmitTrustedState records c's post-effect state.
func (g *Gateway) SubmitTrustedState(ctx context.Context, c *Client, req protocol.SubmitTrustedState) protocol.Ack {
	if err := g.engine.SubmitTrustedState(ctx, req.RoomID, c.PlayerID, req.TrustedState); err != nil {
		return g.ackFor(err, "submit trusted state", c)
	}
	return protocol.Accepted("trusted state received")
}

// ReportDead forwards a death report. Its outcome reaches players as
// broadcasts only.
func (g *Gateway) ReportDead(ctx context.Context, c *Client, req protocol.ReportDead) {
	err := g.engine.ReportDead(ctx, req.RoomID, c.PlayerID, req.DeadPlayerID)
	switch {
	case err == nil, errors.Is(err, store.ErrNoChange):
	case game.IsPrecondition(err):
		g.logger.Debug("death report ignored",
			zap.String("room_id", req.RoomID),
			zap.String("player_id", c.PlayerID),
			zap.Error(err),
		)
	default:
		g.logger.Warn("death report failed",
			zap.String("room_id", req.RoomID),
			zap.String("player_id", c.PlayerID),
			zap.Error(err),
		)
	}
}

// RejoinRoom binds c to a room its player was already matched into.
func (g *Gateway) RejoinRoom(ctx context.Context, c *Client, req protocol.RejoinRoom) (protocol.Ack, *game.GameState) {
	st, err := g.engine.Rejoin(ctx, req.RoomID, c.PlayerID, g.instanceID, c.SocketID)
	if err != nil {
		return g.ackFor(err, "rejoin room", c), nil
	}
	c.bindRoom(req.RoomID)
	if err := g.store.BindSocketRoom(ctx, c.SocketID, req.RoomID); err != nil && !errors.Is(err, store.ErrNotFound) {
		g.logger.Warn("failed to bind socket to room",
			zap.String("room_id", req.RoomID),
			zap.String("socket_id", c.SocketID),
			zap.Error(err),
		)
	}
	return protocol.Accepted("rejoined"), st
}

// resume tells a rejoined client where the room stands.
func (g *Gateway) resume(c *Client, st *game.GameState) {
	var msg protocol.Message
	switch st.Status {
	case game.StatusWaiting:
		found := protocol.MatchFound{RoomID: st.RoomID}
		for _, p := range st.Players {
			if p.ID != c.PlayerID {
				found.OpponentID = p.ID
				found.OpponentPublicSetup = p.PublicSetup
				break
			}
		}
		msg = found
	case game.StatusActive:
		msg = protocol.NewTurn{Phase: st.CurrentPhase, Turn: st.Turn}
	default:
		return
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		g.logger.Error("failed to encode resume frame", zap.Error(err))
		return
	}
	g.hub.Reply(c, frame)
}

// ackFor maps an operation error onto the acknowledgment players see.
func (g *Gateway) ackFor(err error, op string, c *Client) protocol.Ack {
	var pe *game.PreconditionError
	switch {
	case errors.As(err, &pe):
		return protocol.Declined(pe.Reason)
	case game.IsContention(err):
		return protocol.Declined("room is busy, retry")
	case errors.Is(err, game.ErrStaleTransition):
		return protocol.Declined("phase already advanced")
	}
	g.logger.Error(fmt.Sprintf("%s failed", op),
		zap.String("player_id", c.PlayerID),
		zap.String("socket_id", c.SocketID),
		zap.Error(err),
	)
	return protocol.Declined(ReasonUnavailable)
}

func (g *Gateway) reply(c *Client, requestID string, ack protocol.Ack) {
	frame, err := protocol.EncodeAck(requestID, ack)
	if err != nil {
		g.logger.Error("failed to encode ack", zap.Error(err))
		return
	}
	g.hub.Reply(c, frame)
}
