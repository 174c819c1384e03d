package ws

import (
	"encoding/json"
	"time"

	"github.com/folkengine/goname"
	"github.com/robfig/cron/v3"
	"github.com/spiretalk/spiretalk/chat"
	"github.com/spiretalk/spiretalk/config"
	"github.com/spiretalk/spiretalk/filter"
	"github.com/spiretalk/spiretalk/globals"
	"github.com/spiretalk/spiretalk/ratelimit"
	"github.com/spiretalk/spiretalk/registry"
	"github.com/spiretalk/spiretalk/types"
)

const (
	maxMessageSize     = 65536
	pongWait           = 2 * time.Minute
	pingPeriod         = time.Minute
	writeWait          = 10 * time.Second
	inboundChannelSize = 1000
)

// inbound is one decoded frame handed from a read pump to the room loop.
type inbound struct {
	client    *Client
	env       *types.Envelope
	malformed bool
}

// Hub is the signaling relay for one room. Every room-affecting effect -
// registry mutation, membership-index update, broadcast - runs on the hub's
// single run loop, which makes it the room's serialized executor. Different
// rooms run fully in parallel.
type Hub struct {
	roomId string

	Registry *registry.Registry
	Limiter  *ratelimit.Limiter
	Chat     *chat.Service
	Cfg      *config.Config

	// Register a new connection with the hub.
	Register chan *Client

	// Unregister a connection from the hub.
	Unregister chan *Client

	// Inbound carries decoded frames from the read pumps.
	Inbound chan inbound

	// connected clients; byConn indexes the subset that has joined the room
	clients map[*Client]struct{}
	byConn  map[string]*Client

	sweepChan chan struct{}
	done      chan struct{}
}

func NewHub(roomId string, cfg *config.Config, reg *registry.Registry, limiter *ratelimit.Limiter, chatSvc *chat.Service) *Hub {
	return &Hub{
		roomId:     roomId,
		Registry:   reg,
		Limiter:    limiter,
		Chat:       chatSvc,
		Cfg:        cfg,
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Inbound:    make(chan inbound, inboundChannelSize),
		clients:    make(map[*Client]struct{}),
		byConn:     make(map[string]*Client),
		sweepChan:  make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Run is the main hub event loop handling register, unregister, inbound
// frames and the idle sweep.
func (h *Hub) Run() {
	cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := cronRunner.AddFunc(h.Cfg.SweepSpec(), func() {
		select {
		case h.sweepChan <- struct{}{}:
		default:
		}
	})
	if err != nil {
		globals.AppLogger.Error("invalid sweep spec, idle sweep disabled", "error", err)
	} else {
		cronRunner.Start()
		defer cronRunner.Stop()
	}
	for {
		select {
		case client := <-h.Register:
			h.register(client)

		case client := <-h.Unregister:
			h.unregister(client)

		case frame := <-h.Inbound:
			h.dispatch(frame.client, frame.env, frame.malformed)

		case <-h.sweepChan:
			h.sweepIdle(time.Now())

		case <-h.done:
			return
		}
	}
}

// Stop terminates the run loop.
func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) register(c *Client) {
	h.clients[c] = struct{}{}
	c.Done() // registration acknowledged, see the handler
}

// unregister runs the disconnect cleanup and releases the client. Safe to
// reach twice for the same connection (leave-room followed by the transport
// close): the registry reports whether a row was actually removed.
func (h *Hub) unregister(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.cleanup(c)
	delete(h.clients, c)
	c.closeConn()
	c.Wait()
	close(c.Send)
}

// cleanup removes the participant and broadcasts participant-left exactly
// once per membership.
func (h *Hub) cleanup(c *Client) {
	if !c.joined {
		return
	}
	c.joined = false
	if h.byConn[c.ConnectionId] != c {
		// the id was taken over by a reconnect, the membership belongs to
		// the newer connection now; only this client goes away
		return
	}
	delete(h.byConn, c.ConnectionId)
	h.Limiter.Forget(c.ConnectionId)
	if removed := h.Registry.RemoveParticipant(h.roomId, c.ConnectionId); !removed {
		return
	}
	h.broadcast(types.NewEnvelope(types.MessageTypeParticipantLeft, h.roomId, c.ConnectionId, "",
		types.ParticipantPayload{Participant: c.participant}), c.ConnectionId)
}

// sweepIdle disconnects connections without activity beyond the idle
// timeout, running the same cleanup path as an explicit leave.
func (h *Hub) sweepIdle(now time.Time) {
	timeout := h.Cfg.IdleTimeout()
	for c := range h.clients {
		if now.Sub(c.LastActivity()) > timeout {
			globals.AppLogger.Info("disconnecting idle connection", "connection", c.ConnectionId, "room", h.roomId)
			h.unregister(c)
		}
	}
}

// dispatch routes one inbound frame. Errors are converted to a unicast error
// envelope; nothing that happens here may take down the run loop.
func (h *Hub) dispatch(c *Client, env *types.Envelope, malformed bool) {
	if _, ok := h.clients[c]; !ok {
		// stale frame of an already-unregistered connection
		return
	}
	if malformed || env == nil || env.Type == "" {
		h.sendError(c, types.ErrMalformed, "unparsable message")
		return
	}
	if env.RoomId != h.roomId {
		h.sendError(c, types.ErrMalformed, "missing or wrong room id")
		return
	}
	if err := h.Limiter.Allow(c.ConnectionId, ratelimit.ClassGeneric); err != nil {
		h.sendError(c, err, "too many messages")
		return
	}

	switch env.Type {
	case types.MessageTypeJoinRoom:
		h.handleJoin(c, env)
	case types.MessageTypeLeaveRoom:
		h.cleanup(c)
	case types.MessageTypeOffer, types.MessageTypeAnswer, types.MessageTypeIceCandidate:
		h.handleSignal(c, env)
	case types.MessageTypeParticipantUpdate:
		h.handleUpdate(c, env)
	case types.MessageTypeChat:
		h.handleChat(c, env)
	case types.MessageTypeChatHistory:
		h.handleChatHistory(c, env)
	case types.MessageTypePing:
		h.unicast(c, types.NewEnvelope(types.MessageTypePong, h.roomId, "", c.ConnectionId, nil))
	default:
		h.sendError(c, types.ErrMalformed, "unknown message type: "+env.Type)
	}
}

func (h *Hub) handleJoin(c *Client, env *types.Envelope) {
	payload := types.JoinPayload{}
	if err := env.DecodePayload(&payload); err != nil {
		h.sendError(c, types.ErrMalformed, "bad join payload")
		return
	}
	displayName := payload.DisplayName
	if displayName == "" && !c.joined {
		displayName = goname.New(goname.FantasyMap).FirstLast() + " (guest)"
	}
	room := h.Registry.EnsureRoom(h.roomId)
	p, err := h.Registry.AddParticipant(h.roomId, displayName, c.ConnectionId)
	if err != nil {
		h.sendError(c, err, "cannot join room")
		return
	}
	rejoin := c.joined
	c.participant = p
	c.joined = true
	h.byConn[c.ConnectionId] = c

	others := make([]types.Participant, 0)
	for _, member := range h.Registry.ListParticipants(h.roomId) {
		if member.ConnectionId != c.ConnectionId {
			others = append(others, member)
		}
	}
	h.unicast(c, types.NewEnvelope(types.MessageTypeRoomJoined, h.roomId, "", c.ConnectionId,
		types.RoomJoinedPayload{Room: room, You: p, Participants: others}))
	if !rejoin {
		h.broadcast(types.NewEnvelope(types.MessageTypeParticipantJoined, h.roomId, c.ConnectionId, "",
			types.ParticipantPayload{Participant: p}), c.ConnectionId)
	}
}

// handleSignal forwards offer/answer/ice-candidate envelopes verbatim. With
// a target, delivery is strictly to that one connection; an unknown target
// is silently dropped because it may have just disconnected. Without a
// target the envelope goes to every other member - older clients still send
// ICE candidates that way.
func (h *Hub) handleSignal(c *Client, env *types.Envelope) {
	if !c.joined {
		return
	}
	if err := h.Limiter.Allow(c.ConnectionId, ratelimit.ClassSignal); err != nil {
		h.sendError(c, err, "signaling too fast")
		return
	}
	out := *env
	out.RoomId = h.roomId
	out.Sender = c.ConnectionId
	if env.Target != "" {
		if target, ok := h.byConn[env.Target]; ok {
			h.send(target, &out)
		}
		return
	}
	h.broadcast(&out, c.ConnectionId)
}

func (h *Hub) handleUpdate(c *Client, env *types.Envelope) {
	if !c.joined {
		return
	}
	update := types.ParticipantUpdate{}
	if err := env.DecodePayload(&update); err != nil {
		h.sendError(c, types.ErrMalformed, "bad update payload")
		return
	}
	// flags are mutated by the owning connection only
	p, err := h.Registry.UpdateParticipant(h.roomId, c.ConnectionId, update)
	if err != nil {
		h.sendError(c, err, "cannot update participant")
		return
	}
	c.participant = p
	h.broadcast(types.NewEnvelope(types.MessageTypeParticipantUpdated, h.roomId, c.ConnectionId, "",
		types.ParticipantPayload{Participant: p}), c.ConnectionId)
}

// handleChat persists the message and broadcasts it to the whole room,
// including the sender, so every UI reconciles through the same path.
func (h *Hub) handleChat(c *Client, env *types.Envelope) {
	if !c.joined {
		return
	}
	payload := types.ChatPayload{}
	if err := env.DecodePayload(&payload); err != nil {
		h.sendError(c, types.ErrMalformed, "bad chat payload")
		return
	}
	msg, err := h.Chat.Send(h.roomId, c.ConnectionId, c.participant.DisplayName, payload.Text, payload.Filter)
	if err != nil {
		h.sendError(c, err, "cannot send chat message")
		return
	}
	prog, err := filter.Compile(msg.Filter)
	if err != nil {
		globals.AppLogger.Error("could not compile filter", "error", err)
		prog = nil
	}
	room, _ := h.Registry.GetRoom(h.roomId)
	out := types.NewEnvelope(types.MessageTypeChat, h.roomId, c.ConnectionId, "", msg)
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	for _, target := range h.byConn {
		if !filter.Match(prog, room, c.participant, target.participant, msg) {
			continue
		}
		target.enqueue(data)
	}
}

func (h *Hub) handleChatHistory(c *Client, env *types.Envelope) {
	if !c.joined {
		return
	}
	payload := types.ChatHistoryPayload{}
	if err := env.DecodePayload(&payload); err != nil {
		h.sendError(c, types.ErrMalformed, "bad history payload")
		return
	}
	limit := payload.Limit
	if limit <= 0 || limit > h.Cfg.HistorySize() {
		limit = h.Cfg.HistorySize()
	}
	messages, err := h.Chat.History(h.roomId, limit)
	if err != nil {
		h.sendError(c, err, "cannot load chat history")
		return
	}
	h.unicast(c, types.NewEnvelope(types.MessageTypeChatHistory, h.roomId, "", c.ConnectionId,
		types.ChatHistoryReply{Messages: messages}))
}

// broadcast delivers the envelope to every joined connection except the one
// named by exclude.
func (h *Hub) broadcast(env *types.Envelope, exclude string) {
	data, err := json.Marshal(env)
	if err != nil {
		globals.AppLogger.Error("could not marshal envelope", "error", err)
		return
	}
	for id, target := range h.byConn {
		if id == exclude {
			continue
		}
		target.enqueue(data)
	}
}

func (h *Hub) send(c *Client, env *types.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		globals.AppLogger.Error("could not marshal envelope", "error", err)
		return
	}
	c.enqueue(data)
}

func (h *Hub) unicast(c *Client, env *types.Envelope) {
	h.send(c, env)
}

func (h *Hub) sendError(c *Client, err error, detail string) {
	h.unicast(c, types.NewEnvelope(types.MessageTypeError, h.roomId, "", c.ConnectionId,
		types.ErrorPayload{Code: types.ErrorCode(err), Message: detail}))
}

// NoClients returns the number of connections registered with the hub.
func (h *Hub) NoClients() int {
	return len(h.clients)
}
