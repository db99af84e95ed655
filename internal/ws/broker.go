package ws

import (
	"context"

	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

type Msg interface{ isBrokerMsg() }

// Join registers a client. Joining again with the same ClientID moves it to
// another battle room.
type Join struct {
	ClientID string
	ActorID  string
	BattleID string // empty until the client enters a battle
	Outbox   chan types.ServerMessage
}

type Leave struct{ ClientID string }

// Publish delivers to a battle room when BattleID is set, otherwise to every
// client of ActorID.
type Publish struct {
	BattleID string
	ActorID  string
	Msg      types.ServerMessage
}

type Stats struct {
	Reply chan BrokerStats
}

type Shutdown struct{}

func (Join) isBrokerMsg()     {}
func (Leave) isBrokerMsg()    {}
func (Publish) isBrokerMsg()  {}
func (Stats) isBrokerMsg()    {}
func (Shutdown) isBrokerMsg() {}

type BrokerStats struct {
	Clients int
	Rooms   int
	Dropped int
}

type client struct {
	actorID  string
	battleID string
	out      chan types.ServerMessage
}

// Broker fans server messages out to connected websocket clients. It never
// blocks on a client: one whose outbox is full is dropped and its outbox
// closed.
type Broker struct {
	inbox   chan Msg
	clients map[string]*client
	rooms   map[string]map[string]struct{}
	actors  map[string]map[string]struct{}
	gone    map[string]struct{} // dropped clients whose outbox is closed
	dropped int
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewBroker(parent context.Context, log *zap.Logger) *Broker {
	ctx, cancel := context.WithCancel(parent)
	b := &Broker{
		inbox:   make(chan Msg, 64),
		clients: make(map[string]*client),
		rooms:   make(map[string]map[string]struct{}),
		actors:  make(map[string]map[string]struct{}),
		gone:    make(map[string]struct{}),
		log:     log.Named("ws"),
		ctx:     ctx,
		cancel:  cancel,
	}
	go b.loop()
	return b
}

func (b *Broker) loop() {
	for {
		select {
		case <-b.ctx.Done():
			b.shutdown()
			return

		case m := <-b.inbox:
			switch msg := m.(type) {
			case Join:
				if _, ok := b.gone[msg.ClientID]; ok {
					break
				}
				if c, ok := b.clients[msg.ClientID]; ok {
					b.unindex(msg.ClientID, c)
				}
				c := &client{actorID: msg.ActorID, battleID: msg.BattleID, out: msg.Outbox}
				b.clients[msg.ClientID] = c
				index(b.actors, c.actorID, msg.ClientID)
				if c.battleID != "" {
					index(b.rooms, c.battleID, msg.ClientID)
				}

			case Leave:
				delete(b.gone, msg.ClientID)
				if c, ok := b.clients[msg.ClientID]; ok {
					b.unindex(msg.ClientID, c)
					delete(b.clients, msg.ClientID)
				}

			case Publish:
				if msg.BattleID != "" {
					b.deliver(b.rooms[msg.BattleID], msg.Msg)
				} else {
					b.deliver(b.actors[msg.ActorID], msg.Msg)
				}

			case Stats:
				msg.Reply <- BrokerStats{Clients: len(b.clients), Rooms: len(b.rooms), Dropped: b.dropped}

			case Shutdown:
				b.shutdown()
				return
			}
		}
	}
}

func (b *Broker) deliver(ids map[string]struct{}, m types.ServerMessage) {
	for id := range ids {
		c := b.clients[id]
		select {
		case c.out <- m:
		default:
			b.log.Warn("dropping slow client", zap.String("actor_id", c.actorID), zap.String("battle_id", c.battleID))
			close(c.out)
			b.unindex(id, c)
			delete(b.clients, id)
			b.gone[id] = struct{}{}
			b.dropped++
		}
	}
}

func index(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func unindexKey(m map[string]map[string]struct{}, key, id string) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func (b *Broker) unindex(id string, c *client) {
	unindexKey(b.actors, c.actorID, id)
	if c.battleID != "" {
		unindexKey(b.rooms, c.battleID, id)
	}
}

func (b *Broker) shutdown() {
	for id, c := range b.clients {
		close(c.out)
		delete(b.clients, id)
	}
	clear(b.rooms)
	clear(b.actors)
	clear(b.gone)
	b.cancel()
}

func (b *Broker) send(m Msg) {
	select {
	case b.inbox <- m:
	case <-b.ctx.Done():
	}
}

// Broadcast sends m to every client in the battle's room.
func (b *Broker) Broadcast(battleID string, m types.ServerMessage) {
	b.send(Publish{BattleID: battleID, Msg: m})
}

// Unicast sends m to every connection of the actor.
func (b *Broker) Unicast(actorID string, m types.ServerMessage) {
	b.send(Publish{ActorID: actorID, Msg: m})
}

// Inbox exposes the broker to the websocket handler and tests.
func (b *Broker) Inbox() chan<- Msg { return b.inbox }
