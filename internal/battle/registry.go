package battle

import (
	"context"
)

type registryMsg interface{ isRegistryMsg() }

type addSession struct {
	s     *session
	reply chan bool
}

type getSession struct {
	id    string
	reply chan *session
}

// removeSession only removes the entry if it still points at s.
type removeSession struct {
	id string
	s  *session
}

type listSessions struct {
	reply chan []*session
}

type shutdownRegistry struct{}

func (addSession) isRegistryMsg()       {}
func (getSession) isRegistryMsg()       {}
func (removeSession) isRegistryMsg()    {}
func (listSessions) isRegistryMsg()     {}
func (shutdownRegistry) isRegistryMsg() {}

// registry maps battle ids to the sessions hosted by this process. One
// goroutine owns the map.
type registry struct {
	inbox    chan registryMsg
	sessions map[string]*session
	ctx      context.Context
	cancel   context.CancelFunc
}

func newRegistry(parent context.Context) *registry {
	ctx, cancel := context.WithCancel(parent)
	r := &registry{
		inbox:    make(chan registryMsg, 64),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	go r.loop()
	return r
}

func (r *registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case addSession:
				if _, ok := r.sessions[msg.s.id]; ok {
					msg.reply <- false
					break
				}
				r.sessions[msg.s.id] = msg.s
				msg.reply <- true

			case getSession:
				msg.reply <- r.sessions[msg.id] // may be nil

			case removeSession:
				if cur := r.sessions[msg.id]; cur == msg.s {
					delete(r.sessions, msg.id)
				}

			case listSessions:
				out := make([]*session, 0, len(r.sessions))
				for _, s := range r.sessions {
					out = append(out, s)
				}
				msg.reply <- out

			case shutdownRegistry:
				clear(r.sessions)
				r.cancel()
			}
		}
	}
}

func (r *registry) send(m registryMsg) bool {
	if r.ctx.Err() != nil {
		return false
	}
	select {
	case r.inbox <- m:
		return true
	case <-r.ctx.Done():
		return false
	}
}

// await waits for the loop's reply; a registry shut down mid-request
// yields the zero value.
func await[T any](r *registry, reply chan T) T {
	select {
	case v := <-reply:
		return v
	case <-r.ctx.Done():
		var zero T
		return zero
	}
}

func (r *registry) add(s *session) bool {
	reply := make(chan bool, 1)
	if !r.send(addSession{s: s, reply: reply}) {
		return false
	}
	return await(r, reply)
}

func (r *registry) get(id string) *session {
	reply := make(chan *session, 1)
	if !r.send(getSession{id: id, reply: reply}) {
		return nil
	}
	return await(r, reply)
}

func (r *registry) remove(id string, s *session) {
	r.send(removeSession{id: id, s: s})
}

func (r *registry) list() []*session {
	reply := make(chan []*session, 1)
	if !r.send(listSessions{reply: reply}) {
		return nil
	}
	return await(r, reply)
}

func (r *registry) shutdown() {
	r.send(shutdownRegistry{})
}
