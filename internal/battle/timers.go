package battle

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
)

const (
	timerConnect   = "connect"
	timerChatBreak = "chat_break"
	gracePrefix    = "grace:"
)

func graceKey(side engine.Side) string { return gracePrefix + string(side) }

type armed struct {
	t   *time.Timer
	gen uint64
}

// arm (re)starts the named timer. Its firing comes back through the inbox,
// so the callback never touches session state itself.
func (s *session) arm(key string, d time.Duration) {
	if s.cleaned {
		return
	}
	s.disarm(key)
	s.timerGen++
	gen := s.timerGen
	s.timers[key] = armed{
		gen: gen,
		t:   time.AfterFunc(d, func() { s.post(timerFired{key: key, gen: gen}) }),
	}
}

func (s *session) disarm(key string) {
	if a, ok := s.timers[key]; ok {
		a.t.Stop()
		delete(s.timers, key)
	}
}

// cleanup cancels every session timer exactly once. All terminal paths call
// it; nothing can be armed afterwards.
func (s *session) cleanup() {
	if s.cleaned {
		return
	}
	s.cleaned = true
	for key := range s.timers {
		s.disarm(key)
	}
}

func (s *session) onTimer(t timerFired) {
	cur, ok := s.timers[t.key]
	if !ok || cur.gen != t.gen {
		return
	}
	delete(s.timers, t.key)

	switch {
	case t.key == timerConnect:
		s.onConnectTimeout()

	case strings.HasPrefix(t.key, gracePrefix):
		side := engine.Side(strings.TrimPrefix(t.key, gracePrefix))
		if s.connected[side] {
			return
		}
		s.log.Info("reconnect grace expired", zap.String("side", string(side)))
		s.finish(forfeit(side, "disconnected"))

	case t.key == timerChatBreak:
		s.startNextRound()
	}
}

// onConnectTimeout abandons a battle nobody joined. When only one side showed
// up, the absent side forfeits instead.
func (s *session) onConnectTimeout() {
	if s.outcome != nil {
		return
	}
	var absent []engine.Side
	for _, side := range s.humanSides() {
		if !s.seen[side] {
			absent = append(absent, side)
		}
	}
	switch {
	case len(absent) == 0:
		return
	case len(absent) == len(s.humanSides()):
		s.log.Info("no participant connected in time", zap.Duration("timeout", s.o.cfg.ConnectTimeout))
		s.finish(termination{status: store.StatusAbandoned, reason: "connection_timeout"})
	default:
		s.finish(forfeit(absent[0], "no_show"))
	}
}
