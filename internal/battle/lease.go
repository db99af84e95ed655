package battle

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/coord"
	"github.com/DoyleJ11/hex-arena-backend/internal/store"
)

var errLeaseHeld = errors.New("server lease held by another process")

// lease is this server's liveness key. While it is held, peers leave the
// server's battles alone; once it lapses they may adopt them.
type lease struct {
	mu    sync.Mutex
	locks coord.Mutex
	key   string
	token string
	ttl   time.Duration
}

func newLease(locks coord.Mutex, serverID string, ttl time.Duration) *lease {
	if locks == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &lease{locks: locks, key: coord.LeaseKey(serverID), ttl: ttl}
}

// renew extends the lease, acquiring it again if it was lost.
func (l *lease) renew(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		ok, err := l.locks.Extend(ctx, l.key, l.token, l.ttl)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		l.token = ""
	}
	tok, ok, err := l.locks.Acquire(ctx, l.key, l.ttl)
	if err != nil {
		return err
	}
	if !ok {
		return errLeaseHeld
	}
	l.token = tok
	return nil
}

func (l *lease) release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return nil
	}
	tok := l.token
	l.token = ""
	return l.locks.Release(ctx, l.key, tok)
}

// ownerGone reports whether serverID has let its lease lapse. The check
// takes the lapsed key and hands it straight back.
func (o *Orchestrator) ownerGone(ctx context.Context, serverID string) (bool, error) {
	key := coord.LeaseKey(serverID)
	tok, ok, err := o.lease.locks.Acquire(ctx, key, o.lease.ttl)
	if err != nil || !ok {
		return false, err
	}
	if err := o.lease.locks.Release(ctx, key, tok); err != nil {
		o.logger.Warn("hand back lapsed lease", zap.String("owner", serverID), zap.Error(err))
	}
	return true, nil
}

// adopt moves an active battle onto this server when its owner is gone.
// Reassign is a compare-and-set, so two adopters cannot both win.
func (o *Orchestrator) adopt(ctx context.Context, rec store.BattleRecord) (store.BattleRecord, bool, error) {
	if o.lease == nil || rec.ServerID == o.serverID {
		return rec, false, nil
	}
	gone, err := o.ownerGone(ctx, rec.ServerID)
	if err != nil || !gone {
		return rec, false, err
	}
	moved, err := o.store.Reassign(ctx, rec.ID, rec.ServerID, o.serverID)
	if err != nil || !moved {
		return rec, false, err
	}
	o.logger.Info("adopted orphaned battle", zap.String("battle_id", rec.ID), zap.String("previous_server", rec.ServerID))
	rec.ServerID = o.serverID
	return rec, true, nil
}

// keepLease renews the lease until ctx ends.
func (o *Orchestrator) keepLease(ctx context.Context) {
	if o.lease == nil {
		<-ctx.Done()
		return
	}
	t := time.NewTicker(o.lease.ttl / 3)
	defer t.Stop()
	for {
		if err := o.lease.renew(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("renew server lease", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
