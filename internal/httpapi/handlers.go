package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/hex-arena-backend/internal/apperr"
	"github.com/DoyleJ11/hex-arena-backend/internal/battle"
	"github.com/DoyleJ11/hex-arena-backend/internal/engine"
	"github.com/DoyleJ11/hex-arena-backend/pkg/types"
)

// Battles is what the HTTP surface needs from the orchestrator.
type Battles interface {
	FindMatch(ctx context.Context, req battle.MatchRequest) (battle.MatchResult, error)
	Withdraw(ctx context.Context, actorID string, mode engine.Mode) error
	View(ctx context.Context, battleID string) (battle.View, error)
	Hosted() int
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), struct {
		Error *types.ErrorBody `json:"error"`
	}{types.NewErrorBody(err)})
}

func FindMatch(b Battles, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req battle.MatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, apperr.Validation("bad json", err))
			return
		}
		res, err := b.FindMatch(r.Context(), req)
		if err != nil {
			if apperr.KindOf(err) == "" {
				log.Error("find match", zap.String("actor_id", req.ActorID), zap.Error(err))
			}
			writeJSON(w, apperr.HTTPStatus(err), res)
			return
		}
		status := http.StatusOK
		if res.Status == battle.MatchWaiting {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func Withdraw(b Battles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := engine.Mode(r.URL.Query().Get("mode"))
		if mode == "" {
			mode = engine.ModeRanked
		}
		if !mode.Valid() {
			writeErr(w, apperr.Validation("unknown mode "+string(mode), nil))
			return
		}
		if err := b.Withdraw(r.Context(), chi.URLParam(r, "actorID"), mode); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func GetBattle(b Battles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := b.View(r.Context(), chi.URLParam(r, "battleID"))
		if err != nil {
			if errors.Is(err, battle.ErrSessionClosed) {
				err = apperr.NotFound("battle " + chi.URLParam(r, "battleID"))
			}
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func Healthz(b Battles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, struct {
			Status string `json:"status"`
			Hosted int    `json:"hosted"`
		}{"ok", b.Hosted()})
	}
}
