package inmemory

import (
	"log/slog"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/keep-on-walking/mpv-pi-player/internal/repository/connection"
)

// repo keeps a two-way index between live peers and their session ids.
type repo[P comparable] struct {
	peerList map[P]string
	idList   map[string]P
	mu       sync.RWMutex
}

func NewRepo[P comparable]() *repo[P] {
	return &repo[P]{
		peerList: make(map[P]string),
		idList:   make(map[string]P),
	}
}

func (r *repo[P]) Add(peer P, sessionID string) error {
	funcName := "connection.inmemory.Add"
	r.mu.Lock()
	defer r.mu.Unlock()

	slog.Debug(funcName, "session_id", sessionID)
	if _, ok := r.peerList[peer]; ok {
		slog.Info(funcName, "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}
	if _, ok := r.idList[sessionID]; ok {
		slog.Info(funcName, "error", connection.ErrAlreadyExists)
		return connection.ErrAlreadyExists
	}

	r.peerList[peer] = sessionID
	r.idList[sessionID] = peer

	return nil
}

func (r *repo[P]) RemoveByPeer(peer P) (string, error) {
	funcName := "connection.inmemory.RemoveByPeer"
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.peerList[peer]
	if !ok {
		slog.Debug(funcName, "error", connection.ErrNotFound)
		return "", connection.ErrNotFound
	}

	delete(r.peerList, peer)
	delete(r.idList, sessionID)

	slog.Debug(funcName, "session_id", sessionID)
	return sessionID, nil
}

func (r *repo[P]) GetPeer(sessionID string) (P, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.idList[sessionID]
	if !ok {
		var zero P
		return zero, connection.ErrNotFound
	}

	return peer, nil
}

func (r *repo[P]) List() []P {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return maps.Keys(r.peerList)
}

func (r *repo[P]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.peerList)
}
