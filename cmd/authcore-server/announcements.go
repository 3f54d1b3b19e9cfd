package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/campusdesk/authcore"
	"github.com/campusdesk/authcore/internal/httpx"
	"github.com/campusdesk/authcore/internal/ids"
)

const announcePermission = "create:announcements"

type announcement struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	AuthorID  string    `json:"authorId"`
	CreatedAt time.Time `json:"createdAt"`
}

// announcementBoard is the demo domain resource behind the idempotent
// create route. It lives in process memory.
type announcementBoard struct {
	mu    sync.Mutex
	items []announcement
}

func (b *announcementBoard) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *announcementBoard) list(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	out := append([]announcement(nil), b.items...)
	b.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"announcements": out})
}

func (b *announcementBoard) create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		httpx.WriteError(w, httpx.ErrBadRequest)
		return
	}

	a := announcement{
		ID:        ids.New(),
		Title:     strings.TrimSpace(req.Title),
		Body:      req.Body,
		CreatedAt: time.Now().UTC(),
	}
	if p, ok := authcore.PrincipalFromContext(r.Context()); ok {
		a.AuthorID = p.UserID
	}

	b.mu.Lock()
	b.items = append(b.items, a)
	b.mu.Unlock()

	w.Header().Set("Location", "/api/announcements/"+a.ID+"/")
	httpx.WriteJSON(w, http.StatusCreated, a)
}
