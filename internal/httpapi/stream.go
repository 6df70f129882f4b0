package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nexahse.org/internal/auth"
)

// Stream serves the caller's session changes over Server-Sent Events. Each
// subscriber sees only events for its own identity; holders of
// configuracion:ver get the unfiltered feed for the sessions dashboard.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	if a.stream == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	manager := managerFromContext(r.Context())
	if manager == nil {
		writeError(w, r, http.StatusUnauthorized, "not signed in")
		return
	}
	identity := manager.Identity()
	if identity == nil {
		writeError(w, r, http.StatusUnauthorized, "not signed in")
		return
	}
	seeAll := manager.Gate().HasPermission(auth.PermissionKey("configuracion", string(auth.ActionView)))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// The server write timeout is sized for request/response traffic; a
	// long-lived stream must opt out or it gets cut mid-flight.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		if !seeAll && event.UserID != identity.ID {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}
