package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zachfi/icerelay/modules/relay"
)

const statusPath = "/status"

type status struct {
	Time     time.Time              `json:"time"`
	Sessions map[string]relay.Stats `json:"sessions"`
}

// statusHandler lists the open sessions.
func (a *App) statusHandler(w http.ResponseWriter, _ *http.Request) {
	st := status{
		Time:     time.Now().UTC(),
		Sessions: map[string]relay.Stats{},
	}
	if a.relay != nil {
		st.Sessions = a.relay.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		a.logger.Error("failed to write status", "err", err)
	}
}
