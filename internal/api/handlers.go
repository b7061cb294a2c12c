package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/susu3304/wagerbot/internal/archive"
)

const defaultArchiveLimit = 50

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": a.store.Len(),
	})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	all := a.store.All()
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	if state := r.URL.Query().Get("state"); state != "" {
		filtered := all[:0]
		for _, s := range all {
			if string(s.State) == state {
				filtered = append(filtered, s)
			}
		}
		all = filtered
	}
	writeJSON(w, http.StatusOK, all)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	channelID := mux.Vars(r)["channel_id"]
	s, ok := a.store.Get(channelID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleListOffers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.Offers())
}

func (a *API) handleListIntents(w http.ResponseWriter, r *http.Request) {
	intents := a.ledger.Intents()
	sort.Slice(intents, func(i, j int) bool { return intents[i].CreatedAt.After(intents[j].CreatedAt) })
	writeJSON(w, http.StatusOK, intents)
}

func (a *API) handleListArchive(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		http.Error(w, "archive is not configured", http.StatusServiceUnavailable)
		return
	}
	limit := defaultArchiveLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := a.archive.List(r.Context(), limit)
	if err != nil {
		a.logger.WithError(err).Error("list archive")
		http.Error(w, "failed to list archive", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []archive.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}
