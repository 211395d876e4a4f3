package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Kawayip/church-sub001/pkg/downloads"
	"github.com/Kawayip/church-sub001/pkg/httputil"
	"github.com/Kawayip/church-sub001/pkg/middleware"
)

// DownloadHandlers provides the download tracking endpoints
type DownloadHandlers struct {
	ingest  DownloadIngestor
	reports DownloadReporter
}

// NewDownloadHandlers creates download handlers
func NewDownloadHandlers(ingest DownloadIngestor, reports DownloadReporter) *DownloadHandlers {
	return &DownloadHandlers{ingest: ingest, reports: reports}
}

// RegisterIngestRoutes registers the public download endpoints
func (h *DownloadHandlers) RegisterIngestRoutes(r *mux.Router) {
	r.HandleFunc("/downloads/track", h.track).Methods("POST")
	r.HandleFunc("/downloads/sync", h.sync).Methods("POST")
}

// RegisterReportRoutes registers the download rollups
func (h *DownloadHandlers) RegisterReportRoutes(r *mux.Router) {
	r.HandleFunc("/downloads/analytics", h.analytics).Methods("GET")
	r.HandleFunc("/downloads/recent", h.recent).Methods("GET")
	r.HandleFunc("/downloads/stats", h.stats).Methods("GET")
}

// fillFromRequest supplies fields the client left out
func fillFromRequest(r *http.Request, ev *downloads.Event) {
	if ev.IPAddress == "" {
		ev.IPAddress = httputil.ClientIP(r)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}
	if ev.UserID == nil {
		if p := middleware.GetPrincipal(r); p != nil {
			id := p.UserID
			ev.UserID = &id
		}
	}
	// server assigns ids
	ev.ID = 0
}

// track handles POST /api/downloads/track
func (h *DownloadHandlers) track(w http.ResponseWriter, r *http.Request) {
	var ev downloads.Event
	if !httputil.ParseJSONOrError(w, r, &ev) {
		return
	}
	fillFromRequest(r, &ev)

	if err := h.ingest.Track(r.Context(), ev); err != nil {
		writeError(w, r, err, "track download")
		return
	}
	httputil.WriteAck(w)
}

// sync handles POST /api/downloads/sync. The body is either a JSON array of
// events or {"downloads": [...]}; anything else is acknowledged and ignored.
func (h *DownloadHandlers) sync(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read body")
		return
	}

	events, err := decodeSyncBody(body)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	if len(events) == 0 {
		httputil.WriteSuccess(w, SyncResponse{Success: true})
		return
	}

	for i := range events {
		fillFromRequest(r, &events[i])
	}

	result, err := h.ingest.Sync(r.Context(), events)
	if err != nil {
		writeError(w, r, err, "sync downloads")
		return
	}
	httputil.WriteSuccess(w, SyncResponse{Success: true, SyncResult: result})
}

func decodeSyncBody(body []byte) ([]downloads.Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errInvalidJSON
	}

	if body[0] == '{' {
		var wrapper struct {
			Downloads json.RawMessage `json:"downloads"`
		}
		if err := json.Unmarshal(body, &wrapper); err != nil {
			return nil, errInvalidJSON
		}
		body = bytes.TrimSpace(wrapper.Downloads)
	}
	if len(body) == 0 || body[0] != '[' {
		return nil, nil
	}

	var events []downloads.Event
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, errInvalidJSON
	}
	return events, nil
}

// analytics handles GET /api/downloads/analytics
func (h *DownloadHandlers) analytics(w http.ResponseWriter, r *http.Request) {
	result, err := h.reports.Analytics(r.Context())
	if err != nil {
		writeError(w, r, err, "download analytics")
		return
	}
	httputil.WriteSuccess(w, result)
}

// recent handles GET /api/downloads/recent
// Query params:
//   - limit: number of events (1-100) - default: 10
func (h *DownloadHandlers) recent(w http.ResponseWriter, r *http.Request) {
	limit, err := httputil.ParseQueryInt(r, "limit", 10)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	events, err := h.reports.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, "recent downloads")
		return
	}
	httputil.WriteSuccess(w, events)
}

// stats handles GET /api/downloads/stats
func (h *DownloadHandlers) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		writeError(w, r, err, "download stats")
		return
	}
	httputil.WriteSuccess(w, stats)
}
