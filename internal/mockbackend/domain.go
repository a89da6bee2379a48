package mockbackend

import (
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

var pipelineStatuses = []string{
	"backlog", "todo", "writing", "review", "ready_to_publish", "published", "amplified", "done",
}

var pipelineAgents = map[string]bool{
	"scout": true, "writer": true, "editor": true, "publisher": true, "promoter": true, "morgan": true,
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deepHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"checks": map[string]string{"database": "ok", "scheduler": "ok"},
	})
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// mountDomain registers the content-operations routes. Payloads are canned;
// only the kill switch and posting toggle keep state.
func (s *Server) mountDomain(r chi.Router) {
	r.Route("/drafts", func(r chi.Router) {
		r.Get("/", s.listOf("draft"))
		r.Post("/", s.created("draft"))
		r.Post("/generate", s.created("draft"))
		r.Post("/{id}/approve", s.itemAction("draft", "approved"))
		r.Post("/{id}/reject", s.itemAction("draft", "rejected"))
	})
	r.Route("/posts", func(r chi.Router) {
		r.Get("/", s.listOf("post"))
		r.Post("/publish-due", s.publishDue)
		r.Get("/{id}", s.item("post"))
		r.Post("/{id}/confirm-manual-publish", s.itemAction("post", "published"))
		r.Post("/{id}/metrics", s.itemAction("post", "metrics_updated"))
	})
	r.Get("/comments", s.listOf("comment"))
	r.Post("/comments", s.created("comment"))
	r.Post("/engagement/poll", s.ok(map[string]any{"polled": 0}))
	r.Get("/engagement/status", s.ok(map[string]any{"last_poll": nil, "pending": 0}))
	r.Get("/sources", s.listOf("source"))
	r.Post("/sources/ingest", s.ok(map[string]any{"ingested": 0}))
	r.Get("/learning/weights", s.ok(map[string]any{"weights": map[string]float64{}}))
	r.Post("/learning/recompute", s.ok(map[string]any{"recomputed": true}))
	r.Get("/reports/daily", s.ok(map[string]any{"date": time.Now().UTC().Format(time.DateOnly), "posts": 0}))
	r.Post("/reports/daily/send", s.ok(map[string]any{"sent": true}))

	r.Route("/admin", func(r chi.Router) {
		r.Get("/config", s.adminConfig)
		r.Get("/algorithm-alignment", s.ok(map[string]any{"aligned": true}))
		r.Get("/audit-logs", s.listOf("audit_log"))
		r.Get("/export-state", s.adminConfig)
		r.Post("/kill-switch/{state}", s.toggle(&s.killSwitch))
		r.Post("/posting/{state}", s.toggle(&s.posting))
	})

	r.Post("/content/generate-draft", s.created("draft"))
	r.Get("/content/pyramid", s.ok(map[string]any{"tiers": []any{}}))
	r.Get("/content/weights", s.ok(map[string]any{"weights": map[string]float64{}}))

	r.Route("/pipeline", func(r chi.Router) {
		r.Get("/overview", s.pipelineOverview)
		r.Get("/items", s.pipelineItems)
		r.Get("/items/{id}", s.item("pipeline_item"))
		r.Post("/items/{id}/transition", s.transition)
		r.Post("/run/{agent}", s.runAgent)
		r.Get("/health", s.ok(map[string]any{"status": "ok"}))
	})
}

func (s *Server) ok(body any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) listOf(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]any{
			{"id": CannedID(kind), "kind": kind, "created_at": time.Now().UTC()},
		})
	}
}

func (s *Server) created(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
				writeError(w, http.StatusUnprocessableEntity, "invalid request body")
				return
			}
		}
		body["id"] = CannedID(kind)
		body["kind"] = kind
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) item(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := itemID(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "kind": kind})
	}
}

func (s *Server) itemAction(kind, status string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := itemID(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "kind": kind, "status": status})
	}
}

// itemID parses the {id} route parameter. Anything but a UUID is rejected
// with 422, as the backend's path validation does.
func itemID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Input should be a valid UUID")
		return "", false
	}
	return id.String(), true
}

// CannedID is the stable id the canned records of kind are served with.
func CannedID(kind string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("autoposter:"+kind)).String()
}

func (s *Server) publishDue(w http.ResponseWriter, _ *http.Request) {
	if s.killSwitch.Load() || !s.posting.Load() {
		writeJSON(w, http.StatusOK, map[string]any{"published": 0, "skipped": "posting disabled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"published": 0})
}

func (s *Server) adminConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"kill_switch":     s.killSwitch.Load(),
		"posting_enabled": s.posting.Load(),
	})
}

func (s *Server) toggle(flag interface{ Store(bool) }) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "state") {
		case "on":
			flag.Store(true)
		case "off":
			flag.Store(false)
		default:
			writeError(w, http.StatusNotFound, "Not Found")
			return
		}
		s.adminConfig(w, r)
	}
}

func (s *Server) pipelineOverview(w http.ResponseWriter, _ *http.Request) {
	counts := make(map[string]int, len(pipelineStatuses))
	for _, st := range pipelineStatuses {
		counts[st] = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) pipelineItems(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validStatus(status) {
		writeError(w, http.StatusBadRequest, "Invalid status: "+status)
		return
	}
	items := []map[string]any{}
	if status != "" {
		items = append(items, map[string]any{"id": CannedID("pipeline_item"), "status": status})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	var req struct {
		ToStatus string `json:"to_status"`
	}
	if err := decodeJSON(r, &req); err != nil || !validStatus(req.ToStatus) {
		writeError(w, http.StatusBadRequest, "Invalid status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.ToStatus})
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	if !pipelineAgents[agent] {
		writeError(w, http.StatusNotFound, "Unknown agent: "+agent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "status": "completed"})
}

func validStatus(status string) bool {
	return slices.Contains(pipelineStatuses, status)
}
