package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/Devyani-Patil2/Instant-Undo-System/internal/undo"
)

const maxBodyBytes int64 = 1 << 20

// Server exposes the lifecycle engine over REST and websocket. Both surfaces
// funnel into the same two engine entry points, Create and Resolve.
type Server struct {
	engine *undo.Engine
	hub    *Hub
	log    zerolog.Logger
	schema *jsonschema.Schema
	router *mux.Router
}

func NewServer(engine *undo.Engine, hub *Hub, log zerolog.Logger) (*Server, error) {
	if engine == nil || hub == nil {
		return nil, undo.ErrInvalidInput
	}
	schema, err := compileInterceptSchema()
	if err != nil {
		return nil, err
	}
	s := &Server{
		engine: engine,
		hub:    hub,
		log:    log,
		schema: schema,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/action", s.handleCreateAction).Methods(http.MethodPost)
	r.HandleFunc("/api/action/{id}/undo", s.resolveHandler(undo.ResolveUndo)).Methods(http.MethodPost)
	r.HandleFunc("/api/action/{id}/commit", s.resolveHandler(undo.ResolveCommit)).Methods(http.MethodPost)
	r.HandleFunc("/api/settings", s.handleGetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", s.handleUpdateSettings).Methods(http.MethodPost)
	r.HandleFunc("/api/logs", s.handleGetLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/logs", s.handleClearLogs).Methods(http.MethodDelete)
	r.HandleFunc("/api/stats", s.handleGetStats).Methods(http.MethodGet)
	r.HandleFunc("/api/pending", s.handleGetPending).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
	s.router = r
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.hub.SessionCount(),
	})
}

func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := s.decodeCreateRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	action, err := s.engine.Create(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to intercept action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "action": action})
}

func (s *Server) resolveHandler(mode undo.ResolveMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		res, err := s.engine.Resolve(r.Context(), id, mode)
		if errors.Is(err, undo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Action not found or already processed")
			return
		}
		if errors.Is(err, undo.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid action id")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to resolve action")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  res.Status,
			"log":     res.Log,
		})
	}
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("userId")
	writeJSON(w, http.StatusOK, map[string]any{
		"graceWindow": s.engine.SettingFor(ownerID),
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerID     string `json:"userId"`
		GraceWindow *int   `json:"graceWindow"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OwnerID == "" || req.GraceWindow == nil {
		writeError(w, http.StatusBadRequest, "UserId required")
		return
	}
	stored, err := s.engine.UpdateSetting(req.OwnerID, *req.GraceWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, "UserId required")
		return
	}
	s.log.Info().Str("userId", req.OwnerID).Int("graceWindow", stored).Msg("settings updated")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "graceWindow": stored})
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.engine.Logs(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "logs": logs})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("userId")
	err := s.engine.ClearLogs(r.Context(), ownerID)
	if errors.Is(err, undo.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, "UserId required")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to clear logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Logs cleared"})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stats": stats})
}

func (s *Server) handleGetPending(w http.ResponseWriter, r *http.Request) {
	actions, err := s.engine.Pending(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load pending actions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "actions": actions})
}

// decodeCreateRequest validates the raw payload against the intercept schema
// before binding it, so type mismatches fail cleanly instead of half-decoding.
func (s *Server) decodeCreateRequest(body []byte) (undo.CreateRequest, error) {
	if len(body) == 0 {
		body = []byte("{}")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return undo.CreateRequest{}, errors.New("invalid JSON payload")
	}
	if err := s.schema.Validate(doc); err != nil {
		return undo.CreateRequest{}, errors.New("payload failed validation")
	}
	var req undo.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return undo.CreateRequest{}, errors.New("invalid JSON payload")
	}
	return req, nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	ownerID := r.URL.Query().Get("userId")
	sess := s.hub.add(ownerID)
	defer s.hub.remove(sess)
	s.log.Info().Str("userId", ownerID).Msg("client connected")

	ctx := r.Context()
	snapshot, err := s.engine.Snapshot(ctx, ownerID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "snapshot failed")
		return
	}
	if err := wsjson.Write(ctx, conn, outboundFrame{Event: "init", Data: snapshot}); err != nil {
		return
	}

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for frame := range sess.ch {
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				return
			}
		}
	}()

	for {
		var frame inboundFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			s.log.Info().Str("userId", ownerID).Msg("client disconnected")
			return
		}
		s.dispatchClientFrame(ctx, ownerID, frame)
	}
}

// dispatchClientFrame routes a client event into the engine. Resolution
// outcomes travel back over the broadcast, not as a reply; a NotFound just
// means someone else already resolved the action.
func (s *Server) dispatchClientFrame(ctx context.Context, ownerID string, frame inboundFrame) {
	switch frame.Event {
	case "intercept":
		req, err := s.decodeCreateRequest(frame.Data)
		if err != nil {
			s.log.Warn().Err(err).Str("userId", ownerID).Msg("rejected intercept frame")
			return
		}
		if req.OwnerID == "" {
			req.OwnerID = ownerID
		}
		if _, err := s.engine.Create(ctx, req); err != nil {
			s.log.Warn().Err(err).Str("userId", ownerID).Msg("failed to intercept from websocket")
		}
	case "undo", "commit":
		id, ok := decodeActionID(frame.Data)
		if !ok {
			s.log.Warn().Str("userId", ownerID).Msg("rejected resolve frame without id")
			return
		}
		mode := undo.ResolveUndo
		if frame.Event == "commit" {
			mode = undo.ResolveCommit
		}
		if _, err := s.engine.Resolve(ctx, id, mode); err != nil && !errors.Is(err, undo.ErrNotFound) {
			s.log.Warn().Err(err).Str("actionId", id).Msg("failed to resolve from websocket")
		}
	default:
		s.log.Warn().Str("event", frame.Event).Msg("unknown websocket event")
	}
}

// decodeActionID accepts either a bare JSON string or an {"id": ...} object,
// matching what different client versions send.
func decodeActionID(data json.RawMessage) (string, bool) {
	var id string
	if err := json.Unmarshal(data, &id); err == nil && id != "" {
		return id, true
	}
	var wrapped struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.ID != "" {
		return wrapped.ID, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}
