package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/platform/timeouts"
	"github.com/louisbranch/crowdstage/internal/storage"
)

const (
	maxFramePayloadBytes   = 4 * 1024
	maxFramesPerSecond     = 20
	maxDecodeErrorsPerConn = 3

	maxChoiceLabelRunes = 120
)

// Client-to-server frame types. The names are the wire contract shared with
// the participant and presentation pages.
const (
	frameMakeChoice      = "makeChoice"
	frameRemoveTopChoice = "removeTopChoice"
	frameResetChoices    = "resetChoices"
	frameStageChange     = "stageChange"
)

// Server-to-client frame types.
const (
	frameCollectiveUpdate = "updateCollectiveChoices"
	frameLatestChoice     = "broadcastLatestChoice"
	frameStageUpdate      = "stageUpdate"
	frameError            = "stage.error"
)

// Config defines the inputs for the stage transport boundary.
type Config struct {
	HTTPAddr          string
	Dwell             time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the stage HTTP/WebSocket process. Collective state is owned
// by the injected store; the server only caches it between change
// notifications and re-emits to locally attached sessions.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	hub             *hub
	watchStop       context.CancelFunc
	watchDone       chan struct{}
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type choicePayload struct {
	Choice string `json:"choice"`
}

type stageChangePayload struct {
	Stage int `json:"stage"`
}

type stageUpdatePayload struct {
	Stage   int `json:"stage"`
	Targets int `json:"targets"`
}

// wsPeer serializes frame writes onto one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encodeLocked(frame)
}

// encodeLocked writes a frame while the caller already holds p.mu, so a
// sequence of frames can be kept contiguous on the wire.
func (p *wsPeer) encodeLocked(frame wsFrame) error {
	return p.encoder.Encode(frame)
}

// NewServer builds a configured stage server around an injected store.
func NewServer(store storage.Store, config Config) (*Server, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Dwell <= 0 {
		config.Dwell = timeouts.Dwell
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	h := newHub(store, config.Dwell)

	watchCtx, watchStop := context.WithCancel(context.Background())
	watchDone := startStoreSubscriptions(watchCtx, store, h, timeouts.WatchRetry)

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(h),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		hub:             h,
		watchStop:       watchStop,
		watchDone:       watchDone,
	}, nil
}

// Run creates and serves a stage server until the context ends.
func Run(ctx context.Context, store storage.Store, config Config) error {
	server, err := NewServer(store, config)
	if err != nil {
		return fmt.Errorf("init stage server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve stage: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("stage server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("stage server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close stops the watch workers and releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.watchStop != nil {
		s.watchStop()
	}
	if s.watchDone != nil {
		<-s.watchDone
	}
	if s.hub != nil {
		s.hub.closeAllSessions()
	}
}

// newHandler creates the stage routes around a hub. Exposed separately so
// transport tests can drive a hub without a full Server.
func newHandler(h *hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func sessionRoleFromRequest(r *http.Request) sessionRole {
	if r == nil {
		return roleParticipant
	}
	if strings.EqualFold(r.URL.Query().Get("role"), string(rolePresentation)) {
		return rolePresentation
	}
	return roleParticipant
}

func handleWSConn(conn *websocket.Conn, h *hub) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	role := sessionRoleFromRequest(conn.Request())

	sess := h.register(role, peer)
	defer h.unregister(sess.id)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameMakeChoice:
			handleMakeChoiceFrame(h, sess, frame)
		case frameRemoveTopChoice:
			handleRemoveTopFrame(h, sess, frame)
		case frameResetChoices:
			h.resetChoices(sess)
		case frameStageChange:
			handleStageChangeFrame(h, sess, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleMakeChoiceFrame(h *hub, sess *session, frame wsFrame) {
	label, ok := decodeChoiceLabel(sess.peer, frame)
	if !ok {
		return
	}
	h.makeChoice(sess, label)
}

func handleRemoveTopFrame(h *hub, sess *session, frame wsFrame) {
	label, ok := decodeChoiceLabel(sess.peer, frame)
	if !ok {
		return
	}
	h.removeTopChoice(sess, label)
}

func handleStageChangeFrame(h *hub, sess *session, frame wsFrame) {
	var payload stageChangePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid stage payload")
		return
	}
	stage := choice.Stage(payload.Stage)
	if !stage.Valid() {
		log.Printf("stage: ignoring out-of-range stage %d from session %s", payload.Stage, sess.id)
		_ = writeWSError(sess.peer, frame.RequestID, "INVALID_ARGUMENT", "stage must be between 0 and 4")
		return
	}
	h.changeStage(sess, stage)
}

func decodeChoiceLabel(peer *wsPeer, frame wsFrame) (string, bool) {
	var payload choicePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid choice payload")
		return "", false
	}
	label := strings.TrimSpace(payload.Choice)
	if label == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "choice is required")
		return "", false
	}
	if utf8.RuneCountInString(label) > maxChoiceLabelRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "choice must be at most 120 characters")
		return "", false
	}
	return label, true
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
