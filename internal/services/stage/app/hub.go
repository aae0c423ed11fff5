package server

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/louisbranch/crowdstage/internal/choice"
	"github.com/louisbranch/crowdstage/internal/platform/timeouts"
	"github.com/louisbranch/crowdstage/internal/storage"
)

type sessionRole string

const (
	roleParticipant  sessionRole = "participant"
	rolePresentation sessionRole = "presentation"
)

type session struct {
	id   string
	role sessionRole
	peer *wsPeer
}

// hub is the per-instance registry of connected sessions. It owns a
// non-authoritative cache of the two store records, refreshed by the watch
// loop, and applies the active stage's policy to inbound choice events.
// A single rotator per hub keeps the dwell clock shared by every attached
// presentation session.
type hub struct {
	store   storage.Store
	rotator *rotator

	mu       sync.Mutex
	sessions map[string]*session
	stage    choice.Stage
	choices  choice.CollectiveState
}

func newHub(store storage.Store, dwell time.Duration) *hub {
	h := &hub{
		store:    store,
		sessions: make(map[string]*session),
		stage:    choice.StageSolo,
		choices:  choice.Zero(),
	}
	h.rotator = newRotator(dwell, h.retireTopChoice)
	h.primeCache()
	return h
}

// primeCache loads both records once so policy decisions made before the
// first change notification see the store's state, not zero values.
func (h *hub) primeCache() {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()

	stage, err := h.store.GetStage(ctx)
	if err != nil {
		log.Printf("stage: prime stage cache: %v", err)
	}
	state, err := h.store.GetChoices(ctx)
	if err != nil {
		log.Printf("stage: prime choices cache: %v", err)
		state = choice.Zero()
	}

	h.mu.Lock()
	h.stage = stage
	h.choices = state
	h.mu.Unlock()

	h.rotator.stageChanged(stage)
	if stage.Aggregates() {
		h.rotator.observe(state)
	}
}

// register adds a session. Presentation sessions immediately receive the
// current stage and, in the aggregating stage, the collective snapshot so
// late joiners never wait for the next write.
func (h *hub) register(role sessionRole, peer *wsPeer) *session {
	sess := &session{
		id:   uuid.NewString(),
		role: role,
		peer: peer,
	}

	if role != rolePresentation {
		h.mu.Lock()
		h.sessions[sess.id] = sess
		h.mu.Unlock()
		log.Printf("stage: session %s connected role=%s", sess.id, role)
		return sess
	}

	// Welcome frames come from the watch-maintained cache, snapshotted in
	// the same critical section that makes the session visible to
	// broadcasts. Holding the peer's write lock across both keeps any
	// concurrent broadcast from landing before an older welcome.
	peer.mu.Lock()
	h.mu.Lock()
	h.sessions[sess.id] = sess
	stage := h.stage
	state := h.choices
	h.mu.Unlock()

	_ = peer.encodeLocked(stageUpdateFrame(stage))
	if stage.Aggregates() {
		_ = peer.encodeLocked(collectiveUpdateFrame(state))
	}
	peer.mu.Unlock()

	log.Printf("stage: session %s connected role=%s", sess.id, role)
	return sess
}

func (h *hub) unregister(sessionID string) {
	h.mu.Lock()
	_, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()
	if !ok {
		return
	}
	log.Printf("stage: session %s disconnected", sessionID)
}

// makeChoice applies the active stage's policy to one submitted label.
// The aggregating stage writes to the store and lets the watch loop fan
// out, so every instance converges on exactly what the store holds. The
// passthrough stages broadcast straight to this instance's presentation
// sessions and persist nothing.
func (h *hub) makeChoice(sess *session, label string) {
	stage := h.currentStage()
	if stage.Aggregates() {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
		defer cancel()
		if _, err := h.store.AppendChoice(ctx, label); err != nil {
			log.Printf("stage: append choice from session %s: %v", sess.id, err)
		}
		return
	}

	h.broadcastToPresentation(wsFrame{
		Type:    frameLatestChoice,
		Payload: mustJSON(choicePayload{Choice: label}),
	})
}

// removeTopChoice retires a displayed aggregate label. Only meaningful in
// the aggregating stage; elsewhere the request is dropped with a log note.
func (h *hub) removeTopChoice(sess *session, label string) {
	if !h.currentStage().Aggregates() {
		log.Printf("stage: ignoring removeTopChoice from session %s outside aggregating stage", sess.id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	if _, err := h.store.RemoveChoice(ctx, label); err != nil {
		log.Printf("stage: remove choice from session %s: %v", sess.id, err)
	}
}

func (h *hub) resetChoices(sess *session) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	if err := h.store.ResetChoices(ctx); err != nil {
		log.Printf("stage: reset choices from session %s: %v", sess.id, err)
	}
}

// changeStage persists a validated stage. Fan-out happens via the watch
// loop so presentation sessions on every instance see the same stage, even
// when the change originated elsewhere.
func (h *hub) changeStage(sess *session, stage choice.Stage) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	if err := h.store.PutStage(ctx, stage); err != nil {
		log.Printf("stage: stage change from session %s: %v", sess.id, err)
	}
}

// retireTopChoice is the rotator's removal callback.
func (h *hub) retireTopChoice(label string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
	defer cancel()
	if _, err := h.store.RemoveChoice(ctx, label); err != nil {
		log.Printf("stage: retire top choice %q: %v", label, err)
	}
}

// applyNotification consumes one store change notification: refresh the
// local cache (re-fetching when the value is unknown) and re-emit to the
// locally registered presentation sessions.
func (h *hub) applyNotification(notification storage.Notification) {
	switch notification.Key {
	case storage.KeyCollectiveChoices:
		h.applyChoicesNotification(notification)
	case storage.KeyCurrentStage:
		h.applyStageNotification(notification)
	default:
		log.Printf("stage: notification for unknown key %q", notification.Key)
	}
}

func (h *hub) applyChoicesNotification(notification storage.Notification) {
	var state choice.CollectiveState
	if notification.Unknown || notification.Choices == nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
		defer cancel()
		fetched, err := h.store.GetChoices(ctx)
		if err != nil {
			log.Printf("stage: re-fetch choices after unknown notification: %v", err)
			return
		}
		state = fetched
	} else {
		state = *notification.Choices
	}

	h.mu.Lock()
	h.choices = state
	stage := h.stage
	presentations := h.presentationSessionsLocked()
	h.mu.Unlock()

	if !stage.Aggregates() {
		return
	}
	frame := collectiveUpdateFrame(state)
	for _, sess := range presentations {
		_ = sess.peer.writeFrame(frame)
	}
	h.rotator.observe(state)
}

func (h *hub) applyStageNotification(notification storage.Notification) {
	var stage choice.Stage
	if notification.Unknown || notification.Stage == nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOp)
		defer cancel()
		fetched, err := h.store.GetStage(ctx)
		if err != nil {
			log.Printf("stage: re-fetch stage after unknown notification: %v", err)
			return
		}
		stage = fetched
	} else {
		stage = *notification.Stage
	}

	h.mu.Lock()
	previous := h.stage
	h.stage = stage
	state := h.choices
	presentations := h.presentationSessionsLocked()
	h.mu.Unlock()

	frame := stageUpdateFrame(stage)
	for _, sess := range presentations {
		_ = sess.peer.writeFrame(frame)
	}
	h.rotator.stageChanged(stage)

	// Returning to the aggregating stage resyncs displays with the cached
	// snapshot; passthrough stages carry no collective view to restore.
	if stage.Aggregates() && !previous.Aggregates() {
		snapshot := collectiveUpdateFrame(state)
		for _, sess := range presentations {
			_ = sess.peer.writeFrame(snapshot)
		}
		h.rotator.observe(state)
	}
}

func (h *hub) broadcastToPresentation(frame wsFrame) {
	h.mu.Lock()
	presentations := h.presentationSessionsLocked()
	h.mu.Unlock()
	for _, sess := range presentations {
		_ = sess.peer.writeFrame(frame)
	}
}

func (h *hub) presentationSessionsLocked() []*session {
	presentations := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		if sess.role == rolePresentation {
			presentations = append(presentations, sess)
		}
	}
	return presentations
}

func (h *hub) currentStage() choice.Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

func (h *hub) closeAllSessions() {
	h.rotator.stop()
	h.mu.Lock()
	h.sessions = make(map[string]*session)
	h.mu.Unlock()
}

func collectiveUpdateFrame(state choice.CollectiveState) wsFrame {
	return wsFrame{
		Type:    frameCollectiveUpdate,
		Payload: mustJSON(state.Normalize()),
	}
}

func stageUpdateFrame(stage choice.Stage) wsFrame {
	return wsFrame{
		Type: frameStageUpdate,
		Payload: mustJSON(stageUpdatePayload{
			Stage:   int(stage),
			Targets: stage.TargetCount(),
		}),
	}
}
