// Package socket is the websocket transport for the coaching pipeline. It
// speaks the typed JSON frame protocol, owns per-user connection state
// through the ConnectionRegistry, and hands fully-assembled turn requests to
// the pipeline factory. The kernel never sees a websocket.
package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/cadenza-ai/cadenza/internal/observe"
	"github.com/cadenza-ai/cadenza/internal/pipeline"
	"github.com/cadenza-ai/cadenza/internal/pipeline/stages"
	"github.com/cadenza-ai/cadenza/internal/store"
	"github.com/cadenza-ai/cadenza/pkg/types"
)

// maxTrackedSkills bounds the skillIds list a client may attach to one turn.
const maxTrackedSkills = 10

// SessionStore is the slice of the store the socket layer needs. *store.Store
// satisfies it.
type SessionStore interface {
	CreateSession(ctx context.Context, sess store.Session) error
	TouchSession(ctx context.Context, id string) error
	ListSkills(ctx context.Context, userID string) ([]store.Skill, error)
}

// Server accepts websocket connections and drives pipeline turns for them.
type Server struct {
	factory  *stages.Factory
	orch     *pipeline.Orchestrator
	registry *ConnectionRegistry
	sessions SessionStore
	auth     Authenticator

	defaultBehavior types.Behavior
	insecureOrigins bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithDefaultBehavior sets the behavior used when a connection has not called
// settings.setPipelineMode. Default: fast.
func WithDefaultBehavior(b types.Behavior) ServerOption {
	return func(s *Server) { s.defaultBehavior = b }
}

// WithInsecureOrigins disables websocket origin checks for local development.
func WithInsecureOrigins() ServerOption {
	return func(s *Server) { s.insecureOrigins = true }
}

// NewServer wires the socket server.
func NewServer(factory *stages.Factory, orch *pipeline.Orchestrator, registry *ConnectionRegistry, sessions SessionStore, auth Authenticator, opts ...ServerOption) *Server {
	s := &Server{
		factory:         factory,
		orch:            orch,
		registry:        registry,
		sessions:        sessions,
		auth:            auth,
		defaultBehavior: types.BehaviorFast,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: s.insecureOrigins,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusInternalError, "closed")

	c := &conn{
		server:    s,
		ws:        ws,
		behavior:  s.defaultBehavior,
		completed: make(map[string]bool),
	}
	c.run(r.Context())
	ws.Close(websocket.StatusNormalClosure, "")
}

// conn is one client connection's state and write path.
type conn struct {
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex

	userID   string
	orgID    string
	behavior types.Behavior

	// completed tracks message IDs whose chat.complete has been sent, so a
	// replayed request cannot produce a second one.
	completedMu sync.Mutex
	completed   map[string]bool
}

// run is the read loop. Turns run in their own goroutines so voice.cancel can
// barge in while a pipeline is streaming.
func (c *conn) run(ctx context.Context) {
	defer func() {
		if c.userID != "" {
			c.server.registry.DropRecording(c.userID)
			c.server.registry.CancelPipeline(c.userID)
			c.server.registry.ClearPipeline(c.userID)
		}
	}()

	for {
		_, raw, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		frame, err := DecodeFrame(raw)
		if err != nil {
			c.sendError(ctx, CodeBadPayload, "malformed frame", "", "")
			continue
		}
		c.dispatch(ctx, frame)
	}
}

func (c *conn) dispatch(ctx context.Context, f *Frame) {
	if f.Type == TypeAuth {
		c.handleAuth(ctx, f)
		return
	}
	if c.userID == "" {
		c.sendError(ctx, CodeNotAuthenticated, "authenticate first", "", "")
		return
	}

	switch f.Type {
	case TypeSetMode:
		c.handleSetMode(ctx, f)
	case TypeChatMessage:
		c.handleChat(ctx, f, false)
	case TypeChatTyped:
		c.handleChat(ctx, f, true)
	case TypeVoiceStart:
		c.handleVoiceStart(ctx, f)
	case TypeVoiceChunk:
		c.handleVoiceChunk(ctx, f)
	case TypeVoiceEnd:
		c.handleVoiceEnd(ctx, f)
	case TypeVoiceCancel:
		c.handleVoiceCancel(ctx)
	default:
		c.sendError(ctx, CodeUnknownType, fmt.Sprintf("unknown frame type %q", f.Type), "", "")
	}
}

func (c *conn) handleAuth(ctx context.Context, f *Frame) {
	var p AuthPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed auth payload", "", "")
		return
	}
	userID, orgID, err := c.server.auth.Authenticate(ctx, p.Token)
	if err != nil {
		observe.Logger(ctx).Warn("socket auth failed", "error", err)
		c.sendError(ctx, CodeNotAuthenticated, "authentication failed", "", "")
		return
	}
	c.userID, c.orgID = userID, orgID
	c.send(ctx, TypeAuthSuccess, AuthSuccessPayload{UserID: userID, OrgID: orgID}, nil)
}

func (c *conn) handleSetMode(ctx context.Context, f *Frame) {
	var p SetModePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed mode payload", "", "")
		return
	}
	switch types.Behavior(p.Mode) {
	case types.BehaviorFast, types.BehaviorAccurate, types.BehaviorAccurateFiller:
		c.behavior = types.Behavior(p.Mode)
	default:
		c.sendError(ctx, CodeBadPayload, fmt.Sprintf("unknown pipeline mode %q", p.Mode), "", "")
		return
	}
	c.send(ctx, TypeModeSet, ModeSetPayload{EffectiveMode: string(c.behavior)}, nil)
}

func (c *conn) handleVoiceStart(ctx context.Context, f *Frame) {
	var p VoiceStartPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed voice.start payload", "", "")
		return
	}
	if len(p.SkillIDs) > maxTrackedSkills {
		c.sendError(ctx, CodeBadPayload, "too many tracked skills", p.RequestID, "")
		return
	}

	// A new utterance supersedes any pipeline still streaming for this user.
	c.server.registry.CancelPipeline(c.userID)

	sessionID, err := c.ensureSession(ctx, p.SessionID)
	if err != nil {
		c.sendError(ctx, CodeVoiceError, "session unavailable", p.RequestID, "")
		return
	}

	rec, err := newRecordingState(p.Format)
	if err != nil {
		c.sendError(ctx, CodeBadPayload, err.Error(), p.RequestID, "")
		return
	}
	rec.SessionID = sessionID
	rec.RequestID = p.RequestID
	rec.SkillIDs = p.SkillIDs
	if err := c.server.registry.StartRecording(c.userID, rec); err != nil {
		c.sendError(ctx, CodeVoiceError, "buffered audio could not be decoded", p.RequestID, "")
		return
	}
	c.send(ctx, TypeStatusUpdate, StatusUpdatePayload{Service: "mic", Status: "recording"}, &Metadata{RequestID: p.RequestID, OrgID: c.orgID})
}

func (c *conn) handleVoiceChunk(ctx context.Context, f *Frame) {
	var p VoiceChunkPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed voice.chunk payload", "", "")
		return
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		c.sendError(ctx, CodeBadPayload, "voice chunk is not valid base64", "", "")
		return
	}
	if err := c.server.registry.AppendChunk(c.userID, data); err != nil {
		c.sendError(ctx, CodeBadPayload, "voice chunk could not be decoded", "", "")
	}
}

func (c *conn) handleVoiceEnd(ctx context.Context, f *Frame) {
	var p VoiceEndPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed voice.end payload", "", "")
		return
	}
	rec, ok := c.server.registry.EndRecording(c.userID)
	if !ok {
		c.sendError(ctx, CodeBadPayload, "no open recording", p.RequestID, "")
		return
	}
	requestID := p.RequestID
	if requestID == "" {
		requestID = rec.RequestID
	}
	go c.runVoiceTurn(context.WithoutCancel(ctx), rec, requestID, p.MessageID)
}

func (c *conn) handleVoiceCancel(ctx context.Context) {
	c.server.registry.DropRecording(c.userID)
	cancelled := c.server.registry.CancelPipeline(c.userID)
	c.send(ctx, TypeStatusUpdate, StatusUpdatePayload{
		Service:  "mic",
		Status:   "idle",
		Metadata: map[string]any{"pipeline_cancelled": cancelled},
	}, nil)
}

func (c *conn) handleChat(ctx context.Context, f *Frame, typed bool) {
	var p ChatPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.sendError(ctx, CodeBadPayload, "malformed chat payload", "", "")
		return
	}
	if strings.TrimSpace(p.Content) == "" {
		c.sendError(ctx, CodeBadPayload, "empty message", p.RequestID, "")
		return
	}
	if len(p.SkillIDs) > maxTrackedSkills {
		c.sendError(ctx, CodeBadPayload, "too many tracked skills", p.RequestID, "")
		return
	}
	sessionID, err := c.ensureSession(ctx, p.SessionID)
	if err != nil {
		c.sendError(ctx, CodeChatError, "session unavailable", p.RequestID, "")
		return
	}
	p.SessionID = sessionID
	go c.runChatTurn(context.WithoutCancel(ctx), p, typed)
}

// ensureSession resolves the client-supplied session or creates one,
// announcing it with session.created.
func (c *conn) ensureSession(ctx context.Context, sessionID string) (string, error) {
	if sessionID != "" {
		if err := c.server.sessions.TouchSession(ctx, sessionID); err != nil {
			return "", err
		}
		return sessionID, nil
	}
	sessionID = newID()
	err := c.server.sessions.CreateSession(ctx, store.Session{
		ID:       sessionID,
		UserID:   c.userID,
		OrgID:    c.orgID,
		Service:  "cadenza",
		Behavior: string(c.behavior),
	})
	if err != nil {
		return "", fmt.Errorf("socket: create session: %w", err)
	}
	c.send(ctx, TypeSessionCreated, SessionCreatedPayload{SessionID: sessionID}, nil)
	return sessionID, nil
}

// markCompleted reports whether the chat.complete for key has already been
// sent, recording it otherwise.
func (c *conn) markCompleted(key string) bool {
	c.completedMu.Lock()
	defer c.completedMu.Unlock()
	if c.completed[key] {
		return true
	}
	c.completed[key] = true
	return false
}

// send writes one frame. Write access is serialized; concurrent turns share
// the connection.
func (c *conn) send(ctx context.Context, frameType string, payload any, md *Metadata) {
	raw, err := EncodeFrame(frameType, payload, md)
	if err != nil {
		slog.Error("frame encode failed", "type", frameType, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, raw); err != nil {
		slog.Debug("frame write failed", "type", frameType, "error", err)
	}
}

func (c *conn) sendError(ctx context.Context, code, message, requestID, runID string) {
	c.send(ctx, TypeError, ErrorPayload{
		Code:          code,
		Message:       message,
		RequestID:     requestID,
		PipelineRunID: runID,
	}, &Metadata{RequestID: requestID, PipelineRunID: runID, OrgID: c.orgID})
}
