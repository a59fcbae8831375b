// Package ws implements the WebSocket endpoint approval reviewers connect to.
// Reviewers receive pending approvals as they are created and resolve them
// with approve or deny messages, in real time instead of polling the API.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/config"
	"github.com/jkaninda/actiongate/internal/protocol"
)

const (
	helloTimeout = 10 * time.Second
	writeTimeout = 5 * time.Second
	welcomeLimit = 100
)

// Server tracks connected reviewers. It implements approval.Notifier so the
// approval manager can push lifecycle changes to every reviewer.
type Server struct {
	approvals *approval.Manager
	cfg       *config.WebSocketGatewayConfig
	logger    *slog.Logger

	mu        sync.RWMutex
	reviewers map[*reviewer]struct{}
}

type reviewer struct {
	id   string
	conn *websocket.Conn
}

// NewServer creates a reviewer hub resolving approvals through m.
func NewServer(m *approval.Manager, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		approvals: m,
		cfg:       cfg,
		logger:    logger,
		reviewers: make(map[*reviewer]struct{}),
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// ReviewerCount returns the number of connected reviewers.
func (s *Server) ReviewerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reviewers)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg != nil && s.cfg.ReviewerToken != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.ReviewerToken)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	var rv *reviewer
	defer func() {
		if rv != nil {
			s.mu.Lock()
			delete(s.reviewers, rv)
			s.mu.Unlock()
			s.logger.Info("reviewer disconnected", slog.String("reviewer_id", rv.id))
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	reviewerID, err := s.waitForHello(ctx, conn)
	if err != nil {
		s.logger.Warn("reviewer hello failed", slog.String("error", err.Error()))
		return
	}
	rv = &reviewer{id: reviewerID, conn: conn}
	s.mu.Lock()
	s.reviewers[rv] = struct{}{}
	s.mu.Unlock()
	s.logger.Info("reviewer connected", slog.String("reviewer_id", reviewerID))

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, rv)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				s.logger.Warn("reviewer connection error",
					slog.String("reviewer_id", reviewerID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.sendError(ctx, rv, "invalid_message", "message is not a JSON envelope", "")
			continue
		}
		s.handleMessage(ctx, rv, &env)
	}
}

func (s *Server) waitForHello(ctx context.Context, conn *websocket.Conn) (string, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("parsing hello: %w", err)
	}
	if env.Type != protocol.MsgReviewerHello {
		return "", fmt.Errorf("expected %s, got %s", protocol.MsgReviewerHello, env.Type)
	}
	var hello protocol.HelloPayload
	if err := env.Decode(&hello); err != nil {
		return "", fmt.Errorf("parsing hello payload: %w", err)
	}
	if strings.TrimSpace(hello.ReviewerID) == "" {
		return "", errors.New("reviewer_id is required")
	}

	welcome := protocol.WelcomePayload{ReviewerID: hello.ReviewerID, Pending: []protocol.Approval{}}
	pending, err := s.approvals.List(ctx, true, welcomeLimit)
	if err != nil {
		s.logger.Warn("listing pending approvals failed", slog.String("error", err.Error()))
	}
	for _, pa := range pending {
		welcome.Pending = append(welcome.Pending, toProtocol(pa))
	}
	resp, _ := protocol.NewEnvelope(protocol.MsgWelcome, welcome)
	resp.ReviewerID = hello.ReviewerID
	if err := writeEnvelope(ctx, conn, resp); err != nil {
		return "", fmt.Errorf("sending welcome: %w", err)
	}
	return hello.ReviewerID, nil
}

func (s *Server) handleMessage(ctx context.Context, rv *reviewer, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgPong:
		// Liveness only.

	case protocol.MsgApprovalDecision:
		var d protocol.DecisionPayload
		if err := env.Decode(&d); err != nil || d.ApprovalID == "" {
			s.sendError(ctx, rv, "invalid_decision", "approval_id is required", d.ApprovalID)
			return
		}
		var err error
		switch d.Decision {
		case protocol.DecisionApprove:
			err = s.approvals.Approve(ctx, d.ApprovalID, rv.id)
		case protocol.DecisionDeny:
			err = s.approvals.Deny(ctx, d.ApprovalID, rv.id, d.Reason)
		default:
			s.sendError(ctx, rv, "invalid_decision", `decision must be "approve" or "deny"`, d.ApprovalID)
			return
		}
		if err != nil {
			code, msg := decisionError(err)
			if code == "internal" {
				s.logger.Error("resolving approval failed",
					slog.String("approval_id", d.ApprovalID),
					slog.String("error", err.Error()),
				)
			}
			s.sendError(ctx, rv, code, msg, d.ApprovalID)
			return
		}
		status := approval.StatusApproved
		if d.Decision == protocol.DecisionDeny {
			status = approval.StatusDenied
		}
		ack, _ := protocol.NewEnvelope(protocol.MsgDecisionAccepted, protocol.AcceptedPayload{
			ApprovalID: d.ApprovalID,
			Status:     status.String(),
		})
		s.write(ctx, rv, ack)

	default:
		s.logger.Warn("unknown message type from reviewer",
			slog.String("reviewer_id", rv.id),
			slog.String("type", string(env.Type)),
		)
		s.sendError(ctx, rv, "unknown_type", "unsupported message type "+string(env.Type), "")
	}
}

// ApprovalRequested pushes a new pending approval to every reviewer.
func (s *Server) ApprovalRequested(_ context.Context, pa *approval.PendingApproval) {
	s.broadcast(protocol.MsgApprovalRequested, toProtocol(pa))
}

// ApprovalResolved tells every reviewer an approval is no longer pending.
func (s *Server) ApprovalResolved(_ context.Context, pa *approval.PendingApproval) {
	s.broadcast(protocol.MsgApprovalResolved, toProtocol(pa))
}

// broadcast writes to every reviewer on its own goroutine; notifiers must
// not block the approval manager.
func (s *Server) broadcast(t protocol.MessageType, payload protocol.Approval) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return
	}
	s.mu.RLock()
	targets := make([]*reviewer, 0, len(s.reviewers))
	for rv := range s.reviewers {
		targets = append(targets, rv)
	}
	s.mu.RUnlock()

	for _, rv := range targets {
		go s.write(context.Background(), rv, env)
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, rv *reviewer) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.write(ctx, rv, env); err != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(ctx context.Context, rv *reviewer, code, msg, approvalID string) {
	env, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
		Code:       code,
		Message:    msg,
		ApprovalID: approvalID,
	})
	s.write(ctx, rv, env)
}

func (s *Server) write(ctx context.Context, rv *reviewer, env *protocol.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	env.ReviewerID = rv.id
	if err := writeEnvelope(ctx, rv.conn, env); err != nil {
		s.logger.Debug("reviewer write failed",
			slog.String("reviewer_id", rv.id),
			slog.String("type", string(env.Type)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func decisionError(err error) (code, msg string) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return "not_found", "approval not found"
	case errors.Is(err, approval.ErrExpired):
		return "expired", "approval expired"
	case errors.Is(err, approval.ErrAlreadyResolved):
		return "already_resolved", "approval already resolved"
	default:
		return "internal", "approval error"
	}
}

func toProtocol(pa *approval.PendingApproval) protocol.Approval {
	return protocol.Approval{
		ID:          pa.ID,
		RunID:       pa.RunID,
		UserID:      pa.UserID,
		Description: pa.Description,
		Method:      pa.Method,
		Endpoint:    pa.Endpoint,
		Category:    pa.Category,
		RiskLevel:   pa.RiskLevel,
		Params:      pa.Params,
		Status:      pa.Status.String(),
		ResolvedBy:  pa.ResolvedBy,
		Reason:      pa.Reason,
		ExpiresAt:   pa.ExpiresAt,
	}
}

var _ approval.Notifier = (*Server)(nil)
