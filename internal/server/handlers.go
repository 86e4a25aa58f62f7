package server

import (
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guibros/companion-bridge/internal/common/config"
	"github.com/guibros/companion-bridge/internal/common/errors"
	"github.com/guibros/companion-bridge/internal/common/logger"
	"github.com/guibros/companion-bridge/internal/contextmgr"
	"github.com/guibros/companion-bridge/internal/session"
)

// busyPollInterval paces the wait for a session occupied by a previous
// request.
const busyPollInterval = 500 * time.Millisecond

// Handler carries the dependencies of the HTTP endpoints.
type Handler struct {
	cfg     *config.Config
	pool    *session.Pool
	ctxmgr  *contextmgr.Manager
	version string
	logger  *logger.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(cfg *config.Config, pool *session.Pool, cm *contextmgr.Manager, version string, log *logger.Logger) *Handler {
	return &Handler{
		cfg:     cfg,
		pool:    pool,
		ctxmgr:  cm,
		version: version,
		logger:  log,
	}
}

// deriveSessionKey picks the pool key for a request. Per-request ids and
// system prompts are deliberately excluded: both change turn-to-turn and
// would defeat session reuse.
func deriveSessionKey(headerKey, model string) string {
	if headerKey != "" {
		return "key:" + headerKey
	}
	if model != "" {
		return "model:" + model
	}
	return "default"
}

// approvalWords are tool-verdict contents meaning "approve", compared after
// stripping non-letters and lowercasing.
var approvalWords = map[string]bool{
	"approved": true,
	"allow":    true,
	"allowed":  true,
	"yes":      true,
	"true":     true,
	"ok":       true,
	"accept":   true,
	"permit":   true,
	"granted":  true,
}

func isApproval(content string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(content) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return approvalWords[b.String()]
}

// Health reports adapter status and a snapshot of every pooled session.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        h.version,
		"companion":      h.cfg.Companion.URL,
		"cwd":            h.cfg.Companion.CWD,
		"toolMode":       h.cfg.Tools.Mode,
		"permissionMode": h.cfg.Companion.PermissionMode,
		"model":          h.cfg.Companion.ModelName,
		"sessions":       h.pool.List(),
	})
}

// Models serves the OpenAI model list with the single configured model.
func (h *Handler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data": []gin.H{{
			"id":       h.cfg.Companion.ModelName,
			"object":   "model",
			"created":  time.Now().Unix(),
			"owned_by": "companion-bridge",
		}},
	})
}

// ListSessions serves the pool diagnostics view.
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": h.pool.List()})
}

// DeleteSession destroys the session for a pool key.
func (h *Handler) DeleteSession(c *gin.Context) {
	key := c.Param("key")
	h.pool.Destroy(key, "client delete")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ChatCompletions is the request dispatcher: it validates the body, derives
// the pool key, and routes between the command interceptor, tool-verdict
// forwarding, and the regular prompt path.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.BadRequest("invalid request body: " + err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		c.Error(errors.BadRequest(err.Error()))
		return
	}

	key := deriveSessionKey(c.GetHeader("X-Session-Key"), req.Model)
	prompt := req.LatestUserText()
	if strings.TrimSpace(prompt) == "" {
		c.Error(errors.BadRequest("no user message with text content found"))
		return
	}

	if isBridgeCommand(prompt) {
		h.handleBridgeCommand(c, &req, key, prompt)
		return
	}

	if toolMsgs := req.ToolMessages(); len(toolMsgs) > 0 {
		if s, ok := h.pool.Lookup(key); ok && s.State() == session.StateWaitingToolDecision {
			h.handleToolDecisions(c, &req, s, toolMsgs)
			return
		}
	}

	h.handlePrompt(c, &req, key, prompt)
}

func (h *Handler) handleBridgeCommand(c *gin.Context, req *ChatCompletionRequest, key, prompt string) {
	text := h.bridgeCommandText(key, prompt)
	if req.Stream {
		stream := newSSEStream(c, h.reportedModel(req.Model), h.logger)
		defer stream.close()
		stream.finishText(text)
		return
	}
	c.JSON(http.StatusOK, textCompletion(text, h.reportedModel(req.Model)))
}

func (h *Handler) handleToolDecisions(c *gin.Context, req *ChatCompletionRequest, s *session.Session, toolMsgs []ChatMessage) {
	decisions := make([]session.ToolDecision, 0, len(toolMsgs))
	for _, m := range toolMsgs {
		content := m.Text()
		approved := isApproval(content)
		message := ""
		if !approved {
			message = strings.TrimSpace(content)
			if message == "" {
				message = "Denied by client"
			}
		}
		decisions = append(decisions, session.ToolDecision{
			ToolCallID: m.ToolCallID,
			Approved:   approved,
			Message:    message,
		})
	}

	if req.Stream {
		stream := newSSEStream(c, h.reportedModel(req.Model), h.logger)
		defer stream.close()
		s.SetProgressSink(stream.onProgress)
		defer s.SetProgressSink(nil)

		resp, err := s.ResumeWithToolResults(decisions)
		if err != nil {
			stream.fail(err.Error())
			return
		}
		stream.finish(resp)
		return
	}

	resp, err := s.ResumeWithToolResults(decisions)
	if err != nil {
		c.Error(h.sessionError(err))
		return
	}
	c.JSON(http.StatusOK, completionFrom(resp, h.reportedModel(req.Model)))
}

func (h *Handler) handlePrompt(c *gin.Context, req *ChatCompletionRequest, key, prompt string) {
	if req.Stream {
		stream := newSSEStream(c, h.reportedModel(req.Model), h.logger)
		defer stream.close()

		s, err := h.awaitReady(key, req.Model, func() {
			stream.sendDecoration("\n_⏳ Previous task still running; waiting for it to finish..._\n\n")
		})
		if err != nil {
			stream.fail(err.Error())
			return
		}

		full := h.transformPrompt(s, prompt)
		s.SetProgressSink(stream.onProgress)
		defer s.SetProgressSink(nil)

		resp, err := s.Send(full)
		if err != nil {
			stream.fail(err.Error())
			return
		}
		stream.finish(resp)
		return
	}

	s, err := h.awaitReady(key, req.Model, nil)
	if err != nil {
		c.Error(err)
		return
	}
	full := h.transformPrompt(s, prompt)
	resp, err := s.Send(full)
	if err != nil {
		c.Error(h.sessionError(err))
		return
	}
	c.JSON(http.StatusOK, completionFrom(resp, h.reportedModel(req.Model)))
}

// awaitReady fetches the session for key, polling while a previous request
// occupies it, the pool has no free slot, or the session died and needs
// recreating. onWait fires once, the first time the request has to wait.
// The total wait is capped by the response timeout.
func (h *Handler) awaitReady(key, modelHint string, onWait func()) (*session.Session, error) {
	deadline := time.Now().Add(h.cfg.Session.ResponseTimeout())
	waited := false
	markWaiting := func() {
		if !waited && onWait != nil {
			onWait()
		}
		waited = true
	}

	for {
		s, err := h.pool.Get(key, modelHint)
		switch {
		case stderrors.Is(err, session.ErrPoolFull):
			markWaiting()
		case err != nil:
			return nil, errors.UpstreamUnavailable("failed to reach the Companion server", err)
		default:
			switch s.State() {
			case session.StateReady:
				return s, nil
			case session.StateDead:
				// Get replaces dead sessions; landing here means it died in
				// between. Loop and recreate.
			default:
				markWaiting()
			}
		}
		if time.Now().After(deadline) {
			return nil, errors.SessionBusy("session is busy with a previous request; try again later")
		}
		time.Sleep(busyPollInterval)
	}
}

// transformPrompt applies context recovery and the post-response
// instructions to an outbound prompt.
func (h *Handler) transformPrompt(s *session.Session, prompt string) string {
	full := prompt
	s.WithTracker(func(t *contextmgr.Tracker) {
		full = h.ctxmgr.InjectRecovery(t, prompt)
		full = h.ctxmgr.AppendInstructions(t, full)
	})
	return full
}

// sessionError maps a session failure to the right HTTP error.
func (h *Handler) sessionError(err error) error {
	switch {
	case stderrors.Is(err, session.ErrTimeout):
		return errors.Timeout("the agent did not answer within the response timeout")
	case stderrors.Is(err, session.ErrUpstreamClosed):
		return errors.InternalError("the agent disconnected mid-request", err)
	default:
		return errors.InternalError("request failed", err)
	}
}

func (h *Handler) reportedModel(requestModel string) string {
	if requestModel != "" {
		return requestModel
	}
	return h.cfg.Companion.ModelName
}
