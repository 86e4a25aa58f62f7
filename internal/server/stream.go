package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/guibros/companion-bridge/internal/common/logger"
	"github.com/guibros/companion-bridge/internal/session"
)

// heartbeatInterval keeps HTTP clients from timing out during long tool
// chains that produce no visible output. A var so tests can shorten it.
var heartbeatInterval = 5 * time.Second

// sseStream writes OpenAI chat.completion.chunk events to one client. All
// writes funnel through a mutex; once the client disconnects, further writes
// are dropped silently and never cancel the upstream work.
type sseStream struct {
	c       *gin.Context
	id      string
	model   string
	created int64

	mu        sync.Mutex
	closed    bool
	wroteRole bool
	sentDelta bool

	stopOnce sync.Once
	stop     chan struct{}

	logger *logger.Logger
}

func newSSEStream(c *gin.Context, model string, log *logger.Logger) *sseStream {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	s := &sseStream{
		c:       c,
		id:      newCompletionID(),
		model:   model,
		created: time.Now().Unix(),
		stop:    make(chan struct{}),
		logger:  log,
	}
	go s.heartbeatLoop()
	return s
}

func (s *sseStream) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeRaw([]byte(": heartbeat\n\n"))
		}
	}
}

// writeRaw writes one SSE record. Errors mark the stream closed.
func (s *sseStream) writeRaw(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := s.c.Writer.Write(b); err != nil {
		s.closed = true
		s.logger.Debug("sse client gone", zap.Error(err))
		return
	}
	s.c.Writer.Flush()
}

func (s *sseStream) sendChunk(choice ChunkChoice) {
	chunk := ChatCompletionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []ChunkChoice{choice},
	}
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	s.writeRaw([]byte("data: " + string(data) + "\n\n"))
}

func (s *sseStream) contentChunk(text string) {
	s.mu.Lock()
	delta := Delta{Content: text}
	if !s.wroteRole {
		delta.Role = "assistant"
		s.wroteRole = true
	}
	s.mu.Unlock()
	s.sendChunk(ChunkChoice{Index: 0, Delta: delta})
}

// sendText streams one real assistant text delta.
func (s *sseStream) sendText(text string) {
	s.mu.Lock()
	s.sentDelta = true
	s.mu.Unlock()
	s.contentChunk(text)
}

// sendDecoration streams a status one-liner that is not part of the
// assistant's accumulated text.
func (s *sseStream) sendDecoration(text string) {
	s.contentChunk(text)
}

// onProgress adapts session progress events to chunks, suitable for use as
// the session's progress sink.
func (s *sseStream) onProgress(ev session.ProgressEvent) {
	switch ev.Kind {
	case session.ProgressTextDelta:
		s.sendText(ev.Text)
	case session.ProgressToolStart:
		s.sendDecoration(fmt.Sprintf("\n\n_%s_\n\n", formatToolDetail(ev.Tool, ev.Input)))
	case session.ProgressToolResult:
		mark := "✅"
		if !ev.Success {
			mark = "❌"
		}
		s.sendDecoration(fmt.Sprintf("_%s %s done_\n", mark, ev.Tool))
	case session.ProgressThinking:
		s.sendDecoration(fmt.Sprintf("\n_🧠 %s_\n", ev.Status))
	}
}

// finish terminates the stream normally. When no text deltas were ever
// emitted and the final text is non-empty, the whole text goes out as a
// single chunk first.
func (s *sseStream) finish(resp *session.Response) {
	s.mu.Lock()
	needFullText := !s.sentDelta && resp.Text != ""
	s.mu.Unlock()

	if needFullText {
		s.sendText(resp.Text)
	}

	finish := finishStop
	var delta Delta
	if len(resp.PendingToolCalls) > 0 {
		finish = finishToolCalls
		delta.ToolCalls = toolCallsFrom(resp.PendingToolCalls)
		s.sendChunk(ChunkChoice{Index: 0, Delta: delta})
	}

	data, err := json.Marshal(struct {
		ChatCompletionChunk
		Usage *UsageBlock `json:"usage"`
	}{
		ChatCompletionChunk: ChatCompletionChunk{
			ID:      s.id,
			Object:  "chat.completion.chunk",
			Created: s.created,
			Model:   s.model,
			Choices: []ChunkChoice{{Index: 0, Delta: Delta{}, FinishReason: &finish}},
		},
		Usage: usageFrom(resp),
	})
	if err == nil {
		s.writeRaw([]byte("data: " + string(data) + "\n\n"))
	}
	s.writeRaw([]byte("data: [DONE]\n\n"))
}

// fail reports an error inside the transcript. A stream never turns into a
// non-200 response once the first byte went out.
func (s *sseStream) fail(message string) {
	s.sendDecoration("\n\n❌ Error: " + message)
	s.writeRaw([]byte("data: [DONE]\n\n"))
}

// finishText sends one full message and terminates, used by the command
// interceptor and busy notices that carry no upstream work.
func (s *sseStream) finishText(text string) {
	s.sendText(text)
	finish := finishStop
	s.sendChunk(ChunkChoice{Index: 0, Delta: Delta{}, FinishReason: &finish})
	s.writeRaw([]byte("data: [DONE]\n\n"))
}

// close stops the heartbeat. Safe to call more than once.
func (s *sseStream) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
