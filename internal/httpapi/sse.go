package httpapi

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/tanagram/mcpbridge/internal/jsonrpc"
)

// keepAliveInterval matches §4.1's "keep-alive comment every 30 seconds" contract.
const keepAliveInterval = 30 * time.Second

// sseSink adapts a *sse.Session into a session.Sink, queuing sends through a single
// writer goroutine exactly as the teacher's sseServerSession does (avoids concurrent
// writers racing the underlying connection), and assigning event ids from the
// process-wide jsonrpc.EventFramer.
type sseSink struct {
	sess   *sse.Session
	framer *jsonrpc.EventFramer
	logger *slog.Logger

	sendMsgs  chan sendRequest
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

type sendRequest struct {
	msg  jsonrpc.Message
	errs chan error
}

// newSSESink wraps sess in a session.Sink. framer is the process-wide EventFramer
// shared by every sink and one-shot SSE response, so event ids stay monotone per
// process rather than restarting at 1 for each new connection (§4.1).
func newSSESink(sess *sse.Session, framer *jsonrpc.EventFramer, logger *slog.Logger) *sseSink {
	s := &sseSink{
		sess:     sess,
		framer:   framer,
		logger:   logger,
		sendMsgs: make(chan sendRequest),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Send implements session.Sink.
func (s *sseSink) Send(msg jsonrpc.Message) error {
	errs := make(chan error, 1)
	select {
	case s.sendMsgs <- sendRequest{msg: msg, errs: errs}:
	case <-s.done:
		return nil
	}
	select {
	case err := <-errs:
		return err
	case <-s.done:
		return nil
	}
}

// Close implements the optional Closer interface session.Session checks for on
// destroy, so an attached stream is torn down when its session dies. Safe to call more
// than once.
func (s *sseSink) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.closed
	return nil
}

func (s *sseSink) run() {
	defer close(s.closed)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-keepAlive.C:
			keepAliveMsg := &sse.Message{}
			keepAliveMsg.AppendComment("keep-alive")
			if err := s.sess.Send(keepAliveMsg); err != nil {
				s.logger.Warn("sse keep-alive failed", slog.Any("err", err))
				return
			}
			_ = s.sess.Flush()
		case req := <-s.sendMsgs:
			frame, err := s.framer.Frame(req.msg)
			if err != nil {
				req.errs <- err
				continue
			}
			if frameSize := len(frame.String()); frameSize > jsonrpc.MaxEventSize {
				s.logger.Warn("sse event exceeds soft cap", slog.Int("size", frameSize))
			}
			if err := s.sess.Send(frame); err != nil {
				req.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				req.errs <- err
				continue
			}
			req.errs <- nil
		}
	}
}

// handleSSEAttach implements §4.5's GET semantics: upgrade to SSE, register with the
// session, drain its queue, then forward server-initiated messages until disconnect.
func (s *Server) handleSSEAttach(w http.ResponseWriter, r *http.Request, sessionID string) {
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}

	upgraded, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("sse upgrade failed", slog.Any("err", err))
		http.Error(w, "failed to upgrade to sse", http.StatusInternalServerError)
		return
	}

	// Initial comment line to flush headers, per §4.1.
	okMsg := &sse.Message{}
	okMsg.AppendComment("ok")
	if err := upgraded.Send(okMsg); err == nil {
		_ = upgraded.Flush()
	}

	sink := newSSESink(upgraded, s.framer, s.logger)
	sinkID := r.RemoteAddr + "-" + sessionID

	if err := sess.Attach(sinkID, sink); err != nil {
		s.logger.Warn("failed to drain queue on sse attach", slog.Any("err", err))
	}

	// Return on client disconnect, or once the sink has shut down (its session was
	// destroyed or a keep-alive write failed), which ends the HTTP stream.
	select {
	case <-r.Context().Done():
	case <-sink.closed:
	}

	sess.Detach(sinkID)
	sink.Close()
}
