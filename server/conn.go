package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"host-bridge/bridge"
	"host-bridge/codec"
	"host-bridge/dispatch"
	"host-bridge/message"
	"host-bridge/protocol"

	"go.uber.org/zap"
)

// frameQueueSize bounds how far the reader may run ahead of request handling.
const frameQueueSize = 16

// conn is one accepted requester connection.
type conn struct {
	id     string
	nc     net.Conn
	ctx    context.Context // Cancelled when the connection is torn down
	cancel context.CancelCauseFunc
	reader *protocol.Reader
	writer *protocol.Writer
	once   sync.Once
}

// close tears the connection down. Errors are ignored: the peer is gone or
// going either way.
func (c *conn) close(cause error) {
	c.once.Do(func() {
		c.cancel(cause)
		c.nc.Close()
	})
}

// handleConn runs one connection until the peer closes it, a read fails, or
// the server shuts down.
//
// One goroutine reads and frames; this goroutine handles requests in order.
// Reading continues while a request waits on the host so that a peer
// disconnect is noticed and the pending command abandoned.
func (s *Server) handleConn(c *conn) {
	defer s.untrack(c)
	logger := s.logger.With(zap.String("conn", c.id))
	logger.Debug("connection accepted", zap.Stringer("remote", c.nc.RemoteAddr()))

	frames := make(chan []byte, frameQueueSize)
	go func() {
		defer close(frames)
		for {
			data, err := c.reader.Next()
			if err != nil {
				s.logReadEnd(logger, c, err)
				c.cancel(ErrConnClosed)
				return
			}
			select {
			case frames <- data:
			case <-c.ctx.Done():
				return
			}
		}
	}()

	for data := range frames {
		if c.ctx.Err() != nil {
			break
		}
		s.handleFrame(logger, c, data)
	}

	logger.Debug("connection closed", zap.Int("discarded_bytes", c.reader.Discarded()))
}

func (s *Server) logReadEnd(logger *zap.Logger, c *conn, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.Debug("peer closed connection")
	case errors.Is(err, protocol.ErrMessageTooLarge):
		logger.Warn("closing connection: message too large", zap.Int("buffered", c.reader.Buffered()))
	case c.ctx.Err() != nil || errors.Is(err, net.ErrClosed):
		// Closed by us.
	default:
		logger.Info("connection read failed", zap.Error(err))
	}
}

// handleFrame decodes one framed message and, if it is a request, answers it.
// Malformed messages are dropped; the connection survives them.
func (s *Server) handleFrame(logger *zap.Logger, c *conn, data []byte) {
	var req message.Message
	if err := s.codec.Decode(data, &req); err != nil {
		if errors.Is(err, codec.ErrInvalidEnvelope) && req.ID != "" {
			logger.Warn("invalid request", zap.String("id", req.ID), zap.Error(err))
			s.write(logger, c, message.NewError(req.ID, message.CodeInvalidRequest, err.Error()))
			return
		}
		logger.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	if !req.IsRequest() {
		logger.Warn("dropping unexpected response message", zap.String("id", req.ID))
		return
	}

	resp := s.handler(c.ctx, &req)
	if c.ctx.Err() != nil {
		// Peer is gone; nobody to answer.
		return
	}
	s.write(logger, c, resp)
}

func (s *Server) write(logger *zap.Logger, c *conn, resp *message.Message) {
	data, err := s.codec.Encode(resp)
	if err != nil {
		logger.Error("failed to encode response", zap.String("id", resp.ID), zap.Error(err))
		data, _ = s.codec.Encode(message.NewError(resp.ID, message.CodeInternalError, "failed to encode result"))
	}
	if err := c.writer.WriteMessage(data); err != nil {
		logger.Info("failed to write response", zap.String("id", resp.ID), zap.Error(err))
		c.close(err)
	}
}

// bridgeHandler is the innermost handler: it queues the request for the host
// and waits for the outcome.
func (s *Server) bridgeHandler(ctx context.Context, req *message.Message) *message.Message {
	result, err := s.bridge.Enqueue(ctx, req.Method, req.Params).Wait(ctx)
	if err != nil {
		e := errorObject(err)
		return message.NewError(req.ID, e.Code, e.Message)
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	return &message.Message{JSONRPC: message.Version, ID: req.ID, Result: result}
}

// errorObject maps a bridge or dispatch failure onto the wire error.
func errorObject(err error) *message.ErrorObject {
	var de *dispatch.DomainError
	switch {
	case errors.As(err, &de):
		return &message.ErrorObject{Code: de.Code, Message: de.Message}
	case errors.Is(err, bridge.ErrHostBusy):
		return &message.ErrorObject{Code: message.CodeHostBusy, Message: "Host is busy, try again later"}
	case errors.Is(err, bridge.ErrTimeout):
		return &message.ErrorObject{Code: message.CodeTimeout, Message: err.Error()}
	case errors.Is(err, bridge.ErrClosed), errors.Is(err, context.Canceled):
		return &message.ErrorObject{Code: message.CodeConnectionClosed, Message: "connection closed"}
	default:
		return &message.ErrorObject{Code: message.CodeInternalError, Message: err.Error()}
	}
}
