package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const requestReadTimeout = 2 * time.Second

// Handler processes one IPC command request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Mux routes commands to handlers, falling back to a default handler.
type Mux struct {
	routes   map[string]Handler
	fallback Handler
}

// NewMux returns a Mux that sends unrouted commands to fallback.
func NewMux(fallback Handler) *Mux {
	return &Mux{routes: make(map[string]Handler), fallback: fallback}
}

// Route registers h for command.
func (m *Mux) Route(command string, h Handler) {
	m.routes[command] = h
}

func (m *Mux) Handle(ctx context.Context, req Request) Response {
	if h, ok := m.routes[req.Command]; ok {
		return h.Handle(ctx, req)
	}
	if m.fallback == nil {
		return Response{OK: false, Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
	return m.fallback.Handle(ctx, req)
}

// Serve accepts unix-socket clients until context cancellation or listener close.
func Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	return ServeWithLogger(ctx, listener, handler, nil)
}

// ServeWithLogger is Serve with per-request debug logging.
func ServeWithLogger(ctx context.Context, listener net.Listener, handler Handler, logger *slog.Logger) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept IPC connection: %w", err)
		}

		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			defer c.Close()
			serveConn(ctx, c, handler, logger)
		}(conn)
	}
}

func serveConn(ctx context.Context, c net.Conn, handler Handler, logger *slog.Logger) {
	enc := json.NewEncoder(c)
	_ = c.SetReadDeadline(time.Now().Add(requestReadTimeout))

	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = enc.Encode(Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
		return
	}

	resp := handler.Handle(ctx, req)
	if logger != nil {
		logger.Debug("ipc request", "command", req.Command, "ok", resp.OK, "state", resp.State)
	}
	_ = enc.Encode(resp)
}
