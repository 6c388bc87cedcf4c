package fleet

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logx "tzbot/pkg/logx"
)

// Server serves a fleet router until its context is cancelled.
type Server struct {
	Addr    string
	Handler http.Handler
	Log     logx.Logger

	srv *http.Server
}

// Run listens on Addr and blocks until ctx is done or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.Log.Info("fleet listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shCtx)
		<-errCh
		return nil
	}
}
