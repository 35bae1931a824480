package gdb

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Listen accepts debugger connections on addr, one at a time, until ctx is
// cancelled or a client kills the target.
func Listen(ctx context.Context, addr string, srv *Server) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "gdb listen on %s", addr)
	}
	return ServeListener(ctx, ln, srv)
}

// ServeListener is Listen over an existing listener, which it closes.
func ServeListener(ctx context.Context, ln net.Listener, srv *Server) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			srv.logger.Info("debugger attached", zap.Stringer("remote", conn.RemoteAddr()))
			err = srv.Serve(conn)
			conn.Close()
			srv.logger.Info("debugger detached", zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
			if err != nil {
				return err
			}
		}
	})
	err := g.Wait()
	if errors.Is(err, ErrKilled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
