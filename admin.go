package axproxy

import (
	"context"
	"expvar"
	"net"
	"net/http"
)

// startAdmin starts an HTTP server exposing expvar counters at
// /axproxy/vars, bound to addr. It returns immediately; the server
// runs until ctx is canceled, at which point it is shut down in the
// background.
func startAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/axproxy/vars", expvar.Handler())
	srv := &http.Server{Handler: mux}

	Log.WithField("addr", addr).Info("starting admin listener")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			Log.WithField("error", err).Warn("admin listener exited")
		}
	}()

	go func() {
		<-ctx.Done()
		Log.Info("stopping admin listener")
		_ = srv.Close()
	}()
	return nil
}
