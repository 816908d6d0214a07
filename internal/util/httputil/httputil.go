/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httputil runs the serve-mode HTTP listeners (metrics, probes)
// under a graceful shutdown coordinator.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wronai/clonebox/internal/util/gracefulshutdown"
)

const shutdownDeadline = time.Minute

// Serve runs each server until the coordinator's context is cancelled, then
// shuts them all down. A server failing to listen initiates a shutdown with
// a non-zero exit code. Blocks until the context is done.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		name, server := name, server

		server.BaseContext = func(_ net.Listener) context.Context {
			return gs.Context()
		}

		gs.WaitGroup().Add(1)

		go func() {
			err := server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("server failed", "server", name, "error", err)

				// Done must run before Shutdown: Shutdown blocks on the
				// wait group this goroutine is counted in.
				gs.WaitGroup().Done()
				gs.Shutdown(1)

				return
			}

			gs.WaitGroup().Done()
			gs.Shutdown(0)
		}()
	}

	gs.Ready()
	<-gs.Context().Done()

	for name, server := range servers {
		name, server := name, server

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("shutting down server", "server", name, "error", err)

				return
			}

			slog.Info("server stopped", "server", name)
		}()
	}
}
