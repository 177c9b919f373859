package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"auth-core/internal/config"
	"auth-core/internal/factory"
	"auth-core/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory(context.Background())
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}

	cfg := f.Config()
	router := f.Router()

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.String("address", server.Addr),
		)
		serve(server, false)
		waitForShutdown(f, cfg, server)
		return
	}

	tlsManager := f.TLSManager()
	server.Addr = cfg.Server.Host + ":" + cfg.Server.TLSPort
	server.TLSConfig = tlsManager.GetTLSConfig()

	// With ACME, port 80 answers HTTP-01 challenges and redirects the rest.
	var challengeServer *http.Server
	if acm := tlsManager.GetAutocertManager(); acm != nil {
		challengeServer = &http.Server{
			Addr:    cfg.Server.Host + ":80",
			Handler: acm.HTTPHandler(nil),
		}
		serve(challengeServer, false)
	}

	util.Info("Starting HTTPS server",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("auto_cert", cfg.Server.AutoCert),
	)
	serve(server, true)
	waitForShutdown(f, cfg, server, challengeServer)
}

func serve(server *http.Server, useTLS bool) {
	go func() {
		var err error
		if useTLS {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.String("address", server.Addr), util.ErrorField(err))
		}
	}()
}

// waitForShutdown stops accepting requests, lets in-flight ones finish, then
// drains pending audit writes before closing clients. One deadline covers all
// of it.
func waitForShutdown(f *factory.Factory, cfg *config.Config, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.String("address", srv.Addr), util.ErrorField(err))
		}
	}

	if err := f.Close(ctx); err != nil {
		util.Error("Shutdown finished with errors", util.ErrorField(err))
		os.Exit(1)
	}
}
