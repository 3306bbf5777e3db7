package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/sheerbytes/piping/internal/config"
	"github.com/sheerbytes/piping/internal/logging"
	"github.com/sheerbytes/piping/internal/server"
	"github.com/sheerbytes/piping/internal/telemetry"
	"github.com/sheerbytes/piping/internal/tlsconf"
)

const serverVersion = "v0.1.0"

func main() {
	cfg, err := config.ParseServerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(serverVersion)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New("pipingd", cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.ServerConfig, logger *zap.Logger) error {
	sink := telemetry.NewInmemSink()
	srv := server.New(server.Options{
		PairingTimeout: cfg.PairingTimeout,
		BufferSize:     cfg.BufferSize,
		MaxReceivers:   cfg.MaxReceivers,
		MaxPaths:       cfg.MaxPaths,
		RequestsPerMin: cfg.RequestsPerMin,
		RequestsBurst:  cfg.RequestsBurst,
		CountParam:     cfg.CountParam,
		Version:        serverVersion,
		Logger:         logger,
		MetricSink:     sink,
	})

	var handler http.Handler = srv
	var h3 *http3.Server
	var servers []*http.Server

	if cfg.EnableHTTPS {
		tlsConf, err := tlsconf.ServerConfig(tlsconf.Options{
			CrtPath:    cfg.CrtPath,
			KeyPath:    cfg.KeyPath,
			SelfSigned: cfg.SelfSigned,
		})
		if err != nil {
			return errors.Wrap(err, "load tls config")
		}
		httpsAddr := fmt.Sprintf(":%d", cfg.HTTPSPort)
		if cfg.EnableHTTP3 {
			h3 = &http3.Server{
				Addr:       httpsAddr,
				Handler:    srv,
				TLSConfig:  http3.ConfigureTLSConfig(tlsConf.Clone()),
				QUICConfig: quicConfig(),
			}
			handler = altSvc(h3, srv)
		}
		https := &http.Server{
			Addr:              httpsAddr,
			Handler:           handler,
			TLSConfig:         tlsConf,
			ReadHeaderTimeout: 10 * time.Second,
			ErrorLog:          zap.NewStdLog(logger.Named("https")),
		}
		if err := http2.ConfigureServer(https, &http2.Server{}); err != nil {
			return errors.Wrap(err, "configure http2")
		}
		servers = append(servers, https)
	}

	servers = append(servers, &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http")),
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler(sink))
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	for _, hs := range servers {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", hs.Addr), zap.Bool("tls", hs.TLSConfig != nil))
			var err error
			if hs.TLSConfig != nil {
				err = hs.ListenAndServeTLS("", "")
			} else {
				err = hs.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return errors.Wrapf(err, "serve %s", hs.Addr)
		})
	}
	if h3 != nil {
		g.Go(func() error {
			logger.Info("listening", zap.String("addr", h3.Addr), zap.String("proto", "http3"))
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "serve http3")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", zap.Duration("timeout", cfg.ShutdownTimeout))
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("transfers still running at shutdown", zap.Int64("active", srv.ActiveTransfers()), zap.Error(err))
		}
		for _, hs := range servers {
			_ = hs.Shutdown(sctx)
		}
		if h3 != nil {
			_ = h3.Close()
		}
		return nil
	})

	return g.Wait()
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             1000,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

// altSvc advertises HTTP/3 on TLS responses.
func altSvc(h3 *http3.Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS != nil {
			_ = h3.SetQUICHeaders(w.Header())
		}
		next.ServeHTTP(w, r)
	})
}
