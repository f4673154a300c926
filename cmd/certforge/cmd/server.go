package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/certforge/acme"
	"github.com/jmcleod/certforge/api"
	"github.com/jmcleod/certforge/internal/config"
	"github.com/jmcleod/certforge/pki"
	"github.com/jmcleod/certforge/store"
)

var (
	port       int
	dataDir    string
	tlsCert    string
	tlsKey     string
	enableACME bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authority server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if enableACME {
			cfg.ACMEEnable = true
		}

		st, err := store.Open(cfg.DataDir, store.NewCipher(cfg.KeystoreSecret, cfg.KeystoreSecretOld))
		if err != nil {
			return fmt.Errorf("failed to open CA store: %w", err)
		}
		defer st.Close()

		engine := pki.New(st, pki.Config{
			RootDays:    cfg.RootDays,
			IntDays:     cfg.IntDays,
			LeafDays:    cfg.LeafDays,
			RootKeyBits: cfg.RootKeyBits,
			IntKeyBits:  cfg.IntKeyBits,
			CRLURL:      cfg.CRLPublicURL,
		})

		logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

		a := api.New(st, engine,
			api.WithLogger(logger),
			api.WithAdminToken(cfg.AdminToken),
			api.WithLifecycle(cfg.LifecycleEnable),
		)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", promhttp.Handler())

		r.Mount("/api/v1", a.Router())

		if cfg.ACMEEnable {
			acmeServer := acme.NewServer(st, engine,
				acme.WithLogger(logger),
				acme.WithValidationTimeout(cfg.ACMEHTTPTimeout),
			)
			r.Mount("/acme", acmeServer.Router())
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		serveTLS := tlsCert != "" && tlsKey != ""
		if serveTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if serveTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s, acme: %v)...\n", port, cfg.DataDir, cfg.ACMEEnable)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&port, "port", "p", 8700, "Port to listen on")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the CA database (overrides CERTFORGE_DATA_DIR)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().BoolVar(&enableACME, "acme", false, "Enable the ACME (http-01) endpoints")
}
