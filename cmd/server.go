package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/handlers"
	"github.com/jake-scott/devicehub/internal/pkg/hub"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/internal/pkg/oauth"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/nest"
	"github.com/jake-scott/devicehub/pkg/middlewares"
)

var _serverCmdOpts struct {
	httpPort        uint16
	tlsCertPath     string
	tlsKeyPath      string
	gracefulTimeout time.Duration
	readTimeout     time.Duration
	writeTimeout    time.Duration
	logRequests     bool
	corsOrigins     []string
	listenNest      bool
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the device API server",

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doServer(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("auth.jwt-secret")
	},
}

func init() {
	serverCmd.Flags().Uint16Var(&_serverCmdOpts.httpPort, "port", 4343, "HTTP port number")
	serverCmd.Flags().StringVar(&_serverCmdOpts.tlsCertPath, "tls-cert", "", "TLS certificate file")
	serverCmd.Flags().StringVar(&_serverCmdOpts.tlsKeyPath, "tls-key", "", "TLS key file")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.gracefulTimeout, "graceful-timeout", time.Second*15, "duration to wait for server to finish, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.readTimeout, "read-timeout", time.Second*15, "duration to wait for request read, eg. 1m or 10s")
	serverCmd.Flags().DurationVar(&_serverCmdOpts.writeTimeout, "write-timeout", time.Second*60, "duration to wait for request write, eg. 1m or 10s")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.logRequests, "log-requests", false, "log requests and responses (only in debug mode)")
	serverCmd.Flags().StringSliceVar(&_serverCmdOpts.corsOrigins, "cors-origin", nil, "browser origins allowed to call the API")
	serverCmd.Flags().BoolVar(&_serverCmdOpts.listenNest, "listen-nest", false, "follow Nest Pub/Sub events in the server process")

	errPanic(viper.GetViper().BindPFlag("http.port", serverCmd.Flags().Lookup("port")))
	errPanic(viper.GetViper().BindPFlag("http.cert", serverCmd.Flags().Lookup("tls-cert")))
	errPanic(viper.GetViper().BindPFlag("http.key", serverCmd.Flags().Lookup("tls-key")))
	errPanic(viper.GetViper().BindPFlag("http.graceful-timeout", serverCmd.Flags().Lookup("graceful-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.read-timeout", serverCmd.Flags().Lookup("read-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.write-timeout", serverCmd.Flags().Lookup("write-timeout")))
	errPanic(viper.GetViper().BindPFlag("http.cors-origins", serverCmd.Flags().Lookup("cors-origin")))
	errPanic(viper.GetViper().BindPFlag("logging.log-requests", serverCmd.Flags().Lookup("log-requests")))
	errPanic(viper.GetViper().BindPFlag("vendors.nest.listen", serverCmd.Flags().Lookup("listen-nest")))

	viper.SetDefault("credentials.sweep-interval", oauth.DefaultSweepInterval)
	viper.SetDefault("credentials.sweep-grace", oauth.DefaultSweepGrace)

	rootCmd.AddCommand(serverCmd)
}

// bearerAuthenticator turns a valid bearer token into a principal on the
// request context
func bearerAuthenticator(parser *authz.BearerParser) middlewares.Authenticator {
	return func(ctx context.Context, token string) (context.Context, error) {
		p, err := parser.Parse(token)
		if err != nil {
			return nil, err
		}
		return authz.WithPrincipal(ctx, p), nil
	}
}

// newRouter lays out the API. Everything under /v1 needs a bearer token;
// the OAuth redirect endpoints are reached by the vendor's browser flow and
// are protected by their state parameter instead.
func newRouter(h *hub.Hub, oh *handlers.OauthHandler, metrics handlers.Snapshotter, parser *authz.BearerParser, logRequests bool) http.Handler {
	origins := viper.GetStringSlice("http.cors-origins")

	r := mux.NewRouter()
	r.Use(middlewares.NewCorrelationMw(middlewares.DefaultCorrelationHeader))
	r.Use(middlewares.NewLoggingMw(logRequests))
	r.Use(middlewares.NewRecoveryMw())

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodGet)
	oh.Register(r)

	api := r.PathPrefix("/v1").Subrouter()
	api.Use(middlewares.NewAuthMw(bearerAuthenticator(parser)))

	dh := handlers.NewDeviceHandler(h)
	dh.Register(api)
	handlers.NewEventStream(h, origins).Register(api)
	mh := handlers.NewMetricsHandler(metrics)
	mh.Register(api)

	return middlewares.NewCors(middlewares.CorsOptions(origins, middlewares.DefaultCorrelationHeader), r)
}

func doServer() error {
	wait := viper.GetDuration("http.graceful-timeout")
	port := viper.GetUint("http.port")
	certFile := viper.GetString("http.cert")
	keyFile := viper.GetString("http.key")

	var logRequests bool
	if viper.GetBool("logging.log-requests") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logRequests = true
		} else {
			logging.Logger(nil).Warn("log-requests ignored when not in debug mode")
		}
	}

	// background work stops when this is cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, storeCloser, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	adapters, managers, err := buildAdapters(ctx, store)
	if err != nil {
		return err
	}
	initializeAdapters(ctx, adapters)

	recorder, memory, cl, err := buildRecorder()
	if err != nil {
		return err
	}
	defer cl.Close()

	h := buildHub(adapters, recorder)
	if _, err := h.FetchAllDevices(ctx); err != nil {
		logging.Logger(nil).WithError(err).Warn("initial device fetch incomplete")
	}

	mqtt, err := startMQTT(ctx, h)
	if err != nil {
		return err
	}
	defer mqtt.Close()

	sweeper := &oauth.Sweeper{
		Store:    store,
		Interval: viper.GetDuration("credentials.sweep-interval"),
		Grace:    viper.GetDuration("credentials.sweep-grace"),
	}
	go sweeper.Run(ctx)

	listenerDone := make(chan struct{})
	if viper.GetBool("vendors.nest.listen") && vendorEnabled(nest.ID) {
		if err := checkRequiredFlags("google.pubsub.subscription-id", "google.pubsub.project-id", "google.creds.file"); err != nil {
			return err
		}
		src, err := newEventSource(ctx)
		if err != nil {
			return err
		}
		go func() {
			defer close(listenerDone)
			runListener(ctx, src, h, viper.GetInt("google.pubsub.max-concurrent"))
		}()
	} else {
		close(listenerDone)
	}

	exchangers := make([]handlers.CodeExchanger, 0, len(managers))
	for _, m := range managers {
		exchangers = append(exchangers, m)
	}
	oh := handlers.NewOauthHandler(recorder, exchangers...)
	parser := authz.NewBearerParser(viper.GetString("auth.jwt-secret"), viper.GetString("auth.jwt-issuer"))

	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		ReadTimeout:  viper.GetDuration("http.read-timeout"),
		WriteTimeout: viper.GetDuration("http.write-timeout"),
		IdleTimeout:  time.Second * 60,
		Handler:      newRouter(h, oh, memory, parser, logRequests),
	}

	logging.Logger(nil).Infof("Serving on port %d", port)
	go func() {
		var err error
		if certFile != "" && keyFile != "" {
			err = s.ListenAndServeTLS(certFile, keyFile)
		} else {
			logging.Logger(nil).Warn("no TLS certificate configured, serving plain HTTP")
			err = s.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logging.Logger(nil).WithError(err).Error("running server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	<-c

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), wait)
	defer shutdownCancel()
	logging.Logger(nil).Info("shutting down")
	if err := s.Shutdown(shutdownCtx); err != nil {
		logging.Logger(nil).WithError(err).Errorf("shutting down")
	}

	cancel()
	<-listenerDone

	logging.Logger(nil).Info("exiting")
	return nil
}
