package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/jake-scott/devicehub/internal/pkg/audit"
	"github.com/jake-scott/devicehub/internal/pkg/authz"
	"github.com/jake-scott/devicehub/internal/pkg/credstore"
	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/events"
	"github.com/jake-scott/devicehub/internal/pkg/hub"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/internal/pkg/normalize"
	"github.com/jake-scott/devicehub/internal/pkg/oauth"
	"github.com/jake-scott/devicehub/internal/pkg/ratelimit"
	"github.com/jake-scott/devicehub/internal/pkg/retry"
	"github.com/jake-scott/devicehub/internal/pkg/vendor"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/cloudhub"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/hue"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/lockvendora"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/lockvendorb"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/nest"
)

/*
 * Construction of the shared components from viper configuration. Each
 * command picks the pieces it needs; everything opened here is closed
 * through the returned closers.
 */

// oauthVendors are the vendors whose tokens are managed by oauth.Manager
var oauthVendors = []string{cloudhub.ID, lockvendora.ID, lockvendorb.ID, nest.ID}

func init() {
	viper.SetDefault("credentials.backend", "file")
	viper.SetDefault("credentials.path", "devicehub-credentials.json")

	viper.SetDefault("hub.settle-delay", hub.DefaultSettleDelay)
	viper.SetDefault("hub.command-timeout", hub.DefaultCommandTimeout)
	viper.SetDefault("hub.fetch-concurrency", hub.DefaultFetchConcurrency)
	viper.SetDefault("hub.min-interval", ratelimit.DefaultMinInterval)
	viper.SetDefault("hub.budget", 0)
	viper.SetDefault("hub.budget-window", time.Minute)

	p := retry.DefaultPolicy()
	viper.SetDefault("retry.max-retries", p.MaxRetries)
	viper.SetDefault("retry.base", p.Base)
	viper.SetDefault("retry.max", p.Max)
	viper.SetDefault("retry.jitter", p.Jitter)

	viper.SetDefault("auth.presence-max-age", 2*time.Minute)
	viper.SetDefault("mqtt.prefix", events.DefaultTopicPrefix)
	viper.SetDefault("mqtt.client-id", "devicehub")
	viper.SetDefault("mqtt.qos", 1)
}

type closers []io.Closer

func (c closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i].Close(); err != nil {
			logging.Logger(nil).WithError(err).Warn("closing")
		}
	}
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func vendorKey(id, key string) string {
	return "vendors." + id + "." + key
}

func vendorEnabled(id string) bool {
	return viper.GetBool(vendorKey(id, "enabled"))
}

func openCredentialStore() (credstore.Lister, io.Closer, error) {
	backend := viper.GetString("credentials.backend")
	path := viper.GetString("credentials.path")

	if backend == "memory" {
		logging.Logger(nil).Warn("credentials are kept in memory and will be lost on exit")
		return credstore.NewMemoryStore(), closeFunc(func() error { return nil }), nil
	}

	if err := checkRequiredFlags("credentials.key"); err != nil {
		return nil, nil, err
	}
	sealer, err := credstore.NewSealer(viper.GetString("credentials.key"))
	if err != nil {
		return nil, nil, err
	}

	switch backend {
	case "file":
		return credstore.NewFileStore(path, sealer), closeFunc(func() error { return nil }), nil
	case "sqlite":
		s, err := credstore.OpenSQLite(path, sealer)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
	return nil, nil, fmt.Errorf("unknown credential backend %q", backend)
}

func newTokenManager(id string, store credstore.Store) *oauth.Manager {
	return oauth.NewManager(oauth.Config{
		Vendor:       id,
		ClientID:     viper.GetString(vendorKey(id, "client-id")),
		ClientSecret: viper.GetString(vendorKey(id, "client-secret")),
		AuthURL:      viper.GetString(vendorKey(id, "auth-url")),
		TokenURL:     viper.GetString(vendorKey(id, "token-url")),
		RedirectURL:  viper.GetString(vendorKey(id, "redirect-url")),
		Scopes:       viper.GetStringSlice(vendorKey(id, "scopes")),
		Tenancy: device.TenancyScope{
			PortfolioID: viper.GetString(vendorKey(id, "tenancy.portfolio-id")),
			PropertyID:  viper.GetString(vendorKey(id, "tenancy.property-id")),
			UnitID:      viper.GetString(vendorKey(id, "tenancy.unit-id")),
		},
		MinAccessTokenValidity: viper.GetDuration(vendorKey(id, "min-token-validity")),
	}, store)
}

func retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = viper.GetInt("retry.max-retries")
	p.Base = viper.GetDuration("retry.base")
	p.Max = viper.GetDuration("retry.max")
	p.Jitter = viper.GetFloat64("retry.jitter")
	return p
}

func loadNormalizer() (*normalize.Normalizer, error) {
	file := viper.GetString("normalize.rules-file")
	if file == "" {
		return normalize.New(nil), nil
	}
	rules, err := normalize.LoadRulesFile(file)
	if err != nil {
		return nil, err
	}
	logging.Logger(nil).Infof("loaded %d type inference rules from %s", len(rules), file)
	return normalize.New(rules), nil
}

// buildAdapters creates an adapter for every enabled vendor. Token managers
// are returned for the OAuth callback handler and the login command.
func buildAdapters(ctx context.Context, store credstore.Store) ([]vendor.Adapter, []*oauth.Manager, error) {
	norm, err := loadNormalizer()
	if err != nil {
		return nil, nil, err
	}
	retrier := retry.New(retryPolicy())

	var adapters []vendor.Adapter
	var managers []*oauth.Manager

	for _, id := range oauthVendors {
		if !vendorEnabled(id) {
			continue
		}
		m := newTokenManager(id, store)
		managers = append(managers, m)

		if id == nest.ID {
			if err := checkRequiredFlags(vendorKey(id, "project-id")); err != nil {
				return nil, nil, err
			}
			a, err := nest.New(ctx, nest.Config{
				ProjectID:   viper.GetString(vendorKey(id, "project-id")),
				FanDuration: viper.GetDuration(vendorKey(id, "fan-duration")),
			}, m, nil, nest.WithRetrier(retrier), nest.WithNormalizer(norm))
			if err != nil {
				return nil, nil, err
			}
			adapters = append(adapters, a)
			continue
		}

		if err := checkRequiredFlags(vendorKey(id, "base-url")); err != nil {
			return nil, nil, err
		}
		client := vendor.NewClient(id, viper.GetString(vendorKey(id, "base-url")), m, vendor.WithRetrier(retrier))
		switch id {
		case cloudhub.ID:
			adapters = append(adapters, cloudhub.New(client, norm))
		case lockvendora.ID:
			adapters = append(adapters, lockvendora.New(client, norm))
		case lockvendorb.ID:
			adapters = append(adapters, lockvendorb.New(client, norm))
		}
	}

	if vendorEnabled(hue.ID) {
		if err := checkRequiredFlags(vendorKey(hue.ID, "host")); err != nil {
			return nil, nil, err
		}
		adapters = append(adapters, hue.New(viper.GetString(vendorKey(hue.ID, "host")), norm))
	}

	if len(adapters) == 0 {
		return nil, nil, errors.New("no vendors are enabled, set vendors.<id>.enabled")
	}
	return adapters, managers, nil
}

// initializeAdapters checks each adapter's credentials. A vendor that is not
// connected yet is logged and left in the registry; its calls fail with an
// authentication error until a token is stored.
func initializeAdapters(ctx context.Context, adapters []vendor.Adapter) {
	for _, a := range adapters {
		token := ""
		if a.ID() == hue.ID {
			token = viper.GetString(vendorKey(hue.ID, "app-key"))
		}
		if err := a.Initialize(ctx, token); err != nil {
			logging.Component(ctx, a.ID()).WithError(err).Warn("vendor is not connected")
			continue
		}
		logging.Component(ctx, a.ID()).Info("vendor connected")
	}
}

// buildRecorder assembles the audit sinks and metrics from configuration.
// Events always go to the log; SQLite and InfluxDB are optional.
func buildRecorder() (*audit.Recorder, *audit.MemoryMetrics, closers, error) {
	var cl closers
	sinks := audit.Multi{audit.NewLogSink(nil)}

	if path := viper.GetString("audit.sqlite-path"); path != "" {
		s, err := audit.OpenSQLite(path)
		if err != nil {
			return nil, nil, nil, err
		}
		cl = append(cl, s)
		sinks = append(sinks, s)
	}

	memory := audit.NewMemoryMetrics()
	metrics := audit.MultiMetrics{memory}

	if url := viper.GetString("influxdb.url"); url != "" {
		im, err := audit.NewInfluxMetrics(audit.InfluxConfig{
			URL:    url,
			Token:  viper.GetString("influxdb.token"),
			Org:    viper.GetString("influxdb.org"),
			Bucket: viper.GetString("influxdb.bucket"),
		})
		if err != nil {
			cl.Close()
			return nil, nil, nil, err
		}
		cl = append(cl, closeFunc(func() error { im.Close(); return nil }))
		metrics = append(metrics, im)
	}

	return audit.NewRecorder(sinks, metrics), memory, cl, nil
}

func buildAuthorizer() *authz.Service {
	var presence authz.PresenceVerifier
	if secret := viper.GetString("auth.presence-secret"); secret != "" {
		presence = authz.NewAssertionVerifier(secret, viper.GetDuration("auth.presence-max-age"))
	} else {
		logging.Logger(nil).Warn("auth.presence-secret is not set, unlock commands will be refused")
	}
	return authz.NewService(presence)
}

func buildHub(adapters []vendor.Adapter, recorder *audit.Recorder) *hub.Hub {
	budget := ratelimit.NewBudget(viper.GetInt("hub.budget"), viper.GetDuration("hub.budget-window"))
	for _, a := range adapters {
		if n := viper.GetInt(vendorKey(a.ID(), "budget")); n > 0 {
			budget.SetVendorLimit(a.ID(), n)
		}
	}

	return hub.New(vendor.NewRegistry(adapters...),
		hub.WithAuthorizer(buildAuthorizer()),
		hub.WithGate(ratelimit.NewGate(viper.GetDuration("hub.min-interval"))),
		hub.WithBudget(budget),
		hub.WithRecorder(recorder),
		hub.WithSettleDelay(viper.GetDuration("hub.settle-delay")),
		hub.WithCommandTimeout(viper.GetDuration("hub.command-timeout")),
		hub.WithFetchConcurrency(viper.GetInt("hub.fetch-concurrency")),
	)
}

// startMQTT forwards hub events to the broker until ctx is done. It does
// nothing when no broker is configured.
func startMQTT(ctx context.Context, h *hub.Hub) (io.Closer, error) {
	broker := viper.GetString("mqtt.broker")
	if broker == "" {
		return closeFunc(func() error { return nil }), nil
	}

	client, err := events.DialMQTT(events.MQTTConfig{
		Broker:   broker,
		ClientID: viper.GetString("mqtt.client-id"),
		Username: viper.GetString("mqtt.username"),
		Password: viper.GetString("mqtt.password"),
		Prefix:   viper.GetString("mqtt.prefix"),
		QoS:      byte(viper.GetUint("mqtt.qos")),
	})
	if err != nil {
		return nil, err
	}

	pub := events.NewMQTTPublisher(client, viper.GetString("mqtt.prefix"), byte(viper.GetUint("mqtt.qos")))
	go pub.Run(ctx, h.Bus())

	return closeFunc(func() error { events.Disconnect(client); return nil }), nil
}
