package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/korovkin/limiter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	apioption "google.golang.org/api/option"

	"github.com/jake-scott/devicehub/internal/pkg/device"
	"github.com/jake-scott/devicehub/internal/pkg/logging"
	"github.com/jake-scott/devicehub/internal/pkg/retry"
	"github.com/jake-scott/devicehub/internal/pkg/vendor"
	"github.com/jake-scott/devicehub/internal/pkg/vendor/nest"
)

var _listenCmdOpts struct {
	googlePubSubSubscription string
	googlePubSubProjectID    string
	googleCloudCredsFile     string
	maxMessageAge            time.Duration
	maxConcurrent            int
	logMessages              bool
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Follow Nest device events and publish the updated devices",
	Long: `listen pulls Smart Device Management events from a Google Pub/Sub
subscription. Every event causes the device to be re-read, so subscribers
of the hub (MQTT, the event stream) see the new state.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doListen(); err != nil {
			return err
		}

		return nil
	},

	PreRunE: func(cmd *cobra.Command, args []string) error {
		return checkRequiredFlags("vendors.nest.project-id", "google.pubsub.subscription-id",
			"google.pubsub.project-id", "google.creds.file")
	},
}

func init() {
	listenCmd.Flags().StringVar(&_listenCmdOpts.googlePubSubProjectID, "pubsub-project", "", "ID of Google cloud project containing the pub/sub subscription")
	listenCmd.Flags().StringVar(&_listenCmdOpts.googlePubSubSubscription, "pubsub-subscription", "", "Google pub/sub subscription ID")
	listenCmd.Flags().StringVar(&_listenCmdOpts.googleCloudCredsFile, "gcp-creds", "", "Google Cloud service account credentials file")
	listenCmd.Flags().DurationVar(&_listenCmdOpts.maxMessageAge, "pubsub-maxage", nest.DefaultMaxMessageAge, "maximum age of a Device Access message that we will process, eg. 1m or 10s")
	listenCmd.Flags().IntVar(&_listenCmdOpts.maxConcurrent, "max-concurrent", 10, "number of events processed in parallel")
	listenCmd.Flags().BoolVar(&_listenCmdOpts.logMessages, "log-messages", false, "log pubsub messages (only in debug mode)")

	errPanic(viper.GetViper().BindPFlag("google.pubsub.project-id", listenCmd.Flags().Lookup("pubsub-project")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.subscription-id", listenCmd.Flags().Lookup("pubsub-subscription")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.max-message-age", listenCmd.Flags().Lookup("pubsub-maxage")))
	errPanic(viper.GetViper().BindPFlag("google.pubsub.max-concurrent", listenCmd.Flags().Lookup("max-concurrent")))
	errPanic(viper.GetViper().BindPFlag("google.creds.file", listenCmd.Flags().Lookup("gcp-creds")))
	errPanic(viper.GetViper().BindPFlag("logging.log-messages", listenCmd.Flags().Lookup("log-messages")))

	rootCmd.AddCommand(listenCmd)
}

// eventSource is the part of nest.EventSource the loops use
type eventSource interface {
	Pull(ctx context.Context) ([]nest.Event, error)
	Ack(ctx context.Context, ackIDs []string) error
}

// refresher re-reads a device through the hub; hub.Hub satisfies it
type refresher interface {
	GetDeviceState(ctx context.Context, id string) (device.Device, error)
}

func newEventSource(ctx context.Context) (*nest.EventSource, error) {
	var logMessages bool
	if viper.GetBool("logging.log-messages") {
		if logrus.IsLevelEnabled(logrus.DebugLevel) {
			logMessages = true
		} else {
			logging.Logger(nil).Warn("log-messages ignored when not in debug mode")
		}
	}

	return nest.NewEventSource(ctx, nest.EventConfig{
		SDMProjectID:   viper.GetString("vendors.nest.project-id"),
		GCPProjectID:   viper.GetString("google.pubsub.project-id"),
		SubscriptionID: viper.GetString("google.pubsub.subscription-id"),
		MaxMessageAge:  viper.GetDuration("google.pubsub.max-message-age"),
		LogMessages:    logMessages,
	}, apioption.WithCredentialsFile(viper.GetString("google.creds.file")))
}

// runListener pulls events and refreshes the devices they name until ctx is
// cancelled
func runListener(ctx context.Context, src eventSource, h refresher, maxConcurrent int) {
	var wg sync.WaitGroup

	// comms between pull and publish loops
	eventChan := make(chan nest.Event)

	wg.Add(1)
	go func() {
		defer wg.Done()
		publishLoop(ctx, maxConcurrent, src, h, eventChan)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pullLoop(ctx, src, eventChan, 5*time.Second)
	}()

	wg.Wait()
}

func pullLoop(ctx context.Context, src eventSource, c chan<- nest.Event, backoff time.Duration) {
	defer close(c)
	log := logging.Component(ctx, "listen")

	for {
		log.Debug("message-loop: waiting for messages")
		events, err := src.Pull(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				log.Info("message-loop: shutting down")
				return
			}

			log.WithError(err).Errorf("message-loop: pulling subscription messages, sleeping %v", backoff)
			select {
			case <-ctx.Done():
				log.Info("message-loop: shutting down")
				return
			case <-time.After(backoff):
			}
			continue
		}

		for _, event := range events {
			// don't block waiting for a busy publisher when shutting down
			select {
			case <-ctx.Done():
				log.Info("message-loop: shutting down")
				return
			case c <- event:
			}
		}
	}
}

func publishLoop(ctx context.Context, maxConcurrent int, src eventSource, h refresher, c <-chan nest.Event) {
	limit := limiter.NewConcurrencyLimiter(maxConcurrent)
	log := logging.Component(ctx, "listen")

	for event := range c {
		event := event
		limit.ExecuteWithTicket(func(ticket int) {
			publishEvent(ctx, ticket, src, h, event)
		})
	}

	log.Info("publish-loop: shutting down")
	limit.Wait()
	log.Info("publish-loop: done")
}

// publishEvent refreshes the device named by one event. The message is only
// acknowledged once the device was read, so failures are redelivered.
func publishEvent(ctx context.Context, ticket int, src eventSource, h refresher, event nest.Event) {
	log := logging.Component(ctx, "listen").WithFields(logrus.Fields{
		"ticket":  ticket,
		"eventId": event.EventID,
	})
	log.Debugf("publish-goroutine: traits %v", event.Traits.Names())

	id := device.QualifiedID(nest.ID, event.DeviceID)

	// the pull context may be cancelled while the read is in flight
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if _, err := h.GetDeviceState(readCtx, id); err != nil {
		log.WithError(err).Errorf("refreshing %s", id)
		return
	}

	if err := src.Ack(readCtx, []string{event.AckID}); err != nil {
		log.WithError(err).Error("acknowledging event")
	}
	log.Debug("publish-goroutine: done")
}

func doListen() error {
	// context to allow us to stop the request loops
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, storeCloser, err := openCredentialStore()
	if err != nil {
		return err
	}
	defer storeCloser.Close()

	norm, err := loadNormalizer()
	if err != nil {
		return err
	}
	a, err := nest.New(ctx, nest.Config{
		ProjectID:   viper.GetString("vendors.nest.project-id"),
		FanDuration: viper.GetDuration("vendors.nest.fan-duration"),
	}, newTokenManager(nest.ID, store), nil,
		nest.WithRetrier(retry.New(retryPolicy())), nest.WithNormalizer(norm))
	if err != nil {
		return err
	}
	initializeAdapters(ctx, []vendor.Adapter{a})

	recorder, _, cl, err := buildRecorder()
	if err != nil {
		return err
	}
	defer cl.Close()

	h := buildHub([]vendor.Adapter{a}, recorder)

	mqtt, err := startMQTT(ctx, h)
	if err != nil {
		return err
	}
	defer mqtt.Close()

	src, err := newEventSource(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runListener(ctx, src, h, viper.GetInt("google.pubsub.max-concurrent"))
	}()

	// ctrl-c handler
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	// Block until we receive a signal
	select {
	case <-c:
	case <-done:
	}
	logging.Logger(nil).Info("main: shutting down")

	// cancel the request loop context
	cancel()

	// Wait for processing to end
	<-done

	logging.Logger(nil).Info("main: exiting")
	return nil
}
