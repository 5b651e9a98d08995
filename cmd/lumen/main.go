// The lumen binary runs the whole subsystem in a single process: an
// embedded relay broker, the identity service with its device list
// store, and a loopback demonstration of the linking handshake between
// a primary and a freshly minted secondary device.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/lumen-im/lumen/backup"
	"github.com/lumen-im/lumen/devicelist"
	devicelistapi "github.com/lumen-im/lumen/devicelist/api"
	"github.com/lumen-im/lumen/internal"
	"github.com/lumen-im/lumen/internal/caching"
	"github.com/lumen-im/lumen/internal/httputil"
	"github.com/lumen-im/lumen/linking"
	linkingapi "github.com/lumen-im/lumen/linking/api"
	"github.com/lumen-im/lumen/relay"
	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/setup/jetstream"
	"github.com/lumen-im/lumen/setup/process"
	"github.com/lumen-im/lumen/signing"
)

var (
	configPath     = flag.String("config", "", "The path to the config file, or empty for generated single-process defaults")
	httpBindAddr   = flag.String("http-bind-address", "localhost:7770", "The HTTP listen address for the internal API and metrics")
	demoUserID     = flag.String("demo-user", "alice", "The account to run the loopback linking demo against")
	demoUserSecret = flag.String("demo-user-secret", "correct horse battery staple", "The backup secret guarding the demo escrow")
)

func main() {
	flag.Parse()
	internal.SetupStdLogging()

	var cfg *config.Lumen
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logrus.WithError(err).Fatalf("Failed to load config from %q", *configPath)
		}
	} else {
		defaults := config.Defaults(config.DefaultOpts{Generate: true, Monolithic: true})
		cfg = &defaults
	}
	internal.SetLoggingLevel(cfg.Logging)

	if cfg.Global.Sentry.Enabled {
		logrus.Info("Setting up Sentry for debugging...")
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Global.Sentry.DSN,
			Environment: cfg.Global.Sentry.Environment,
		})
		if err != nil {
			logrus.WithError(err).Panic("Failed to start Sentry")
		}
	}

	processCtx := process.NewProcessContext()
	js, nc := jetstream.Prepare(processCtx, &cfg.Global.JetStream)
	defer nc.Close()

	caches, err := caching.NewRistrettoCache(
		caching.CacheSize(cfg.DeviceListAPI.CacheMaxBytes), cfg.Global.Metrics.Enabled,
	)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create caches")
	}

	primary := primaryIdentity(cfg)
	deviceListAPI := devicelist.NewInternalAPI(&cfg.DeviceListAPI, primary, caches)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	internalMux := router.PathPrefix(httputil.InternalPathPrefix).Subrouter()
	devicelist.AddInternalRoutes(internalMux, deviceListAPI)
	if cfg.Global.Metrics.Enabled {
		router.Handle("/metrics", promhttp.Handler())
	}
	go func() {
		logrus.Infof("Listening on %s", *httpBindAddr)
		if err := http.ListenAndServe(*httpBindAddr, router); err != nil {
			logrus.WithError(err).Error("HTTP server stopped")
			processCtx.Degraded()
		}
	}()

	transport := relay.NewJetStreamRelay(js, &cfg.Global.JetStream)
	go runDemo(processCtx, cfg, deviceListAPI, transport, primary)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		processCtx.ShutdownLumen()
	}()

	<-processCtx.WaitForShutdown()
	processCtx.WaitForComponentsToFinish()
}

func primaryIdentity(cfg *config.Lumen) signing.KeyPair {
	if len(cfg.Global.SigningKey) > 0 {
		return signing.NewKeyPair(cfg.Global.SigningKey)
	}
	pair, err := signing.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to generate a signing key")
	}
	logrus.WithField("device_id", string(pair.DeviceID)).Warn("No signing key configured, generated an ephemeral one")
	return pair
}

// runDemo links a synthetic secondary device into the demo account and
// hands it the escrowed backup keys, exercising every message of the
// handshake in-process.
func runDemo(
	processCtx *process.ProcessContext, cfg *config.Lumen,
	deviceListAPI devicelistapi.DeviceListInternalAPI,
	transport relay.Relay, primary signing.KeyPair,
) {
	processCtx.ComponentStarted()
	defer processCtx.ComponentFinished()
	ctx := processCtx.Context()

	var createRes devicelistapi.PerformDeviceListUpdateResponse
	err := deviceListAPI.PerformCreateDeviceList(ctx, &devicelistapi.PerformCreateDeviceListRequest{
		UserID:      *demoUserID,
		DeviceClass: devicelistapi.DeviceClassMobile,
	}, &createRes)
	if err != nil {
		logrus.WithError(err).Error("Demo: failed to create the device list")
		return
	}

	escrow, err := backup.NewEscrow(*demoUserSecret, backup.Keys{
		BackupDataKey:    "demo-backup-data-key",
		BackupLogDataKey: "demo-backup-log-key",
	})
	if err != nil {
		logrus.WithError(err).Error("Demo: failed to seal the escrow")
		return
	}

	secondary, err := signing.GenerateKeyPair()
	if err != nil {
		logrus.WithError(err).Error("Demo: failed to mint the secondary identity")
		return
	}

	registrantAPI := linking.NewLinkingAPI(&cfg.Linking, deviceListAPI, transport, secondary)
	registrant, err := registrantAPI.StartAsRegistrant(ctx, &linkingapi.StartAsRegistrantRequest{
		DeviceClass:       devicelistapi.DeviceClassWeb,
		Identity:          secondary,
		RequestBackupKeys: true,
	})
	if err != nil {
		logrus.WithError(err).Error("Demo: failed to start the registrant session")
		return
	}

	// The "scan": hand the rendered payload straight to the authorizer.
	authorizerAPI := linking.NewLinkingAPI(&cfg.Linking, deviceListAPI, transport, primary)
	authorizer, err := authorizerAPI.StartAsAuthorizer(ctx, &linkingapi.StartAsAuthorizerRequest{
		ScannedPayload: registrant.DisplayPayload(),
		UserID:         *demoUserID,
		ConfirmReplace: func(ctx context.Context, old signing.DeviceID) bool { return true },
		BackupKeys:     func() (backup.Keys, error) { return escrow.Retrieve(*demoUserSecret) },
	})
	if err != nil {
		logrus.WithError(err).Error("Demo: failed to start the authorizer session")
		return
	}

	deadline := time.After(cfg.Linking.SessionTTL + time.Second)
	for done := 0; done < 2; {
		select {
		case res := <-authorizer.Result():
			logDemoResult("authorizer", res)
			done++
		case res := <-registrant.Result():
			logDemoResult("registrant", res)
			done++
		case <-deadline:
			logrus.Error("Demo: sessions did not resolve in time")
			return
		case <-ctx.Done():
			return
		}
	}
}

func logDemoResult(role string, res linkingapi.Result) {
	log := logrus.WithField("role", role)
	if !res.Linked {
		log.WithError(res.Err).Errorf("Demo: session failed (%s)", res.Reason)
		return
	}
	log = log.WithFields(logrus.Fields{
		"user_id": res.UserID,
		"primary": string(res.PrimaryDeviceID),
	})
	if res.BackupKeys != nil {
		log = log.WithField("backup_keys", "received")
	}
	log.Info("Demo: device linked")
}
