package jetstream

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	natsserver "github.com/nats-io/nats-server/v2/server"
	natsclient "github.com/nats-io/nats.go"

	"github.com/lumen-im/lumen/setup/config"
	"github.com/lumen-im/lumen/setup/process"
)

var natsServer *natsserver.Server
var natsServerMutex sync.Mutex

// Prepare connects to the NATS deployment named in the configuration, or
// starts an embedded server if no addresses are configured, and makes sure
// the relay streams exist. The embedded server is shut down when the
// process context is.
func Prepare(ctx *process.ProcessContext, cfg *config.JetStream) (natsclient.JetStreamContext, *natsclient.Conn) {
	// check if we need an in-process NATS Server
	if len(cfg.Addresses) != 0 {
		return setupNATS(ctx, cfg, nil)
	}
	natsServerMutex.Lock()
	if natsServer == nil {
		var err error
		natsServer, err = natsserver.NewServer(&natsserver.Options{
			ServerName:      "lumen",
			DontListen:      true,
			JetStream:       true,
			StoreDir:        string(cfg.StoragePath),
			NoSystemAccount: true,
		})
		if err != nil {
			panic(err)
		}
		natsServer.SetLogger(NewLogAdapter(), false, false)
		go func() {
			natsServer.Start()
		}()
		go func() {
			<-ctx.WaitForShutdown()
			natsServer.Shutdown()
			natsServer.WaitForShutdown()
		}()
	}
	natsServerMutex.Unlock()
	if !natsServer.ReadyForConnections(time.Second * 10) {
		logrus.Fatalln("NATS did not start in time")
	}
	nc, err := natsclient.Connect("", natsclient.InProcessServer(natsServer))
	if err != nil {
		logrus.Fatalln("Failed to create NATS client")
	}
	return setupNATS(ctx, cfg, nc)
}

func setupNATS(ctx *process.ProcessContext, cfg *config.JetStream, nc *natsclient.Conn) (natsclient.JetStreamContext, *natsclient.Conn) {
	if nc == nil {
		var err error
		nc, err = natsclient.Connect(strings.Join(cfg.Addresses, ","))
		if err != nil {
			logrus.WithError(err).Panic("Unable to connect to NATS")
			return nil, nil
		}
	}

	s, err := nc.JetStream()
	if err != nil {
		logrus.WithError(err).Panic("Unable to get JetStream context")
		return nil, nil
	}

	for _, stream := range streams { // streams are defined in streams.go
		name := cfg.Prefixed(stream.Name)
		info, err := s.StreamInfo(name)
		if err != nil && err != natsclient.ErrStreamNotFound {
			logrus.WithError(err).Fatal("Unable to get stream info")
		}
		if info == nil {
			// Make a copy of the config so a shared prefix from a previous
			// call doesn't leak into this one.
			sc := *stream
			sc.Name = name
			sc.Subjects = []string{cfg.Prefixed(ToDeviceSubject) + ".>"}
			// If we're trying to keep everything in memory (e.g. unit tests)
			// then overwrite the storage policy.
			if cfg.InMemory {
				sc.Storage = natsclient.MemoryStorage
			}

			if _, err = s.AddStream(&sc); err != nil {
				logrus.WithError(err).WithField("stream", name).Fatal("Unable to add stream")
			}
		}
	}

	return s, nc
}
