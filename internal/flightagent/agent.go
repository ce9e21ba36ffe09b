package flightagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/flightgate/internal/flight/core"
	"github.com/autopeer-io/flightgate/internal/flight/link"
	"github.com/autopeer-io/flightgate/internal/flight/record"
	"github.com/autopeer-io/flightgate/internal/flight/server"
	"github.com/autopeer-io/flightgate/internal/flight/session"
	"github.com/autopeer-io/flightgate/internal/flight/storage"
	"github.com/autopeer-io/flightgate/internal/flight/telemetry"
	"github.com/autopeer-io/flightgate/internal/pkg/metrics"
	"github.com/autopeer-io/flightgate/pkg/log"
	"github.com/autopeer-io/flightgate/pkg/mqtt"
	"github.com/autopeer-io/flightgate/pkg/options"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectTimeout = 2 * time.Second
	archiveTimeout    = 30 * time.Second
)

var errNotReady = errors.New("session not running")

// Agent runs one flight session per process.
type Agent struct {
	uri     link.URI
	session session.Config

	mqtt      mqtt.Client
	topicRoot string
	// sim overrides the simulated vehicle built from the URI.
	sim *link.SimOptions

	storage    storage.Provider
	recordFile string

	httpOptions *options.HttpOptions
	out         io.Writer

	running atomic.Bool
}

// Run flies the session and serves health and metrics while it lasts.
// The returned error carries the session outcome; see ExitCode. A failing
// listener is logged and never cuts the flight short.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("Starting cpeer-flight", "uri", a.uri.String())

	var g errgroup.Group
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	if a.httpOptions != nil {
		srv := server.NewServer(a.httpOptions, metrics.Registry, a.ready)
		g.Go(func() error {
			if err := srv.Start(serverCtx); err != nil {
				log.Error(err, "HTTP server stopped, continuing without health and metrics", "addr", a.httpOptions.Addr)
			}
			return nil
		})
	}

	var flyErr error
	g.Go(func() error {
		defer stopServer()
		flyErr = a.fly(ctx)
		return nil
	})

	_ = g.Wait()
	return flyErr
}

func (a *Agent) ready() error {
	if !a.running.Load() {
		return errNotReady
	}
	return nil
}

func (a *Agent) fly(ctx context.Context) error {
	if a.mqtt != nil {
		if err := a.mqtt.Start(ctx); err != nil {
			return core.NewLinkError("mqtt start", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
			defer cancel()
			a.mqtt.Disconnect(dctx)
		}()

		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err := a.mqtt.AwaitConnection(cctx)
		cancel()
		if err != nil {
			return core.NewLinkError("mqtt connect", err)
		}
	}

	conn, err := link.Open(ctx, a.uri.String(), link.Deps{MQTT: a.mqtt, TopicRoot: a.topicRoot, Sim: a.sim})
	if err != nil {
		return err
	}

	var sink io.Writer
	var file *os.File
	if a.recordFile != "" {
		if file, err = os.Create(a.recordFile); err != nil {
			_ = conn.Release(context.WithoutCancel(ctx))
			return fmt.Errorf("%w: create recording: %v", core.ErrConfiguration, err)
		}
		sink = file
	}
	recorder := record.NewRecorder(sink)

	cfg := a.session
	cfg.Observers = []core.Observer{telemetry.LogObserver(log.WithName("telemetry")), recorder}

	orch, err := session.New(conn, cfg)
	if err != nil {
		_ = conn.Release(context.WithoutCancel(ctx))
		closeFile(file)
		return err
	}

	a.running.Store(true)
	report, runErr := orch.Run(ctx)
	a.running.Store(false)

	if err := recorder.Flush(); err != nil {
		log.Error(err, "Failed to write recording", "file", a.recordFile)
	}
	closeFile(file)

	if report != nil {
		log.Info("Session finished",
			"session", report.ID,
			"outcome", report.Outcome,
			"executed", report.Executed,
			"samples", report.Samples,
			"readinessWait", report.ReadinessWait,
			"duration", report.Duration,
		)
		if err := recorder.WriteTable(a.out); err != nil {
			log.Error(err, "Failed to write summary")
		}
		a.archive(ctx, report.ID)
	}

	return runErr
}

// archive uploads the recording. Failures are logged; the session result
// stands on its own.
func (a *Agent) archive(ctx context.Context, id string) {
	if a.storage == nil || a.recordFile == "" {
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	if err := a.storage.CheckBucket(actx); err != nil {
		log.Error(err, "Object storage unavailable, recording kept locally", "file", a.recordFile)
		return
	}

	key := path.Join(time.Now().UTC().Format("20060102"), id+".jsonl")
	stored, err := record.Archive(actx, a.storage, key, a.recordFile)
	if err != nil {
		log.Error(err, "Failed to archive recording", "file", a.recordFile)
		return
	}

	url, err := a.storage.GeneratePresignedURL(actx, stored, 24*time.Hour)
	if err != nil {
		log.Warn("Recording archived without download link", "key", stored, "error", err.Error())
		return
	}
	log.Info("Recording archived", "key", stored, "url", url)
}

func closeFile(f *os.File) {
	if f == nil {
		return
	}
	if err := f.Close(); err != nil {
		log.Error(err, "Failed to close recording", "file", f.Name())
	}
}

// ExitCode maps a session error to the process exit status: 0 on success,
// 1 when the vehicle never became ready, 2 for everything else.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, core.ErrReadinessTimeout):
		return 1
	default:
		return 2
	}
}
