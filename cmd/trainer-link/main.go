package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/trainer-link/internal/bt"
	"github.com/lowaak/smart-trainer/trainer-link/internal/config"
	"github.com/lowaak/smart-trainer/trainer-link/internal/goroutine"
	"github.com/lowaak/smart-trainer/trainer-link/internal/logging"
	"github.com/lowaak/smart-trainer/trainer-link/internal/monitor"
	"github.com/lowaak/smart-trainer/trainer-link/internal/publish"
	"github.com/lowaak/smart-trainer/trainer-link/internal/session"
	"github.com/lowaak/smart-trainer/trainer-link/internal/telemetry"
)

const appName = "trainer-link"

func main() {
	cfg, err := config.Load(appName, os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Printf("Usage of %s:\n%s", appName, config.Usage(appName))
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logView := monitor.NewLogView()
	logger, closer := logging.New(cfg, tview.ANSIWriter(logView), true)
	defer closer.Close()

	btm := bt.NewManager(logger, bluetooth.DefaultAdapter, cfg.ScanTimeout)
	if err := btm.Enable(); err != nil {
		return fmt.Errorf("enable BLE stack: %w", err)
	}
	defer btm.Shutdown()

	sessions := session.NewManager(logger, cfg.SessionConfig())
	defer sessions.CloseAll()
	defer sessions.WatchDisconnects(btm.Disconnects())()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	pub, err := publish.NewPublisher(logger, cfg)
	switch {
	case errors.Is(err, publish.ErrDisabled):
		logger.Printf("Main: MQTT publishing disabled")
	case err != nil:
		return err
	default:
		defer pub.Disconnect()
		goroutine.SafeGoWG(logger, &wg, func() {
			if err := pub.Connect(ctx); err != nil {
				logger.Printf("Main: MQTT connect: %v", err)
				return
			}
			if err := pub.Run(ctx, sessions.Records(), sessions.Control()); err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("Main: MQTT publisher stopped: %v", err)
			}
		})
	}

	model := monitor.NewModel()
	rows := make(chan []monitor.DeviceRow, 1)
	forward(ctx, logger, &wg, model, btm, sessions, rows)

	state := monitor.LoadState(logger, monitor.DefaultStatePath())
	controller := monitor.NewController(logger, model, btm, sessions, state)
	defer controller.Shutdown()

	controller.AutoConnect(cfg.Device, rows)
	logger.Printf("Main: starting BLE scan")
	controller.ToggleScan()

	app := tview.NewApplication()
	return monitor.NewView(logger, app, logView, model, controller).Run()
}

// forward copies the BLE and session feeds into the model. Device lists are
// also offered to rows without blocking.
func forward(
	ctx context.Context,
	logger *log.Logger,
	wg *sync.WaitGroup,
	model *monitor.Model,
	btm *bt.Manager,
	sessions *session.Manager,
	rows chan<- []monitor.DeviceRow,
) {
	scanned := make(chan []*bt.Device, 4)
	connected := make(chan []*bt.Device, 4)
	records := make(chan telemetry.Record, 64)
	control := make(chan session.ControlState, 16)

	goroutine.SafeGoWG(logger, wg, func() {
		defer btm.DeviceList().Listen(scanned)()
		defer btm.Connected().Listen(connected)()
		defer sessions.Records().Listen(records)()
		defer sessions.Control().Listen(control)()

		refresh := func() {
			list := monitor.DeviceRows(btm.ScanDevices(), btm.ConnectedDevices())
			model.SetDevices(list)
			select {
			case rows <- list:
			default:
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-scanned:
				refresh()
			case <-connected:
				refresh()
			case rec := <-records:
				model.ApplyRecord(rec)
			case st := <-control:
				model.ApplyControl(st)
			}
		}
	})
}
