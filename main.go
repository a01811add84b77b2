package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"rov-surface/actuator"
	"rov-surface/common"
	"rov-surface/config"
	"rov-surface/frame"
	"rov-surface/fuser"
	"rov-surface/gateway"
	"rov-surface/metrics"
	"rov-surface/router"
	"rov-surface/sensor"
	"rov-surface/session"
	"rov-surface/station"
	"rov-surface/vehicle"
)

var logger = log.New(os.Stdout, "[ROV-Surface] ", log.LstdFlags|log.Lshortfile)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "run":
		err = runCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "replay":
		err = replayCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		logger.Fatalf("rov-surface %s: %v", cmd, err)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to configuration file (default ./config.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	obs := metrics.NewObserver(reg)

	// Отказ открыть порт или подключиться к бортовому компьютеру при старте фатален
	act := actuator.NewLink(cfg.Serial, func() (io.ReadWriteCloser, error) {
		return actuator.OpenSerial(cfg.Serial.Device, cfg.Serial.Baud)
	}, actuator.WithRecorder(obs))
	if err := act.Start(); err != nil {
		return fmt.Errorf("actuator link: %w", err)
	}

	veh := vehicle.NewLink(cfg.Vehicle, vehicle.WithRecorder(obs))
	if err := veh.Start(); err != nil {
		_ = act.Stop()
		return fmt.Errorf("vehicle link: %w", err)
	}

	sensors := sensor.NewAcquirer(cfg.Sensors, afero.NewOsFs())
	sensors.Start()

	opts := []station.Option{station.WithObserver(obs)}
	if cfg.Session.Path != "" {
		recorded := *cfg
		recorded.Vehicle.Password = ""
		rec, err := session.NewRecorder(ctx, cfg.Session.Path, recorded)
		if err != nil {
			sensors.Stop()
			_ = veh.Stop()
			_ = act.Stop()
			return err
		}
		defer rec.Close()
		opts = append(opts, station.WithTickRecorder(rec))
	}

	r := router.New(cfg.Router, map[common.Target]router.Link{
		common.TargetActuator: act,
		common.TargetVehicle:  veh,
	}, router.WithRecorder(obs))

	st := station.New(cfg.Loop, station.Sources{
		Sensors:  sensors,
		Actuator: act,
		Vehicle:  veh,
	}, fuser.New(cfg.Fuser), r, opts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.Run(gctx) })

	if cfg.Gateway.Enabled {
		gw := gateway.New(cfg.Gateway, st, reg)
		st.Subscribe(gw.PublishState)
		st.SubscribeOutcomes(gw.PublishOutcome)
		g.Go(func() error { return gw.Run(gctx) })
	}

	logger.Println("ROV surface station started. Press Ctrl+C to stop.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Println("ROV surface station stopped")
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	out, err := cfg.Dump()
	if err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	fmt.Printf("%s\n", out)
	fmt.Printf("actuator commands: %s\n", strings.Join(frame.SupportedCommands(), ", "))
	fmt.Printf("vehicle commands:  %s\n", strings.Join(vehicle.SupportedCommands(), ", "))
	fmt.Println("config looks good")
	return nil
}

func replayCommand(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	dbPath := fs.String("db", "session.db", "Path to recorded session database")
	sessionID := fs.Int64("session", 0, "Session to replay (0 lists sessions)")
	graceOverride := fs.Int("fault-grace", 0, "Replay with a different fault grace (0 keeps the recorded one)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *sessionID == 0 {
		sessions, err := session.Sessions(ctx, *dbPath)
		if err != nil {
			return err
		}
		for _, s := range sessions {
			fmt.Printf("session %d: started %s, %s ticks over %s, final version %s\n",
				s.ID, humanize.Time(s.StartedAt), humanize.Comma(int64(s.Ticks)),
				s.Duration().Round(time.Second), humanize.Comma(int64(s.Version)))
		}
		return nil
	}

	var opts []session.ReplayOption
	if *graceOverride > 0 {
		opts = append(opts, session.WithFaultGrace(*graceOverride))
	}
	result, err := session.Replay(ctx, *dbPath, *sessionID, opts...)
	if err != nil {
		return err
	}

	fmt.Printf("replayed %s ticks, %s inputs with fault grace %d, final version %d\n",
		humanize.Comma(int64(result.Ticks)), humanize.Comma(int64(result.Inputs)),
		result.Config.FaultGrace, result.Final.Version)
	if len(result.Mismatches) > 0 {
		fmt.Printf("version diverged from the recording in %d ticks, first at tick %d\n",
			len(result.Mismatches), result.Mismatches[0])
	}
	return nil
}

func printUsage() {
	fmt.Printf(`ROV surface station

Usage:
  rov-surface <command> [flags]

Commands:
  run        Start the telemetry/command bridge
  validate   Load and validate the configuration, print the effective settings
  replay     List recorded sessions or re-fuse one of them

Examples:
  rov-surface run -config ./config.yaml
  ROV_VEHICLE_BROKER=tcp://192.168.2.2:1883 rov-surface run
  rov-surface validate -config ./config.yaml
  rov-surface replay -db ./session.db -session 3
`)
}
