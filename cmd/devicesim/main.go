// Command devicesim plays the device side of kidgate against a running
// server: it refreshes its token, sends heartbeats, follows configuration
// versions and acknowledges every job it is handed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"kidgate/internal/deviceclient"

	"github.com/rs/zerolog"
)

const Version = "0.1.0"

func main() {
	saveCmd := flag.NewFlagSet("save", flag.ExitOnError)
	saveServer := saveCmd.String("server", "", "Backend server URL")
	saveCode := saveCmd.String("code", "", "Device code")
	saveSecret := saveCmd.String("secret", "", "Refresh secret returned by binding or bootstrap provisioning")
	saveState := saveCmd.String("state", defaultStatePath(), "State file")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runState := runCmd.String("state", defaultStatePath(), "State file")
	heartbeatEvery := runCmd.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	pollEvery := runCmd.Duration("poll", 5*time.Second, "Job poll interval")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	switch os.Args[1] {
	case "save":
		saveCmd.Parse(os.Args[2:])
		if *saveServer == "" || *saveCode == "" || *saveSecret == "" {
			log.Fatal().Msg("--server, --code and --secret are required")
		}
		st := &deviceclient.State{ServerURL: *saveServer, DeviceCode: *saveCode, RefreshSecret: *saveSecret}
		if err := st.Save(*saveState); err != nil {
			log.Fatal().Err(err).Msg("Failed to save state")
		}
		log.Info().Str("state", *saveState).Msg("Device identity saved")
	case "run":
		runCmd.Parse(os.Args[2:])
		if err := run(log, *runState, *heartbeatEvery, *pollEvery); err != nil {
			log.Fatal().Err(err).Msg("Device stopped")
		}
	case "version":
		fmt.Printf("kidgate devicesim %s\n", Version)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("kidgate device simulator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  devicesim save --server URL --code CODE --secret SECRET")
	fmt.Println("  devicesim run [--heartbeat 30s] [--poll 5s]")
	fmt.Println("  devicesim version")
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "kidgate", "device.json")
}

func run(log zerolog.Logger, statePath string, heartbeatEvery, pollEvery time.Duration) error {
	st, err := deviceclient.LoadState(statePath)
	if err != nil {
		return fmt.Errorf("failed to load state (run 'save' first): %w", err)
	}
	log = log.With().Str("device_code", st.DeviceCode).Logger()
	log.Info().Str("server", st.ServerURL).Str("version", Version).Msg("Starting device")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := &device{log: log, client: st.Client(), state: st, statePath: statePath}
	if err := d.client.Refresh(ctx); err != nil {
		return err
	}

	heartbeatTicker := time.NewTicker(heartbeatEvery)
	defer heartbeatTicker.Stop()
	jobTicker := time.NewTicker(pollEvery)
	defer jobTicker.Stop()

	d.heartbeat(ctx)
	d.syncConfig(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case <-heartbeatTicker.C:
			d.heartbeat(ctx)
		case <-jobTicker.C:
			d.drainJobs(ctx)
		}
	}
}

type device struct {
	log       zerolog.Logger
	client    *deviceclient.Client
	state     *deviceclient.State
	statePath string
}

func (d *device) heartbeat(ctx context.Context) {
	hb := deviceclient.Heartbeat{UIVersion: Version, Model: "devicesim"}
	if err := d.client.Heartbeat(ctx, hb); err != nil {
		d.log.Warn().Err(err).Msg("Heartbeat failed")
	}
}

func (d *device) syncConfig(ctx context.Context) {
	cfg, err := d.client.Config(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("Config fetch failed")
		return
	}
	if cfg.Version == d.state.ConfigVersion {
		return
	}
	d.log.Info().Int64("from", d.state.ConfigVersion).Int64("to", cfg.Version).Msg("Applied config")
	d.state.ConfigVersion = cfg.Version
	if err := d.state.Save(d.statePath); err != nil {
		d.log.Warn().Err(err).Msg("Failed to save state")
	}
}

// drainJobs claims jobs until the queue is empty.
func (d *device) drainJobs(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := d.client.NextJob(ctx)
		if err != nil {
			d.log.Warn().Err(err).Msg("Failed to get jobs")
			return
		}
		if job == nil {
			return
		}

		d.log.Info().Str("job_id", job.ID).Str("type", job.Type).RawJSON("payload", job.Payload).Msg("Processing job")
		ack := d.execute(ctx, job)
		if err := d.client.Ack(ctx, job.ID, ack); err != nil && !deviceclient.IsCode(err, "conflict") {
			d.log.Warn().Err(err).Str("job_id", job.ID).Msg("Ack failed")
		}
	}
}

func (d *device) execute(ctx context.Context, job *deviceclient.Job) deviceclient.Ack {
	switch job.Type {
	case "SYNC_CONFIG":
		d.syncConfig(ctx)
	case "LOCATE":
		d.heartbeat(ctx)
	case "SHOW_MESSAGE", "LOCK_DEVICE":
		var p struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return failed(err)
		}
		d.log.Info().Str("message", p.Message).Msg("Displaying message")
	}
	result, _ := json.Marshal(map[string]string{"handled_by": "devicesim"})
	return deviceclient.Ack{Status: "completed", Result: result}
}

func failed(err error) deviceclient.Ack {
	return deviceclient.Ack{Status: "error", Error: err.Error()}
}
