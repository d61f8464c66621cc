package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/app/playback"
	"github.com/dkeye/voicemesh/internal/app/presence"
	"github.com/dkeye/voicemesh/internal/app/relay"
	"github.com/dkeye/voicemesh/internal/app/voice"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/media"
	"github.com/dkeye/voicemesh/internal/metrics"
)

var (
	flagCapture string
	flagRecord  string
	flagMuted   bool
	flagStatus  time.Duration
	flagMetrics string
)

const speakingWindow = time.Second

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room's voice mesh until interrupted",
	Long: `Join a room's voice mesh and stay until Ctrl-C.

Examples:
  voice join 0b7c... --capture hello.ogg
  voice join 0b7c... --record ./calls --muted
  voice join 0b7c... --metrics-addr :9101`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagCapture != "" {
			cfg.CapturePath = flagCapture
		}
		if flagRecord != "" {
			cfg.PlaybackDir = flagRecord
		}

		ctx := cmd.Context()
		client, me, err := connect(ctx, cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		factory, err := rtc.NewFactory(rtc.ConfigFromURLs(cfg.ICEServers))
		if err != nil {
			return err
		}
		var capture core.Capturer = media.SilenceCapturer{}
		if cfg.CapturePath != "" {
			capture = media.FileCapturer{Path: cfg.CapturePath, Loop: true}
		}
		var sinkOpts []playback.Option
		if cfg.PlaybackDir != "" {
			sinkOpts = append(sinkOpts, playback.WithRecordDir(cfg.PlaybackDir))
		}

		pc := metrics.New()
		if flagMetrics != "" {
			serveMetrics(ctx, flagMetrics, pc)
		}
		sinks := playback.New(sinkOpts...)
		ended := make(chan error, 1)

		session := voice.New(voice.Config{
			Room:        domain.RoomID(args[0]),
			Identity:    core.StaticIdentity{Participant: &me},
			Rooms:       roomController(client, cfg),
			Presence:    presence.New(client),
			Relay:       relay.New(client),
			Capture:     capture,
			Connections: factory,
			Sinks:       sinks,
			Metrics:     pc,
			Heartbeat:   cfg.HeartbeatPeriod,
			OnEnd:       func(err error) { ended <- err },
		})
		if err := session.SetMuted(ctx, flagMuted); err != nil {
			return err
		}
		if err := session.Enable(ctx); err != nil {
			return err
		}
		fmt.Printf("joined as %s; Ctrl-C to leave\n", me.DisplayName)

		if flagStatus <= 0 {
			flagStatus = 10 * time.Second
		}
		ticker := time.NewTicker(flagStatus)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return session.Disable()
			case err := <-ended:
				return fmt.Errorf("left room %s: %w", args[0], err)
			case <-ticker.C:
				fmt.Println(session)
				now := time.Now()
				for _, p := range session.Peers() {
					act, _ := sinks.Activity(p.Remote)
					fmt.Printf("  %s %s packets=%d speaking=%t\n", p.Remote, p.State, act.Packets, act.Speaking(now, speakingWindow))
				}
			}
		}
	},
}

func init() {
	joinCmd.Flags().StringVar(&flagCapture, "capture", "", "Ogg/Opus file to stream instead of silence")
	joinCmd.Flags().StringVar(&flagRecord, "record", "", "directory for per-participant recordings")
	joinCmd.Flags().BoolVar(&flagMuted, "muted", false, "join muted")
	joinCmd.Flags().DurationVar(&flagStatus, "status", 10*time.Second, "status print interval")
	joinCmd.Flags().StringVar(&flagMetrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(joinCmd)
}
