// Command studyvoice runs real-time voice conversations with the study
// assistant from a terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/darshan-pr/AI-partners-sub000/internal/audio"
	"github.com/darshan-pr/AI-partners-sub000/internal/bus"
	"github.com/darshan-pr/AI-partners-sub000/internal/config"
	"github.com/darshan-pr/AI-partners-sub000/internal/devserver"
	"github.com/darshan-pr/AI-partners-sub000/internal/journal"
	"github.com/darshan-pr/AI-partners-sub000/internal/logging"
	"github.com/darshan-pr/AI-partners-sub000/internal/speech"
	"github.com/darshan-pr/AI-partners-sub000/internal/transport"
	"github.com/darshan-pr/AI-partners-sub000/internal/voice"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *logging.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "studyvoice",
		Short: "studyvoice - talk to your study assistant",
		Long: `studyvoice holds spoken conversations with the study assistant's agents.
You can cut the assistant off mid-sentence and it will stop and listen.

Start a conversation:    studyvoice run
Try it offline:          studyvoice run --local
Past sessions:           studyvoice history
Configuration:           studyvoice config show`,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
		SilenceUsage:       true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.studyvoice/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("studyvoice v%s\n", version)
		},
	})

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(devserverCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.DefaultPath()
}

// setup loads .env files, the config file and the logger for every command.
func setup(cmd *cobra.Command, args []string) error {
	// Values already in the environment win over .env files.
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".studyvoice", ".env"))
	}

	var err error
	cfg, err = config.LoadFromPath(getConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logCfg := cfg.Logging.ToLoggerConfig()
	if verbose {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	logger, err = logging.New(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: file logging unavailable: %v\n", err)
		logger, _ = logging.New(&logging.Config{Level: logCfg.Level, Console: verbose})
	}

	l := logger.Zerolog()
	l.Debug().Str("command", cmd.Name()).Str("config", getConfigPath()).Msg("studyvoice started")
	return nil
}

func teardown(cmd *cobra.Command, args []string) error {
	if logger != nil {
		return logger.Close()
	}
	return nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// RUN COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func runCmd() *cobra.Command {
	var (
		local      bool
		username   string
		multiAgent bool
		mode       string
		interim    bool
		perWord    time.Duration
		noListen   bool
		micPCM     string
		micBits    int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a voice conversation in the terminal",
		Long: `Start a voice conversation. Typed lines stand in for recognized speech and
the assistant's speech is printed word by word. Typing while it speaks barges in.

With --mic-pcm the level of a raw PCM stream drives energy barge-in:

  arecord -q -f S16_LE -r 16000 -c 1 | studyvoice run --mic-pcm -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username != "" {
				cfg.Session.Username = username
			}
			if cmd.Flags().Changed("multi-agent") {
				cfg.Session.MultiAgentMode = multiAgent
			}
			if mode != "" {
				cfg.Speech.Mode = mode
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if local {
				if err := startLocalService(ctx); err != nil {
					return err
				}
			}
			return runConversation(ctx, interim, perWord, !noListen, micPCM, micBits)
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "serve a local echo voice service for offline use")
	cmd.Flags().StringVarP(&username, "user", "u", "", "username sent when the session opens")
	cmd.Flags().BoolVar(&multiAgent, "multi-agent", false, "route turns through multiple agents")
	cmd.Flags().StringVar(&mode, "mode", "", "delivery mode: conversational or detailed")
	cmd.Flags().BoolVar(&interim, "interim", false, "show interim transcripts")
	cmd.Flags().DurationVar(&perWord, "word-delay", 180*time.Millisecond, "console speech pace per word")
	cmd.Flags().BoolVar(&noListen, "no-listen", false, "don't start listening when the session is ready")
	cmd.Flags().StringVar(&micPCM, "mic-pcm", "", "raw PCM microphone input file, or - for stdin; enables energy barge-in")
	cmd.Flags().IntVar(&micBits, "mic-bits", audio.BitDepth16, "microphone PCM format: 8 (unsigned), 16 (signed LE) or 32 (float LE)")

	return cmd
}

// startLocalService serves the dev voice service on a loopback port and points
// the transport at it.
func startLocalService(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start local voice service: %w", err)
	}

	srv := devserver.New(cfg.DevServer.ToOptions(), logger.Component("devserver"))
	go func() {
		if err := srv.Serve(ctx, ln); err != nil {
			l := logger.Component("devserver")
			l.Error().Err(err).Msg("local voice service stopped")
		}
	}()

	addr := ln.Addr().String()
	cfg.Transport.URL = "ws://" + addr + devserver.VoicePath
	cfg.Transport.EnsureURL = "http://" + addr + devserver.EnsurePath
	return nil
}

func runConversation(ctx context.Context, interim bool, perWord time.Duration, autoListen bool, micPath string, micBits int) error {
	log := logger.Component("cli")

	var mic *pcmMicrophone
	if micPath != "" {
		src, err := openPCMSource(micPath)
		if err != nil {
			return fmt.Errorf("open microphone input: %w", err)
		}
		defer src.Close()

		mic = newPCMMicrophone(micBits)
		go func() {
			if err := mic.Feed(src); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Str("source", micPath).Msg("microphone input ended")
			}
		}()
	}

	events := bus.NewWithHistory(cfg.Session.EventHistory)
	defer events.Close()

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, logger.Component("journal"))
		if err != nil {
			log.Warn().Err(err).Msg("session journal unavailable")
		} else if err := j.Attach(events); err != nil {
			log.Warn().Err(err).Msg("session journal unavailable")
			j.Close()
		} else {
			jrnl = j
		}
	}

	var prog *tea.Program
	send := func(msg tea.Msg) { prog.Send(msg) }

	rec := newConsoleRecognizer()
	caps := speech.Capabilities{
		Recognizer:  rec,
		Synthesizer: &consoleSynthesizer{send: send, perWord: perWord},
	}
	opts := consoleOptions{
		open:       cfg.ToOpenConfig(),
		autoListen: autoListen,
		interim:    interim,
		recent:     events.HistorySlice,
	}
	if mic != nil {
		caps.Microphone = mic
		opts.mic = mic
	}

	client := transport.NewClient(cfg.Transport.ToClientConfig(), logger.Component("transport"))
	ctrl := voice.New(cfg.ToControllerConfig(), caps, client, events, logger.Component("voice"))

	progOpts := []tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}
	if micPath == "-" {
		// stdin carries audio; keys come from the terminal.
		progOpts = append(progOpts, tea.WithInputTTY())
	}
	prog = tea.NewProgram(newConsoleModel(ctx, ctrl, rec, opts), progOpts...)
	events.Subscribe("", func(e bus.Event) { prog.Send(busEventMsg{event: e}) })

	// Re-tune barge-in detection while the conversation runs.
	err := config.Watch(ctx, getConfigPath(), logger.Component("config"), func(next *config.Config) {
		if err := ctrl.SetInterruptionConfig(ctx, next.ToInterruptionConfig()); err != nil {
			log.Warn().Err(err).Msg("apply interruption config failed")
			return
		}
		log.Info().
			Bool("enabled", next.Interruption.Enabled).
			Float64("energy_threshold", next.Interruption.EnergyThreshold).
			Msg("interruption settings updated")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config hot reload unavailable")
	}

	_, runErr := prog.Run()
	if errors.Is(runErr, tea.ErrProgramKilled) {
		runErr = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ctrl.Close(closeCtx); err != nil && !errors.Is(err, voice.ErrShutdown) {
		log.Warn().Err(err).Msg("close session failed")
	}
	ctrl.Shutdown()
	if jrnl != nil {
		jrnl.Close()
	}
	return runErr
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEVSERVER COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func devserverCmd() *cobra.Command {
	var (
		addr      string
		delay     time.Duration
		agentType string
	)

	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Serve a local echo voice service",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := cfg.DevServer.ToOptions()
			if cmd.Flags().Changed("delay") {
				opts.ResponseDelay = delay
			}
			if agentType != "" {
				opts.AgentType = agentType
			}
			if addr == "" {
				addr = cfg.DevServer.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Printf("Voice service:  ws://%s%s\n", addr, devserver.VoicePath)
			fmt.Printf("Ensure started: http://%s%s\n", addr, devserver.EnsurePath)
			return devserver.New(opts, logger.Component("devserver")).ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "delay before each response")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "agent type reported with every response")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// HISTORY COMMAND
// ═══════════════════════════════════════════════════════════════════════════════

func historyCmd() *cobra.Command {
	var (
		limit   int
		session string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded voice sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := journal.Open(cfg.Journal.Path, logger.Component("journal"))
			if err != nil {
				return err
			}
			defer j.Close()

			ctx := cmd.Context()
			if session == "" {
				sessions, err := j.Sessions(ctx, limit)
				if err != nil {
					return err
				}
				fmt.Println(renderHistory(sessions))
				return nil
			}

			transitions, err := j.Transitions(ctx, session)
			if err != nil {
				return err
			}
			if len(transitions) == 0 {
				return fmt.Errorf("no session %s", session)
			}
			for _, t := range transitions {
				fmt.Printf("%s  turn %-3d %-10s → %-10s %s\n",
					t.At.Local().Format("15:04:05.000"), t.Turn, t.From, t.To, t.Reason)
			}

			kinds, err := j.ErrorKinds(ctx, session)
			if err != nil {
				return err
			}
			for kind, n := range kinds {
				fmt.Println(warnStyle.Render(fmt.Sprintf("%s × %d", kind, n)))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of sessions to show (0 for all)")
	cmd.Flags().StringVar(&session, "session", "", "show the transitions of one session")

	return cmd
}

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Println(headerStyle.Render("studyvoice configuration"))
			fmt.Print(string(data))
			if err := cfg.Validate(); err != nil {
				fmt.Println(errorStyle.Render("invalid: " + err.Error()))
			}
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			// setup already created the file when it was missing.
			if !force {
				fmt.Printf("Config file at %s\n", path)
				return nil
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Printf("Wrote default config to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file with defaults")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(getConfigPath())
		},
	})

	return cmd
}
