package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"nightstack/internal/capture"
	"nightstack/internal/config"
	"nightstack/internal/frame"
	"nightstack/internal/project"
	"nightstack/internal/server"
	"nightstack/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nightstack",
		Short: "Nightstack stacks night-sky exposures as they are captured",
		Long: `Nightstack ingests a stream of exposures, fuses them into one accumulated
star-trail image, builds a timelapse from the same frames and keeps every run
resumable so an interrupted capture can be processed later.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	rootCmd.AddCommand(newCaptureCmd(root))
	rootCmd.AddCommand(newProjectsCmd(root))
	rootCmd.AddCommand(newReprocessCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func addSourceFlags(cmd *cobra.Command, f *sourceFlags) {
	cmd.Flags().StringVar(&f.from, "from", "", "replay the images of a directory in name order")
	cmd.Flags().StringVar(&f.watch, "watch", "", "take frames a tethering tool writes into a directory")
	cmd.Flags().DurationVar(&f.pace, "pace", 0, "delay between replayed exposures")
	cmd.Flags().StringVar(&f.exiftool, "exiftool", "exiftool", "exiftool binary used for capture metadata")
}

// runFlags override the configured run options.
type runFlags struct {
	mask        bool
	noAlign     bool
	enhance     bool
	orientation string
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVar(&f.mask, "mask", false, "fuse sky and foreground separately using the configured mask")
	cmd.Flags().BoolVar(&f.noAlign, "no-align", false, "do not shift frames onto the reference star field before fusing")
	cmd.Flags().BoolVar(&f.enhance, "enhance", false, "normalize the processed image")
	cmd.Flags().StringVar(&f.orientation, "orientation", "", "device orientation: up, down, left, right")
}

func (f runFlags) apply(cmd *cobra.Command, opts capture.StartOptions) (capture.StartOptions, error) {
	if cmd.Flags().Changed("mask") {
		opts.Flags.Mask = f.mask
	}
	if cmd.Flags().Changed("no-align") {
		opts.Flags.Align = !f.noAlign
	}
	if cmd.Flags().Changed("enhance") {
		opts.Flags.Enhance = f.enhance
	}
	if f.orientation != "" {
		o, err := frame.ParseOrientation(f.orientation)
		if err != nil {
			return opts, err
		}
		opts.Orientation = o
	}
	return opts, nil
}

func newCaptureCmd(root *Root) *cobra.Command {
	var (
		src              sourceFlags
		run              runFlags
		deferOnInterrupt bool
	)

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Capture and stack a run",
		Long: `Run one capture: frames are retained into a new project, fused as they
arrive and turned into a timelapse. The run ends when the source runs out of
frames or on interrupt, which processes what was captured (or, with
--defer-on-interrupt, saves it for "nightstack reprocess").

Examples:
  nightstack capture --from /data/night-2024-08-12
  nightstack capture --watch ~/tether --mask --defer-on-interrupt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeSource, err := root.openSource(src)
			if err != nil {
				return err
			}
			defer closeSource()

			o, err := root.newOrchestrator(s)
			if err != nil {
				return err
			}
			opts, err := run.apply(cmd, o.DefaultStartOptions())
			if err != nil {
				return err
			}

			loopCtx, stopLoop := context.WithCancel(context.Background())
			defer func() {
				stopLoop()
				<-o.Done()
			}()
			go o.Run(loopCtx)

			return root.runCapture(cmd.Context(), o, opts, deferOnInterrupt)
		},
	}
	addSourceFlags(cmd, &src)
	addRunFlags(cmd, &run)
	cmd.Flags().BoolVar(&deferOnInterrupt, "defer-on-interrupt", false, "save the run for later processing when interrupted")
	return cmd
}

func newProjectsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List, inspect and delete projects",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := project.List(root.cfg.Paths.ProjectsDir)
			if err != nil {
				root.log.Warn("some projects could not be loaded", "error", err)
			}
			if len(projects) == 0 {
				fmt.Fprintln(root.out, "No projects.")
				return nil
			}
			tw := tabwriter.NewWriter(root.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCAPTURED\tFRAMES\tFUSED\tSTATE")
			for _, p := range projects {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", p.ID, p.CaptureStart.Local().Format("2006-01-02 15:04"), p.Counters.Captured, p.Counters.Fused, projectState(p))
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := project.Find(root.cfg.Paths.ProjectsDir, args[0])
			if err != nil {
				return err
			}
			root.printProject(p)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project and its catalog entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := project.Find(root.cfg.Paths.ProjectsDir, args[0])
			if err != nil {
				return err
			}
			if err := p.Delete(); err != nil {
				return err
			}
			if err := root.store.DeleteProject(p.ID); err != nil {
				root.log.Warn("could not remove project from catalog", "project", p.ID, "error", err)
			}
			fmt.Fprintf(root.out, "Deleted %s\n", p.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set-option <id> <starPop|brightness|contrast|sky> <value>",
		Short: "Override an edit option of a project",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := project.Option(args[1])
			if _, ok := project.DefaultOptions[opt]; !ok {
				return fmt.Errorf("unknown option %q", args[1])
			}
			v, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("option value: %w", err)
			}
			p, err := project.Find(root.cfg.Paths.ProjectsDir, args[0])
			if err != nil {
				return err
			}
			keeper, err := project.Open(p, root.log)
			if err != nil {
				return err
			}
			defer keeper.Close()
			done := make(chan error, 1)
			keeper.Update(func(p *project.Project) { p.SetOption(opt, v) })
			keeper.Save(func(err error) { done <- err })
			return <-done
		},
	})

	return cmd
}

func projectState(p *project.Project) string {
	switch {
	case p.ProcessingComplete:
		return "complete"
	case len(p.Unprocessed) > 0:
		return fmt.Sprintf("%d unprocessed", len(p.Unprocessed))
	default:
		return "empty"
	}
}

func (r *Root) printProject(p *project.Project) {
	fmt.Fprintf(r.out, "Project %s\n", p.ID)
	fmt.Fprintf(r.out, "  Directory:   %s\n", p.Dir)
	fmt.Fprintf(r.out, "  Captured:    %s", p.CaptureStart.Local().Format(time.DateTime))
	if !p.CaptureEnd.IsZero() {
		fmt.Fprintf(r.out, " to %s", p.CaptureEnd.Local().Format(time.TimeOnly))
	}
	fmt.Fprintln(r.out)
	fmt.Fprintf(r.out, "  State:       %s\n", projectState(p))
	fmt.Fprintf(r.out, "  Timelapse:   %t\n", p.TimelapseComplete)
	fmt.Fprintf(r.out, "  Frames:      %d captured, %d fused, %d failed\n", p.Counters.Captured, p.Counters.Fused, p.Counters.Failed)
	fmt.Fprintf(r.out, "  Flags:       mask=%t align=%t enhance=%t\n", p.Flags.Mask, p.Flags.Align, p.Flags.Enhance)
	fmt.Fprintf(r.out, "  Orientation: %s\n", p.Orientation)
	if p.Location != nil {
		fmt.Fprintf(r.out, "  Location:    %.5f, %.5f\n", p.Location.Latitude, p.Location.Longitude)
	}
	for _, opt := range []project.Option{project.OptionStarPop, project.OptionBrightness, project.OptionContrast, project.OptionSky} {
		fmt.Fprintf(r.out, "  %-12s %.2f\n", string(opt)+":", p.Option(opt))
	}
	if r.store != nil {
		runs, err := r.store.ProjectRuns(p.ID)
		if err != nil {
			r.log.Warn("could not read project runs", "project", p.ID, "error", err)
		}
		for _, run := range runs {
			fmt.Fprintf(r.out, "  Run %s: %s %s (%d captured, %d fused)\n", run.ID, run.Kind, run.Status, run.Captured, run.Fused)
		}
	}
}

func newReprocessCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <id>",
		Short: "Stack the unprocessed frames of a deferred or failed project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := project.Find(root.cfg.Paths.ProjectsDir, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(root.out, "Reprocessing %d frames of %s\n", len(p.Unprocessed), p.ID)
			res, err := capture.Reprocess(cmd.Context(), p.Dir, root.cfg, root.deps(root.cfg, root.log, root.store))
			if errors.Is(err, capture.ErrNothingToProcess) {
				fmt.Fprintln(root.out, "Nothing to process.")
				return nil
			}
			fmt.Fprintf(root.out, "%d fused, %d failed, complete: %t\n", res.Fused, res.Failed, res.Complete)
			return err
		},
	}
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		src      sourceFlags
		addr     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve capture control, status and projects over HTTP",
		Long: `Start the status server. Runs are started and stopped over HTTP
(POST /capture/start, /capture/stop, /capture/defer, /capture/reset), status
events stream on /ws, and gRPC health is reported when --grpc-addr is set.

Examples:
  nightstack serve --watch ~/tether
  nightstack serve --from /data/night-2024-08-12 --addr :9090 --grpc-addr :9091`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeSource, err := root.openSource(src)
			if err != nil {
				return err
			}
			defer closeSource()

			o, err := root.newOrchestrator(s)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			go o.Run(ctx)
			defer func() {
				cancel()
				<-o.Done()
			}()

			srv := server.New(server.Options{
				Addr:        addr,
				GRPCAddr:    grpcAddr,
				ProjectsDir: root.cfg.Paths.ProjectsDir,
			}, o, root.store, root.log)
			root.log.Info("server ready",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"endpoints", []string{"/healthz", "/status", "/capture/{action}", "/projects", "/runs", "/ws"},
			)
			return root.serveFn(ctx, srv)
		},
	}
	addSourceFlags(cmd, &src)
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC health address, empty to disable")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or validate configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Fprintln(root.out, "Configuration is valid.")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Check external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configTools()
		},
	})
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			root.cmdVersion()
		},
	}
}
