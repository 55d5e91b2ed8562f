package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"burrholeprep/internal/logging"
	"burrholeprep/pkg/config"
	"burrholeprep/pkg/export"
	"burrholeprep/pkg/pipeline"
)

// load reads the config file named by --config and applies flag overrides.
func load(cmd *cli.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.IsSet("log-level") {
		cfg.App.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("workers") {
		cfg.Processing.Workers = int(cmd.Int("workers"))
	}
	if cmd.IsSet("overwrite") {
		cfg.Processing.Overwrite = cmd.Bool("overwrite")
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, err := logging.ParseLevel(cfg.App.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.New(level, cfg.App.LogFormat), nil
}

func args(cmd *cli.Command, n int) ([]string, error) {
	if cmd.NArg() != n {
		return nil, fmt.Errorf("%s: expected %d argument(s), got %d", cmd.Name, n, cmd.NArg())
	}
	return cmd.Args().Slice(), nil
}

// stageCommand builds the command running one per-subject stage over <dir>.
func stageCommand(stage pipeline.Stage, usage string) *cli.Command {
	return &cli.Command{
		Name:      string(stage),
		Usage:     usage,
		ArgsUsage: "<dir>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			a, err := args(cmd, 1)
			if err != nil {
				return err
			}
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}
			_, err = pipeline.NewRunner(cfg, logger).Run(ctx, stage, a[0])
			return err
		},
	}
}

func exportAction(ctx context.Context, cmd *cli.Command) error {
	a, err := args(cmd, 2)
	if err != nil {
		return err
	}
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	_, err = export.Export(ctx, a[0], a[1], cfg.ExportOptions(), logger)
	return err
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	a, err := args(cmd, 2)
	if err != nil {
		return err
	}
	cfg, logger, err := load(cmd)
	if err != nil {
		return err
	}
	return pipeline.NewRunner(cfg, logger).RunAll(ctx, a[0], a[1])
}

func configInitAction(ctx context.Context, cmd *cli.Command) error {
	a, err := args(cmd, 1)
	if err != nil {
		return err
	}
	if _, err := os.Stat(a[0]); err == nil && !cmd.Bool("overwrite") {
		return fmt.Errorf("%s already exists, pass --overwrite to replace it", a[0])
	}
	if err := config.CreateDefaultConfigFile(a[0]); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", a[0])
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "burrholeprep",
		Usage: "Prepare burr-hole segmentation training data from preop/postop CT pairs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "burrholeprep.yaml",
				Value:       "burrholeprep.yaml",
				Sources:     cli.EnvVars("BURRHOLEPREP_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn or error",
			},
			&cli.IntFlag{
				Name:  "workers",
				Usage: "Number of subjects processed concurrently",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Recompute outputs that already exist",
			},
		},
		Commands: []*cli.Command{
			stageCommand(pipeline.Register, "Register postop to preop, writing postop_to_preop.tfm"),
			stageCommand(pipeline.Subtract, "Resample postop onto preop and write diff.nii.gz"),
			stageCommand(pipeline.Binarize, "Threshold diff.nii.gz into burrhole_mask_autoannot.nii.gz"),
			stageCommand(pipeline.QC, "Render JPEG previews of the mask over preop"),
			{
				Name:      "export_for_nnunet",
				Aliases:   []string{"export"},
				Usage:     "Lay out preop volumes and masks as an nnU-Net raw dataset",
				ArgsUsage: "<src_dir> <dst_dir>",
				Action:    exportAction,
			},
			{
				Name:      "run",
				Usage:     "Run register, subtract, binarize and export in sequence",
				ArgsUsage: "<src_dir> <dst_dir>",
				Action:    runAction,
			},
			{
				Name:  "config",
				Usage: "Manage the configuration file",
				Commands: []*cli.Command{
					{
						Name:      "init",
						Usage:     "Write the default configuration",
						ArgsUsage: "<path>",
						Action:    configInitAction,
					},
				},
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		stop()
		os.Exit(1)
	}
}
