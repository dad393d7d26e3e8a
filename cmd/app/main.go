package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/starford/recordbook/internal"
	"github.com/starford/recordbook/internal/fsm"
	"github.com/starford/recordbook/internal/models"
	pkgconfig "github.com/starford/recordbook/pkg/config"
)

var version = "dev"

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadIfExists(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg), internal.WithVersion(version)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithVersion(version))
}

func apply(ctx context.Context, cmd *cli.Command) error {
	file := cmd.Args().First()
	if file == "" {
		return fmt.Errorf("usage: apply <proposal.yaml>")
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	var spec models.ProposalSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("decode %s: %w", file, err)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	res, applyErr := internal.Apply(ctx, spec, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	return applyErr
}

func check(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 3 {
		return fmt.Errorf("usage: check <machine> <state> <event>")
	}
	machine, state, event := cmd.Args().Get(0), cmd.Args().Get(1), cmd.Args().Get(2)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	def, err := fsm.NewCatalog(cfg.Machines.Dir).Load(machine)
	if err != nil {
		return err
	}
	next, ok := fsm.NextState(def, state, event)
	if !ok {
		return fmt.Errorf("%s: %q is not allowed from %q (allowed: %v)", def.Name, event, state, fsm.AllowedEvents(def, state))
	}
	fmt.Println(next)
	return nil
}

func main() {
	cmd := &cli.Command{
		Name:    "recordbook",
		Usage:   "Markdown record engine with validated, versioned edits and workflow state machines",
		Version: version,
		Action:  serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and repository watcher",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools on stdin/stdout",
				Action: serveMCP,
			},
			{
				Name:      "apply",
				Usage:     "Validate, apply and commit a proposal file",
				ArgsUsage: "<proposal.yaml>",
				Action:    apply,
			},
			{
				Name:      "check",
				Usage:     "Print the state an event leads to, or fail if it is illegal",
				ArgsUsage: "<machine> <state> <event>",
				Action:    check,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
