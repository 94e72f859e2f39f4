package cmdline

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/aceeric/ocisync/impl/config"

	"github.com/urfave/cli/v3"
)

// Args has the positional arguments and the sub-command flags that are not
// configuration.
type Args struct {
	// Src is the source location. Empty for a catalog sync.
	Src string
	// Dst is the destination location for copy and sync
	Dst string
	// Tags are the tags to sync, from --tags
	Tags []string
	// AllRepos syncs every repository of the source
	AllRepos bool
}

// fromCmdline will be populated with flags indicating which configuration settings were
// specified on the command line.
var fromCmdline config.FromCmdLine

// cfg has the parsed configuration - including defaults (e.g. workers) if the user does not override
var cfg = config.Configuration{}

// args has the positional arguments of the sub-command
var args = Args{}

func fileValidator(path string) error {
	if fi, err := os.Stat(path); err != nil {
		return fmt.Errorf("file not found")
	} else if fi.IsDir() {
		return fmt.Errorf("not a file")
	}
	return nil
}

// positional checks the argument count of a sub-command and captures them
func positional(cmd *cli.Command, names ...string) error {
	if cmd.Args().Len() != len(names) {
		return fmt.Errorf("%s requires %d argument(s): %s", cmd.Name, len(names), strings.Join(names, " "))
	}
	for i, name := range names {
		switch name {
		case "SRC":
			args.Src = cmd.Args().Get(i)
		case "DST":
			args.Dst = cmd.Args().Get(i)
		}
	}
	return nil
}

// newCmds builds the command tree for urfave/cli
func newCmds() *cli.Command {
	return &cli.Command{
		Name:      "ocisync",
		Usage:     "copies and syncs images between registries and directory stores",
		UsageText: "ocisync [global options] command SRC [DST]\n\nLocations are docker://host/repo:tag or dir:/path//repo:tag",
		// define this or the parser terminates the program
		ExitErrHandler: func(_ context.Context, _ *cli.Command, _ error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Value:       "error",
				Usage:       "Sets the minimum value for logging: trace, debug, warn, info, or error",
				Destination: &cfg.LogLevel,
				Validator: func(lvl string) error {
					validValues := []string{"trace", "debug", "warn", "info", "error"}
					if !slices.Contains(validValues, strings.ToLower(lvl)) {
						return fmt.Errorf("must be one of %s", strings.Join(validValues, ", "))
					}
					return nil
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.LogLevel = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "A file to load configuration values from (cmdline overrides file settings)",
				Destination: &cfg.ConfigFile,
				Validator:   fileValidator,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.ConfigFile = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "log-file",
				Value:       "",
				Usage:       "log to the specified file rather than the console",
				Destination: &cfg.LogFile,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.LogFile = true
					return nil
				},
			},
			&cli.IntFlag{
				Name:        "workers",
				Value:       0,
				Usage:       "The number of concurrent transfers (0 means twice the CPU count)",
				Destination: &cfg.Workers,
				Validator: func(n int) error {
					if n < 0 {
						return fmt.Errorf("must not be negative")
					}
					return nil
				},
				Action: func(ctx context.Context, cmd *cli.Command, _ int) error {
					fromCmdline.Workers = true
					return nil
				},
			},
			&cli.IntFlag{
				Name:        "metrics",
				Value:       0,
				Usage:       "Serves prometheus metrics on the port (0 disables metrics)",
				Destination: &cfg.Metrics,
				Action: func(ctx context.Context, cmd *cli.Command, _ int) error {
					fromCmdline.Metrics = true
					return nil
				},
			},
			&cli.StringFlag{
				Name:        "timeout",
				Value:       "60s",
				Usage:       "The registry connection and response header timeout",
				Destination: &cfg.Timeout,
				Validator:   durationValidator,
				Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
					fromCmdline.Timeout = true
					return nil
				},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "copy",
				Usage:     "Copies one image",
				ArgsUsage: "SRC DST",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fromCmdline.Command = "copy"
					return positional(cmd, "SRC", "DST")
				},
			},
			{
				Name:      "sync",
				Usage:     "Syncs tags, a repository, a whole registry, or a catalog of registries",
				ArgsUsage: "SRC DST, or DST with --catalog",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fromCmdline.Command = "sync"
					if cmd.IsSet("catalog") {
						return positional(cmd, "DST")
					}
					return positional(cmd, "SRC", "DST")
				},
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:        "tags",
						Usage:       "The tags to sync, e.g. '--tags 1.0,1.1'",
						Destination: &args.Tags,
					},
					&cli.BoolFlag{
						Name:        "all-repos",
						Usage:       "Syncs every repository of the source",
						Destination: &args.AllRepos,
					},
					&cli.StringFlag{
						Name:        "tag-filter",
						Usage:       "Only syncs tags matching the regular expression when tags are listed from the source",
						Destination: &cfg.TagFilter,
						Validator: func(expr string) error {
							_, err := regexp.Compile(expr)
							return err
						},
						Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
							fromCmdline.TagFilter = true
							return nil
						},
					},
					&cli.StringFlag{
						Name:        "catalog",
						Usage:       "Syncs the domains and repositories in the catalog file",
						Destination: &cfg.Catalog,
						Validator:   fileValidator,
						Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
							fromCmdline.Catalog = true
							return nil
						},
					},
					&cli.BoolFlag{
						Name:        "prefix-domain",
						Usage:       "Places destination repositories under the source domain, e.g. docker.io/library/alpine",
						Destination: &cfg.PrefixDomain,
						Action: func(ctx context.Context, cmd *cli.Command, _ bool) error {
							fromCmdline.PrefixDomain = true
							return nil
						},
					},
					&cli.StringFlag{
						Name:        "interval",
						Usage:       "Repeats the sync on the interval, e.g. '--interval 1h', and on catalog file changes",
						Destination: &cfg.Interval,
						Validator:   durationValidator,
						Action: func(ctx context.Context, cmd *cli.Command, _ string) error {
							fromCmdline.Interval = true
							return nil
						},
					},
				},
			},
			{
				Name:      "inspect",
				Usage:     "Shows the tags and the manifest of an image",
				ArgsUsage: "SRC",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fromCmdline.Command = "inspect"
					return positional(cmd, "SRC")
				},
			},
			{
				Name:      "tags",
				Usage:     "Lists the tags of a repository",
				ArgsUsage: "SRC",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fromCmdline.Command = "tags"
					return positional(cmd, "SRC")
				},
			},
			{
				Name:  "version",
				Usage: "Displays the version",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fromCmdline.Command = "version"
					return nil
				},
			},
		},
	}
}

func durationValidator(s string) error {
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration like 30s or 1h")
	}
	return nil
}

// Parse parses the command line. It returns the following:
//
//  1. A FromCmdLine struct which has the command to run ("copy", "sync", etc.). If the command
//     is the empty string then no sub-command was specified in which case the parser auto-displays
//     help. This struct also has flags telling you which configuration values were provided by the
//     user on the command line.
//  2. A Configuration struct containing the parsed configuration values. For any configuration flag
//     in the FromCmdLine struct with a false value, the corresponding configuration value in *this*
//     struct will be the default.
//  3. The positional arguments and sub-command flags.
//  4. An error, if the parser returned one, else nil.
func Parse() (config.FromCmdLine, config.Configuration, Args, error) {
	ClearParse()
	if err := newCmds().Run(context.Background(), os.Args); err != nil {
		return config.FromCmdLine{}, config.Configuration{}, Args{}, err
	}
	return fromCmdline, cfg, args, nil
}

// ClearParse supports unit testing
func ClearParse() {
	fromCmdline = config.FromCmdLine{}
	cfg = config.Configuration{}
	args = Args{}
}
