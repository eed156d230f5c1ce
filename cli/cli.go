// Package cli wires subcommands into the xprt command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/zrepl/xprt/config"
)

var rootArgs struct {
	configPath string
}

var rootCmd = &cobra.Command{
	Use:          "xprt",
	Short:        "RPC client transport with congestion control and retransmission",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootArgs.configPath, "config", os.Getenv("XPRT_CONFIG"),
		"config file path (default: $XPRT_CONFIG or the first of "+fmt.Sprint(config.ConfigFileDefaultLocations)+")")
}

// A Subcommand is a leaf or a group of the command tree.
// Leaves set Run, groups set SetupSubcommands.
type Subcommand struct {
	Use     string
	Short   string
	Example string
	// NoRequireConfig lets the command run without a parseable config file.
	// Config() then returns nil.
	NoRequireConfig bool
	AcceptArgs      bool
	// Run gets a context that is cancelled on SIGINT or SIGTERM.
	Run              func(ctx context.Context, subcommand *Subcommand, args []string) error
	SetupFlags       func(f *pflag.FlagSet)
	SetupSubcommands func() []*Subcommand

	config    *config.Config
	configErr error
}

func (s *Subcommand) ConfigParsingError() error {
	return s.configErr
}

func (s *Subcommand) Config() *config.Config {
	if !s.NoRequireConfig && s.config == nil {
		panic("command that requires config is running and has no config set")
	}
	return s.config
}

func (s *Subcommand) run(cmd *cobra.Command, args []string) error {
	if len(args) > 0 && !s.AcceptArgs {
		return fmt.Errorf("%s does not take positional arguments", s.Use)
	}
	s.config, s.configErr = config.ParseConfig(rootArgs.configPath)
	if s.configErr != nil {
		if !s.NoRequireConfig {
			return fmt.Errorf("could not parse config: %s", s.configErr)
		}
		s.config = nil
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx, s, args)
}

func AddSubcommand(s *Subcommand) {
	rootCmd.AddCommand(s.cobraCommand())
}

func (s *Subcommand) cobraCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     s.Use,
		Short:   s.Short,
		Example: s.Example,
	}
	if s.SetupSubcommands == nil {
		cmd.RunE = s.run
	} else {
		for _, sub := range s.SetupSubcommands() {
			cmd.AddCommand(sub.cobraCommand())
		}
	}
	if s.SetupFlags != nil {
		s.SetupFlags(cmd.Flags())
	}
	return cmd
}

func Run() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
