package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/zrepl/xprt/cli"
	"github.com/zrepl/xprt/config"
	"github.com/zrepl/xprt/logger"
	"github.com/zrepl/xprt/logging"
	"github.com/zrepl/xprt/monitoring"
	"github.com/zrepl/xprt/transport"
	"github.com/zrepl/xprt/transport/fromconfig"
	"github.com/zrepl/xprt/xprt"
)

var configcheckArgs struct {
	format string
	what   string
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "check if config can be parsed without errors",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&configcheckArgs.format, "format", "", "dump parsed config object [pretty|yaml|json]")
		f.StringVar(&configcheckArgs.what, "what", "all", "what to print [all|config|transport|logging]")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		formatMap := map[string]func(interface{}){
			"": func(i interface{}) {},
			"pretty": func(i interface{}) {
				if _, err := pretty.Println(i); err != nil {
					panic(err)
				}
			},
			"json": func(i interface{}) {
				if err := json.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
			"yaml": func(i interface{}) {
				if err := yaml.NewEncoder(os.Stdout).Encode(i); err != nil {
					panic(err)
				}
			},
		}

		formatter, ok := formatMap[configcheckArgs.format]
		if !ok {
			return fmt.Errorf("unsupported --format %q", configcheckArgs.format)
		}

		conf := subcommand.Config()
		var hadErr bool
		fail := func(err error) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
			hadErr = true
		}

		// further: try to build the transport
		var xc *xprt.Config
		connecter, err := fromconfig.ConnecterFromConfig(conf.Transport.Connect)
		if err != nil {
			err = errors.Wrap(err, "cannot build connecter from config")
			if configcheckArgs.what == "transport" {
				return err
			}
			fail(err)
		} else {
			c, err := fromconfig.XprtConfigFromConfig(conf.Transport, logger.NewNullLogger())
			if err != nil {
				err = errors.Wrap(err, "cannot build transport from config")
				if configcheckArgs.what == "transport" {
					return err
				}
				fail(err)
			} else {
				xc = &c
			}
		}

		// further: try to build the listener if this config serves
		if conf.Serve != nil {
			if _, err := fromconfig.ListenerFactoryFromConfig(conf.Global, *conf.Serve); err != nil {
				fail(errors.Wrap(err, "cannot build listener from config"))
			}
		}

		// further: try to build logging outlets
		outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
		if err != nil {
			err := errors.Wrap(err, "cannot build logging from config")
			if configcheckArgs.what == "logging" {
				return err
			}
			fail(err)
			outlets = nil
		}

		if _, err := monitoring.ServersFromConfig(conf.Global); err != nil {
			fail(errors.Wrap(err, "cannot build monitoring from config"))
		}

		whatMap := map[string]func(){
			"all": func() {
				o := struct {
					config    *config.Config
					connecter transport.Connecter
					transport *xprt.Config
					logging   *logger.Outlets
				}{
					conf,
					connecter,
					xc,
					outlets,
				}
				formatter(o)
			},
			"config": func() {
				formatter(conf)
			},
			"transport": func() {
				formatter(xc)
			},
			"logging": func() {
				formatter(outlets)
			},
		}

		wf, ok := whatMap[configcheckArgs.what]
		if !ok {
			return fmt.Errorf("unsupported --what %q", configcheckArgs.what)
		}
		wf()

		if hadErr {
			return fmt.Errorf("config parsing failed")
		}
		return nil
	},
}
