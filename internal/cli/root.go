// Package cli implements the quantctl command line client.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dandantas/quantflow/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment variable read by quantctl
const EnvPrefix = "QUANTCTL"

type app struct {
	v   *viper.Viper
	out io.Writer
}

// NewRootCommand builds the quantctl command tree
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:           "quantctl",
		Short:         "Submit and track quant strategy workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			return a.loadConfig()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml, json or toml)")
	flags.String("url", "http://localhost:8080", "quantflow API base URL")
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	flags.Duration("poll-interval", client.DefaultPollInterval, "status polling interval")
	flags.Int("max-polls", client.DefaultMaxPolls, "maximum number of status reads while waiting")
	flags.Duration("max-wait", client.DefaultMaxWait, "maximum time to wait for a job")

	for _, name := range []string{"config", "url", "timeout", "poll-interval", "max-polls", "max-wait"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix(EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.submitCommand(),
		a.statusCommand(),
		a.cancelCommand(),
		a.waitCommand(),
		a.backtestCommand(),
	)
	return root
}

func (a *app) loadConfig() error {
	path := a.v.GetString("config")
	if path == "" {
		return nil
	}
	a.v.SetConfigFile(path)
	if err := a.v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func (a *app) client() *client.Client {
	return client.New(client.Config{
		BaseURL:      a.v.GetString("url"),
		Timeout:      a.v.GetDuration("timeout"),
		PollInterval: a.v.GetDuration("poll-interval"),
		MaxPolls:     a.v.GetInt("max-polls"),
		MaxWait:      a.v.GetDuration("max-wait"),
	})
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
