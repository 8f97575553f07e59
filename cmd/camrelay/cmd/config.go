package cmd

import (
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/camrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for inspecting camrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

Redirect the output to create a configuration template:

  camrelay config dump > config.yaml

Environment variables use the CAMRELAY_ prefix and underscores for nesting.
Example: camera.url -> CAMRELAY_CAMERA_URL`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		v := viper.New()
		config.SetDefaults(v)
		cfg, err := config.FromViper(v)
		if err != nil {
			return fmt.Errorf("loading defaults: %w", err)
		}
		return writeConfig(cmd.OutOrStdout(), cfg, true)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Validate and print the configuration after applying the config file, environment and flags.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.FromViper(viper.GetViper())
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), cfg, false)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
	configCmd.AddCommand(configShowCmd)
}

func writeConfig(w io.Writer, cfg *config.Config, header bool) error {
	data, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if header {
		fmt.Fprintln(w, "# camrelay configuration file")
		fmt.Fprintln(w, "#")
		fmt.Fprintln(w, "# All values shown below are defaults.")
		fmt.Fprintln(w, "# Duration format: 500ms, 5s, 1m")
		fmt.Fprintln(w, "#")
		fmt.Fprintln(w, "# Environment variable overrides:")
		fmt.Fprintln(w, "#   CAMRELAY_CAMERA_URL, CAMRELAY_SERVER_PORT")
		fmt.Fprintln(w, "#   CAMRELAY_BROADCAST_PORT, CAMRELAY_SIGNALING_PORT")
		fmt.Fprintln(w, "#   CAMRELAY_LOGGING_LEVEL, CAMRELAY_LOGGING_FORMAT")
		fmt.Fprintln(w, "#")
		fmt.Fprintln(w)
	}
	_, err = w.Write(data)
	return err
}

// toMap converts a config struct to a map keyed by mapstructure tags with
// durations in human-readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		key, _, _ := strings.Cut(typ.Field(i).Tag.Get("mapstructure"), ",")
		if key == "" {
			key = strings.ToLower(typ.Field(i).Name)
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = fv.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(fv)
			} else {
				result[key] = fv
			}
		}
	}
	return result
}
