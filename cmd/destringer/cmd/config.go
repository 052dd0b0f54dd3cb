/*
Copyright © 2018-2023 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/internal/pipeline/static"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSchemaCmd)

	configInitCmd.Flags().StringP("output", "o", "", "Where to write the config (default is $HOME/.config/destringer/config.yaml)")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing config")
	configSchemaCmd.Flags().StringP("output", "o", "-", "Where to save the JSONSchema file")
	viper.BindPFlag("config.init.output", configInitCmd.Flags().Lookup("output"))
	viper.BindPFlag("config.init.force", configInitCmd.Flags().Lookup("force"))
	viper.BindPFlag("config.schema.output", configSchemaCmd.Flags().Lookup("output"))
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the destringer config file",
	Args:  cobra.NoArgs,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example config file",
	Example: heredoc.Doc(`
		# Write the default settings to $HOME/.config/destringer/config.yaml
		❯ destringer config init
		# Write them next to a project
		❯ destringer config init -o ./destringer.yaml`),
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		output := viper.GetString("config.init.output")
		if output == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get user home directory: %w", err)
			}
			output = filepath.Join(home, ".config", "destringer", "config.yaml")
		}
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return err
		}

		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if !viper.GetBool("config.init.force") {
			flags |= os.O_EXCL
		}
		f, err := os.OpenFile(output, flags, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()

		if _, err := f.Write(static.ExampleConfig); err != nil {
			return err
		}
		log.WithField("file", output).Info("config created; please edit accordingly to your needs")
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:           "schema",
	Aliases:       []string{"jsonschema"},
	Short:         "Output the config file's JSON schema",
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		r := &jsonschema.Reflector{
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == reflect.TypeOf(time.Duration(0)) {
					return &jsonschema.Schema{Type: "string", Pattern: `^(-?[0-9.]+(ns|us|µs|ms|s|m|h))+$|^0$`}
				}
				return nil
			},
		}
		schema := r.Reflect(&config.Config{})
		schema.Description = "destringer configuration definition file"
		bts, err := json.MarshalIndent(schema, "", "	")
		if err != nil {
			return fmt.Errorf("failed to create jsonschema: %w", err)
		}

		output := viper.GetString("config.schema.output")
		if output == "-" {
			fmt.Println(string(bts))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			return fmt.Errorf("failed to write jsonschema file: %w", err)
		}
		if err := os.WriteFile(output, bts, 0o666); err != nil {
			return fmt.Errorf("failed to write jsonschema file: %w", err)
		}
		return nil
	},
}
