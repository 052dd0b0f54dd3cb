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
	"context"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/internal/utils"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/emu"
	"github.com/blacktop/destringer/pkg/harness"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(emuCmd)

	emuCmd.Flags().Bool("raw", false, "Run the routine without removing its caller checks")
	emuCmd.Flags().Bool("trace", false, "Trace every interpreted instruction")
	emuCmd.Flags().Bool("dump", false, "Print the state and exit")
	viper.BindPFlag("emu.raw", emuCmd.Flags().Lookup("raw"))
	viper.BindPFlag("emu.trace", emuCmd.Flags().Lookup("trace"))
	viper.BindPFlag("emu.dump", emuCmd.Flags().Lookup("dump"))
	emuCmd.MarkFlagsMutuallyExclusive("raw", "dump")
}

// emuCmd represents the emu command
var emuCmd = &cobra.Command{
	Use:   "emu <JAR|CLASS> <STATE>",
	Short: "Replay a decrypt call from a state file",
	Example: heredoc.Doc(`
		# Replay a call site saved by 'decrypt --state-dir'
		❯ destringer emu app.jar states/com.example.Main.run@12.yaml --trace`),
	Args:          cobra.ExactArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}

		state, err := emu.ParseState(args[1])
		if err != nil {
			return err
		}
		if viper.GetBool("emu.dump") {
			state.Dump()
			return nil
		}
		values, err := state.Values()
		if err != nil {
			return err
		}

		data, err := readClass(args[0], state.Class)
		if err != nil {
			return err
		}
		cf, err := classfile.Parse(data)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", state.Class)
		}

		// decrypt routines are lifted and neutralized the way decrypt runs them
		if state.Descriptor == match.DecryptDescriptor && !viper.GetBool("emu.raw") {
			h, err := harness.New(&harness.Config{CodeSource: state.CodeSource})
			if err != nil {
				return err
			}
			data, err = h.Prepare(cf, state.Method, harness.Identity{
				Class:    state.Caller.Class,
				Method:   state.Caller.Method,
				PoolSize: state.PoolSize,
			})
			if err != nil {
				return err
			}
		}

		econf := state.Config()
		econf.MaxSteps = conf.Decrypt.MaxSteps
		econf.Verbose = viper.GetBool("emu.trace")
		e, err := emu.Load(data, econf)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(context.Background(), conf.Decrypt.Timeout)
		defer cancel()

		ret, err := e.Invoke(ctx, state.Method, state.Descriptor, values...)
		if err != nil {
			var fault *emu.Fault
			if errors.As(err, &fault) {
				log.WithFields(log.Fields{
					"method": fault.Class + "." + fault.Method,
					"pc":     fault.PC,
					"steps":  e.Steps(),
				}).Error(colors.Fault().Sprint(fault.Reason))
			}
			return err
		}

		log.WithField("steps", e.Steps()).Info(state.Class + "." + state.Method)
		switch v := ret.(type) {
		case *emu.String:
			fmt.Fprintln(os.Stdout, colors.Value().Sprint(utils.Quote(v.String())))
		default:
			fmt.Fprintf(os.Stdout, "%v\n", v)
		}
		return nil
	},
}
