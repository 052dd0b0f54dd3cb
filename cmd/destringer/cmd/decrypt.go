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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/internal/pipeline"
	pctx "github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/caarlos0/ctrlc"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(decryptCmd)

	decryptCmd.Flags().StringP("output", "o", "", "Output archive (default: <input>.decrypted.jar)")
	decryptCmd.Flags().Duration("timeout", config.DefaultTimeout, "Time limit for a single decrypt call")
	decryptCmd.Flags().Int("max-steps", config.DefaultMaxSteps, "Instruction budget for a single decrypt call")
	decryptCmd.Flags().Int("cache-size", config.DefaultCacheSize, "Number of prepared decrypt routines to keep")
	decryptCmd.Flags().IntP("parallel", "p", 0, "Number of classes parsed in parallel (default: GOMAXPROCS)")
	decryptCmd.Flags().Bool("raw", false, "Run decrypt routines unmodified and rely on the forged caller only")
	decryptCmd.Flags().BoolP("dry-run", "n", false, "Decrypt and report without writing the output archive")
	decryptCmd.Flags().StringP("json", "j", "", "Write a JSON report to file ('-' for stdout)")
	decryptCmd.Flags().Bool("progress", false, "Show a progress bar")
	decryptCmd.Flags().Bool("trace", false, "Trace every interpreted instruction (very noisy)")
	decryptCmd.Flags().String("state-dir", "", "Save a replayable state file for every failed call site")
	decryptCmd.Flags().Duration("deadline", 0, "Abort the whole run after this long")
	decryptCmd.MarkFlagDirname("state-dir")
	viper.BindPFlag("decrypt.output", decryptCmd.Flags().Lookup("output"))
	viper.BindPFlag("decrypt.timeout", decryptCmd.Flags().Lookup("timeout"))
	viper.BindPFlag("decrypt.max-steps", decryptCmd.Flags().Lookup("max-steps"))
	viper.BindPFlag("decrypt.cache-size", decryptCmd.Flags().Lookup("cache-size"))
	viper.BindPFlag("decrypt.parallelism", decryptCmd.Flags().Lookup("parallel"))
	viper.BindPFlag("decrypt.raw", decryptCmd.Flags().Lookup("raw"))
	viper.BindPFlag("decrypt.dry-run", decryptCmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("decrypt.json", decryptCmd.Flags().Lookup("json"))
	viper.BindPFlag("decrypt.progress", decryptCmd.Flags().Lookup("progress"))
	viper.BindPFlag("decrypt.trace", decryptCmd.Flags().Lookup("trace"))
	viper.BindPFlag("decrypt.state-dir", decryptCmd.Flags().Lookup("state-dir"))
	viper.BindPFlag("decrypt.deadline", decryptCmd.Flags().Lookup("deadline"))
}

// decryptCmd represents the decrypt command
var decryptCmd = &cobra.Command{
	Use:     "decrypt <JAR>",
	Aliases: []string{"d", "dec"},
	Short:   "Replace encrypted string literals with their plaintext",
	Example: heredoc.Doc(`
		# Decrypt every string of an archive
		❯ destringer decrypt app.jar -o app-clean.jar

		# Only report what would be decrypted
		❯ destringer decrypt app.jar --dry-run --json -

		# Keep replayable states of the calls that failed
		❯ destringer decrypt app.jar --state-dir states/
		❯ destringer emu app.jar states/com.example.Main.run@12.yaml`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if conf.Decrypt.Output == "" {
			conf.Decrypt.Output = defaultOutput(args[0])
		}
		if conf.Decrypt.Progress && !term.IsTerminal(int(os.Stderr.Fd())) {
			log.Debug("stderr is not a terminal, progress bar disabled")
			conf.Decrypt.Progress = false
		}

		var ctx *pctx.Context
		if conf.Decrypt.Deadline > 0 {
			var cancel context.CancelFunc
			ctx, cancel = pctx.NewWithTimeout(conf, conf.Decrypt.Deadline)
			defer cancel()
		} else {
			ctx = pctx.New(conf)
		}
		ctx.Input = filepath.Clean(args[0])

		run, cancel := context.WithCancel(ctx.Context)
		defer cancel()
		ctx.Context = run

		var stats *pctx.Stats
		if err := ctrlc.Default.Run(ctx, func() error {
			stats, err = pipeline.Run(ctx)
			return err
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				cancel()
				log.Warn("exiting...")
				return nil
			}
			return err
		}

		if err := ctx.Failures(); err != nil {
			log.WithError(err).Debug("call sites left encrypted")
		}
		summary := colors.Success().Sprintf("decrypted %s strings", humanize.Comma(int64(stats.Decrypted)))
		if stats.Failed > 0 {
			summary += colors.Fault().Sprintf(", %s failed", humanize.Comma(int64(stats.Failed)))
		}
		log.WithFields(log.Fields{
			"classes": stats.Classes,
			"patched": stats.Patched,
			"elapsed": time.Since(ctx.Date).Round(time.Millisecond),
		}).Info(summary)
		return nil
	},
}

func defaultOutput(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".decrypted" + ext
}
