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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/aymanbagabas/go-udiff"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().BoolP("pool", "c", false, "Include the constant pool")
	viper.BindPFlag("diff.pool", diffCmd.Flags().Lookup("pool"))
}

// disassemble returns the listing of class as dis prints it.
func disassemble(path, class string, pool bool) (string, error) {
	data, err := readClass(path, class)
	if err != nil {
		return "", err
	}
	cf, err := classfile.Parse(data)
	if err != nil {
		return "", errors.Wrapf(err, "failed to parse %s in %s", class, path)
	}
	var sb strings.Builder
	if pool {
		cf.DumpPool(&sb)
		sb.WriteString("\n")
	}
	if err := cf.DumpCode(&sb); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// diffCmd represents the diff command
var diffCmd = &cobra.Command{
	Use:   "diff <JAR> <JAR> <CLASS>",
	Short: "Diff the disassembly of a class between two archives",
	Example: heredoc.Doc(`
		# Show what decrypt changed in a class
		❯ destringer decrypt app.jar
		❯ destringer diff app.jar app.decrypted.jar com.example.Main`),
	Args:          cobra.ExactArgs(3),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := disassemble(args[0], args[2], viper.GetBool("diff.pool"))
		if err != nil {
			return err
		}
		after, err := disassemble(args[1], args[2], viper.GetBool("diff.pool"))
		if err != nil {
			return err
		}

		out := udiff.Unified(filepath.Base(args[0]), filepath.Base(args[1]), before, after)
		if out == "" {
			log.Info("no differences")
			return nil
		}
		if colors.Enabled() {
			return quick.Highlight(os.Stdout, out, "diff", "terminal256", "nord")
		}
		fmt.Print(out)
		return nil
	},
}
