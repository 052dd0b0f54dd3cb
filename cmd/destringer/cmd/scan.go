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
	"encoding/json"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/utils"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	scanCmd.Flags().StringP("class", "c", "", "Only scan this class")
	viper.BindPFlag("scan.json", scanCmd.Flags().Lookup("json"))
	viper.BindPFlag("scan.class", scanCmd.Flags().Lookup("class"))
}

type callSite struct {
	Class   string `json:"class"`
	Method  string `json:"method"`
	Offset  int    `json:"offset"`
	Routine string `json:"routine"`
	Literal string `json:"literal"`
}

func scanClass(c *jar.Class) ([]callSite, error) {
	var sites []callSite
	for _, m := range c.File.Methods {
		code := m.Code()
		if code == nil {
			continue
		}
		insns, err := classfile.DecodeInstructions(code.Bytecode)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		for site := range match.Scan(insns, c.File.Pool, match.DecryptCall, match.WithBarriers(code)) {
			routine, _ := site.Text(match.BindClass)
			method, _ := site.Text(match.BindMethod)
			literal, _ := site.Text(match.BindLiteral)
			sites = append(sites, callSite{
				Class:   c.Name(),
				Method:  m.Name(),
				Offset:  site.Start,
				Routine: routine + "." + method,
				Literal: literal,
			})
		}
	}
	return sites, nil
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan <JAR>",
	Short: "List encrypted string call sites without running anything",
	Example: heredoc.Doc(`
		# List every call site
		❯ destringer scan app.jar

		# Only one class, as JSON
		❯ destringer scan app.jar --class com.example.Main --json`),
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON := viper.GetBool("scan.json")
		only := utils.InternalName(viper.GetString("scan.class"))

		r, err := jar.Open(args[0])
		if err != nil {
			return err
		}
		defer r.Close()
		entries, err := r.Entries()
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", args[0])
		}
		classes, err := jar.LoadClasses(context.Background(), entries, 0)
		if err != nil {
			return errors.Wrapf(err, "failed to load classes from %s", args[0])
		}

		var all []callSite
		for _, c := range classes.Classes() {
			if only != "" && c.Name() != only {
				continue
			}
			sites, err := scanClass(c)
			if err != nil {
				return errors.Wrapf(err, "failed to scan %s", c.Name())
			}
			if len(sites) == 0 {
				continue
			}
			all = append(all, sites...)
			if asJSON {
				continue
			}
			fmt.Println(colors.Class().Sprint(utils.ExternalName(c.Name())))
			for _, s := range sites {
				fmt.Printf("%s%s %s %s\n",
					utils.Pad(4),
					colors.Method().Sprintf("%s@%d", s.Method, s.Offset),
					colors.Routine().Sprint(s.Routine),
					colors.Literal().Sprint(utils.Quote(s.Literal)),
				)
			}
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}
		log.WithField("classes", humanize.Comma(int64(classes.Len()))).Infof("found %s call sites", humanize.Comma(int64(len(all))))
		return nil
	},
}
