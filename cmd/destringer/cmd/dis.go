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
	"strings"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/utils"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(disCmd)

	disCmd.Flags().BoolP("pool", "c", false, "Dump the constant pool")
	viper.BindPFlag("dis.pool", disCmd.Flags().Lookup("pool"))
}

// readClass returns the bytes of class (internal or dotted name) from the
// archive at path, or the bytes of path itself when it is a class file.
func readClass(path, class string) ([]byte, error) {
	if strings.HasSuffix(path, ".class") {
		return os.ReadFile(path)
	}
	if class == "" {
		return nil, fmt.Errorf("a class name is required to read from %s", path)
	}
	want := utils.InternalName(class) + ".class"

	r, err := jar.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var data []byte
	errFound := errors.New("found")
	if err := r.ForEachEntry(func(name string, d []byte) error {
		if name == want {
			data = d
			return errFound
		}
		return nil
	}); err != nil && !errors.Is(err, errFound) {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%s not found in %s", want, path)
	}
	return data, nil
}

// disCmd represents the dis command
var disCmd = &cobra.Command{
	Use:   "dis <JAR|CLASS> [CLASS]",
	Short: "Disassemble a class",
	Example: heredoc.Doc(`
		# Disassemble a class of an archive
		❯ destringer dis app.jar com.example.Main

		# Disassemble a class file with its constant pool
		❯ destringer dis Main.class --pool`),
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var class string
		if len(args) > 1 {
			class = args[1]
		}
		data, err := readClass(args[0], class)
		if err != nil {
			return err
		}
		cf, err := classfile.Parse(data)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", args[0])
		}

		fmt.Printf("%s extends %s (version %d.%d)\n",
			colors.Class().Sprint(utils.ExternalName(cf.Name())),
			utils.ExternalName(cf.SuperName()),
			cf.MajorVersion, cf.MinorVersion,
		)
		if viper.GetBool("dis.pool") {
			fmt.Println(colors.Faint().Sprintf("constant pool (%d):", cf.Pool.Count()))
			cf.DumpPool(os.Stdout)
			fmt.Println()
		}
		return cf.DumpCode(os.Stdout)
	},
}
