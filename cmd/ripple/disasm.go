package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"ripple/internal/bytecode"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <image.rplc>",
	Short: "Print a human-readable listing of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, _, err := loadImage(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "image %s  format %d.%d.%d  constants=%d strings=%d code objects=%d\n",
			args[0], img.Version[0], img.Version[1], img.Version[2],
			len(img.Constants), len(img.Strings), len(img.CodeObjects))

		if deps, err := img.Dependencies(); err == nil && len(deps) > 0 {
			fmt.Fprintf(out, "dependencies: %s\n", strings.Join(deps, ", "))
		}
		if exports, err := img.Exports(); err == nil && len(exports) > 0 {
			names := make([]string, 0, len(exports))
			for name := range exports {
				names = append(names, name)
			}
			sort.Strings(names)
			fmt.Fprintf(out, "exports: %s\n", strings.Join(names, ", "))
		}
		fmt.Fprintln(out)
		fmt.Fprint(out, bytecode.Disassemble(img))
		return nil
	},
}
