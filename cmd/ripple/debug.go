package main

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ripple/internal/loader"
	"ripple/internal/manifest"
	"ripple/internal/ui"
	"ripple/internal/vm"
)

var debugCmd = &cobra.Command{
	Use:   "debug <image.rplc>",
	Short: "Step through an image instruction by instruction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		img, analysis, err := loadImage(args[0])
		if err != nil {
			return err
		}

		mf, err := manifest.LoadNearest(".")
		if err != nil {
			return err
		}
		opts := mf.Options()
		opts.Debug = true

		machine := vm.New(opts)
		loader.New(machine, loader.NewResolver(mf.Root, mf.SearchPaths()))

		if vmErr := machine.Prime(img, analysis); vmErr != nil {
			return vmErr
		}

		model := ui.NewStepper(args[0], machine)
		if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
			return fmt.Errorf("debugger: %w", err)
		}
		return nil
	},
}
