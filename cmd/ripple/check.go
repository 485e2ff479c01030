package main

import (
	"fmt"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var checkJobs int

func init() {
	checkCmd.Flags().IntVar(&checkJobs, "jobs", runtime.NumCPU(), "number of images validated concurrently")
}

var checkCmd = &cobra.Command{
	Use:   "check <image.rplc...>",
	Short: "Validate compiled images without executing them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		results := make([]error, len(args))

		var g errgroup.Group
		g.SetLimit(checkJobs)
		for i, path := range args {
			i, path := i, path
			g.Go(func() error {
				_, _, err := loadImage(path)
				results[i] = err
				return nil
			})
		}
		// Workers record failures per image instead of returning them.
		_ = g.Wait()

		okColor := color.New(color.FgGreen)
		failColor := color.New(color.FgRed, color.Bold)
		failed := 0
		for i, path := range args {
			if results[i] != nil {
				failed++
				failColor.Fprintf(cmd.OutOrStdout(), "fail  %s\n", path)
				fmt.Fprintf(cmd.OutOrStdout(), "      %v\n", results[i])
				continue
			}
			okColor.Fprintf(cmd.OutOrStdout(), "ok    %s\n", path)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d images failed validation", failed, len(args))
		}
		return nil
	},
}
