package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/willibrandon/ctutor/pkg/precheck"
)

func newCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <source.c>",
		Short: "Report calls to functions the tracer does not allow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read source: %w", err)
			}
			findings, err := a.precheck(cmd, src)
			for _, f := range findings {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], f)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}

func (a *app) precheck(cmd *cobra.Command, src []byte) ([]precheck.Finding, error) {
	return precheck.New(a.cfg.Precheck.Blocked, a.log).Check(cmd.Context(), src)
}
