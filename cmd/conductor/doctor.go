package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/conductor/internal/doctor"
)

func newDoctorCmd(load configLoader) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the local home, database, authz policy and backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A broken config is itself a finding; diagnose with what loaded.
			cfg, err := load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", warnMark(), err)
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)
			if asJSON {
				if err := writeIndented(cmd, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), renderDiagnosis(diag))
			}
			if diag.Failed() {
				return errors.New("doctor: some checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}
