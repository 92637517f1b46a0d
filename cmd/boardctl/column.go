package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/session"
)

func newColumnCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "column",
		Short: "Add and delete columns",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <title>",
		Short: "Append a column to the board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.CreateColumn(args[0]), nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, r.ConfirmedID())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <column-id>",
		Short: "Delete a column and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.DeleteColumn(domain.ID(args[0])), nil
			})
			return err
		},
	})
	return cmd
}
