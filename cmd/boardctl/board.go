package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/nkitajim/task-collabo/domain"
)

func newShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the board",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, done, err := a.openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			b, _ := s.Board()
			if asJSON {
				data, err := sonic.ConfigStd.MarshalIndent(b, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.out, string(data))
				return err
			}
			_, err = fmt.Fprintln(a.out, renderBoard(b))
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the board as JSON")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print the board after every change until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx)
		},
	}
}

func (a *app) watch(ctx context.Context) error {
	s, done, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer done()

	frames := make(chan domain.Board, 1)
	cancel := s.Watch(func(b domain.Board) {
		select {
		case <-frames:
		default:
		}
		frames <- b
	})
	defer cancel()

	if b, ok := s.Board(); ok {
		fmt.Fprintln(a.out, renderBoard(b))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-frames:
			fmt.Fprintln(a.out, renderBoard(b))
		}
	}
}

func newBoardsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "boards",
		Short: "List and create boards",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List boards",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			boards, err := c.ListBoards(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, renderBoardList(boards))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "create <title>",
		Short: "Create a board",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			b, err := c.CreateBoard(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, b.ID)
			return nil
		},
	})
	return cmd
}
