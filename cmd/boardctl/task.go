package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/session"
)

type taskFlags struct {
	summary     string
	description string
	owner       string
	assignee    string
	reward      float64
	start       string
	end         string
}

func (f *taskFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.summary, "summary", "", "short summary")
	fs.StringVar(&f.description, "description", "", "long description")
	fs.StringVar(&f.owner, "owner", "", "owner")
	fs.StringVar(&f.assignee, "assignee", "", "assignee")
	fs.Float64Var(&f.reward, "reward", 0, "reward")
	fs.StringVar(&f.start, "start", "", "start date (YYYY-MM-DD or RFC 3339)")
	fs.StringVar(&f.end, "end", "", "end date (YYYY-MM-DD or RFC 3339)")
}

func parseDateFlag(name, v string) (*domain.Date, error) {
	if v == "" {
		return nil, nil
	}
	d, err := domain.ParseDate(v)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return &d, nil
}

func (f *taskFlags) draft(title string) (domain.TaskDraft, error) {
	start, err := parseDateFlag("start", f.start)
	if err != nil {
		return domain.TaskDraft{}, err
	}
	end, err := parseDateFlag("end", f.end)
	if err != nil {
		return domain.TaskDraft{}, err
	}
	return domain.TaskDraft{
		Title:       title,
		Summary:     f.summary,
		Description: f.description,
		Owner:       f.owner,
		Assignee:    f.assignee,
		Reward:      f.reward,
		StartDate:   start,
		EndDate:     end,
	}, nil
}

// patch sets only the fields whose flags were given.
func (f *taskFlags) patch(fs *pflag.FlagSet, title string) (domain.TaskPatch, error) {
	var p domain.TaskPatch
	if title != "" {
		p.Title = &title
	}
	strs := map[string]struct {
		val *string
		dst **string
	}{
		"summary":     {&f.summary, &p.Summary},
		"description": {&f.description, &p.Description},
		"owner":       {&f.owner, &p.Owner},
		"assignee":    {&f.assignee, &p.Assignee},
	}
	for name, s := range strs {
		if fs.Changed(name) {
			*s.dst = s.val
		}
	}
	if fs.Changed("reward") {
		p.Reward = &f.reward
	}
	var err error
	if p.StartDate, err = parseDateFlag("start", f.start); err != nil {
		return p, err
	}
	if p.EndDate, err = parseDateFlag("end", f.end); err != nil {
		return p, err
	}
	return p, nil
}

func newTaskCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Create, edit and move tasks",
	}
	cmd.AddCommand(newTaskAddCmd(a))
	cmd.AddCommand(newTaskUpdateCmd(a))
	cmd.AddCommand(newTaskDeleteCmd(a))
	cmd.AddCommand(newTaskMoveCmd(a))
	cmd.AddCommand(newTaskReorderCmd(a))
	return cmd
}

func newTaskAddCmd(a *app) *cobra.Command {
	var f taskFlags
	cmd := &cobra.Command{
		Use:   "add <column-id> <title>",
		Short: "Add a task at the end of a column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := f.draft(args[1])
			if err != nil {
				return err
			}
			r, err := a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.CreateTask(domain.ID(args[0]), draft), nil
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, r.ConfirmedID())
			return nil
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func newTaskUpdateCmd(a *app) *cobra.Command {
	var (
		f     taskFlags
		title string
	)
	cmd := &cobra.Command{
		Use:   "update <task-id>",
		Short: "Change task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.patch(cmd.Flags(), title)
			if err != nil {
				return err
			}
			if p.Empty() {
				return fmt.Errorf("nothing to update")
			}
			_, err = a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.UpdateTask(domain.ID(args[0]), p), nil
			})
			return err
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	f.register(cmd.Flags())
	return cmd
}

func newTaskDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := domain.ID(args[0])
			_, err := a.run(cmd.Context(), func(s *session.Session, b domain.Board) (*session.Receipt, error) {
				t, _, ok := b.FindTask(id)
				if !ok {
					return nil, &domain.NotFoundError{Kind: "task", ID: id}
				}
				return s.DeleteTask(id, t.ColumnID), nil
			})
			return err
		},
	}
}

func newTaskMoveCmd(a *app) *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "move <task-id> <column-id>",
		Short: "Move a task to another column",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.MoveTask(domain.ID(args[0]), domain.ID(args[1]), index), nil
			})
			return err
		},
	}
	cmd.Flags().IntVar(&index, "index", -1, "target position; negative appends")
	return cmd
}

func newTaskReorderCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reorder <column-id> <task-id> <over-task-id>",
		Short: "Move a task onto the position of another task in the same column",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.run(cmd.Context(), func(s *session.Session, _ domain.Board) (*session.Receipt, error) {
				return s.ReorderTask(domain.ID(args[0]), domain.ID(args[1]), domain.ID(args[2])), nil
			})
			if err == nil && r.Noop() {
				fmt.Fprintln(a.out, "order unchanged")
			}
			return err
		},
	}
}
