package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nkitajim/task-collabo/client"
	"github.com/nkitajim/task-collabo/config"
	"github.com/nkitajim/task-collabo/domain"
	"github.com/nkitajim/task-collabo/session"
	"github.com/nkitajim/task-collabo/storage"
	"github.com/nkitajim/task-collabo/stream"
)

type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logger  *log.Logger
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	cmd := &cobra.Command{
		Use:          "boardctl",
		Short:        "Read and edit a shared task board",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
  # Print the configured board
  boardctl show --board 1

  # Follow live changes
  boardctl watch --board 1

  # Add a task to column 4
  boardctl task add 4 "Write release notes" --assignee ana
`),
	}

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a.out = cmd.OutOrStdout()
		if err := config.Init(a.v, a.cfgFile); err != nil {
			return err
		}
		cfg, err := config.Load(a.v)
		if err != nil {
			return err
		}
		a.cfg = cfg
		a.logger = cfg.NewLogger()
		a.logger.SetOutput(cmd.ErrOrStderr())
		return nil
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default "+config.ConfigDir()+"/config.yaml)")
	flags.String("api-base", "", "board API root")
	flags.String("board", "", "board id")
	flags.String("token", "", "bearer credential")
	flags.String("log-level", "", "debug, info, warn or error")
	for key, name := range map[string]string{
		"api_base":   "api-base",
		"board_id":   "board",
		"credential": "token",
		"log.level":  "log-level",
	} {
		_ = a.v.BindPFlag(key, flags.Lookup(name))
	}

	cmd.AddCommand(newShowCmd(a))
	cmd.AddCommand(newWatchCmd(a))
	cmd.AddCommand(newBoardsCmd(a))
	cmd.AddCommand(newTaskCmd(a))
	cmd.AddCommand(newColumnCmd(a))

	return cmd
}

func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.APIBase, a.cfg.CredentialValue(), a.cfg.ClientOptions(a.logger))
}

// openSession loads the configured board into a live session. The returned
// func releases the session and the mirror writer.
func (a *app) openSession(ctx context.Context) (*session.Session, func(), error) {
	if err := a.cfg.RequireBoard(); err != nil {
		return nil, nil, err
	}
	api, err := a.client()
	if err != nil {
		return nil, nil, err
	}
	listener, err := stream.NewListener(a.cfg.APIBase, a.cfg.CredentialValue(), stream.Options{
		Logger:           a.logger,
		ReconnectInitial: a.cfg.Stream.ReconnectInitial,
		ReconnectMax:     a.cfg.Stream.ReconnectMax,
		PingInterval:     a.cfg.Stream.PingInterval,
	})
	if err != nil {
		return nil, nil, err
	}

	opts := session.Options{
		Logger:         a.logger,
		FailurePolicy:  session.FailurePolicy(a.cfg.Sync.FailurePolicy),
		RequestTimeout: a.cfg.Request.Timeout,
	}
	var release []func()
	if a.cfg.Mirror.RedisURL != "" {
		rc := redis.NewClient(storage.ParseRedisURL(a.cfg.Mirror.RedisURL))
		mirror := storage.NewMirror(rc, a.cfg.Mirror.TTL, a.cfg.Mirror.Channel, a.logger)
		mctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			mirror.Run(mctx)
		}()
		opts.Mirror = mirror
		release = append(release, func() {
			cancel()
			<-done
			_ = rc.Close()
		})
	}

	s := session.New(api, session.FromListener(listener), opts)
	closeAll := func() {
		s.Close()
		for _, fn := range release {
			fn()
		}
	}
	if err := s.Open(ctx, domain.ID(a.cfg.BoardID)); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("open board %s: %w", a.cfg.BoardID, err)
	}
	return s, closeAll, nil
}

// run opens the board, issues one command and waits for the server's answer.
func (a *app) run(ctx context.Context, issue func(s *session.Session, b domain.Board) (*session.Receipt, error)) (*session.Receipt, error) {
	s, done, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	b, _ := s.Board()
	r, err := issue(s, b)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithTimeout(ctx, a.cfg.Request.Timeout)
	defer cancel()
	if err := r.Wait(wctx); err != nil {
		return r, err
	}
	return r, nil
}
