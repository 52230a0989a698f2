// Command pacegroup creates, joins and rides cycling groups that share a
// live total speed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mmynk/pacegroup/internal/feed"
	"github.com/mmynk/pacegroup/internal/models"
	"github.com/mmynk/pacegroup/internal/service"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
var version = "dev"

// globalFlags holds the flags shared by every command.
type globalFlags struct {
	configPath string
	identity   string
	token      string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "pacegroup",
		Short:         "Ride in groups and share a live total speed",
		Long: "pacegroup creates, joins and rides cycling groups that share a live total speed.\n\n" +
			"State is stored in a sqlite file (store.sqlite.path, default ./pacegroup.db) so separate " +
			"invocations see each other's groups. store.backend=redis shares state across machines; " +
			"store.backend=memory keeps state for a single invocation only.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "Path to a config file (default $PACEGROUP_CONFIG; state is kept in ./pacegroup.db unless configured)")
	pf.StringVar(&flags.identity, "identity", os.Getenv("PACEGROUP_IDENTITY"), "Rider identity, for development without tokens")
	pf.StringVar(&flags.token, "token", os.Getenv("PACEGROUP_TOKEN"), "Signed identity token")

	root.AddCommand(
		newCreateCmd(&flags),
		newJoinCmd(&flags),
		newLeaveCmd(&flags),
		newStatusCmd(&flags),
		newReconcileCmd(&flags),
		newRideCmd(&flags),
		newTokenCmd(&flags),
	)
	return root
}

// run builds the app, resolves the caller's identity and runs fn. Errors
// are printed with their user-facing message.
func run(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app, identity models.Identity) error) error {
	a, err := newApp(flags)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return err
	}
	defer a.Close()

	identity, err := a.identity(flags)
	if err == nil {
		err = fn(cmd.Context(), a, identity)
	}
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", service.UserMessage(err))
		a.logger.Debug("Command failed", "command", cmd.Name(), "error", err)
	}
	return err
}

func newCreateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "create [name]",
		Short: "Create a group and join it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				groupID, err := a.client.Groups.CreateGroup(ctx, identity, name)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), groupID)
				return nil
			})
		},
	}
}

func newJoinCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "join <groupId>",
		Short: "Join an existing group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				if err := a.client.Groups.JoinGroup(ctx, identity, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Joined %s\n", args[0])
				return nil
			})
		},
	}
}

func newLeaveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "leave",
		Short: "Leave the current group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				// A leaving pointer reads as no membership but still
				// needs its leave finished, so LeaveGroup decides.
				ptr, err := a.client.Groups.CheckMembership(ctx, identity)
				if err != nil {
					return err
				}
				if err := a.client.Groups.LeaveGroup(ctx, identity); err != nil {
					return err
				}
				if ptr != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Left %s\n", ptr.GroupID)
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Left group")
				}
				return nil
			})
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current group and its speeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				out := cmd.OutOrStdout()
				ptr, err := a.client.Groups.CheckMembership(ctx, identity)
				if err != nil {
					return err
				}
				if ptr == nil {
					fmt.Fprintf(out, "%s is not in a group\n", identity)
					return nil
				}

				group, err := a.client.Groups.GetGroup(ctx, ptr.GroupID)
				if err != nil {
					return err
				}
				snap, err := service.Normalize(ptr.GroupID, group)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "state:   %s\n", ptr.State)
				printSnapshot(out, snap, a.cfg.Group.MaxSize)
				return nil
			})
		},
	}
}

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Finish or roll back an interrupted join or leave",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				ptr, err := a.client.Groups.Reconcile(ctx, identity)
				if err != nil {
					return err
				}
				if ptr == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not in a group\n", identity)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", ptr.GroupID, ptr.State)
				return nil
			})
		},
	}
}

type rideFlags struct {
	duration   time.Duration
	seed       uint64
	companions int
}

func newRideCmd(flags *globalFlags) *cobra.Command {
	var rf rideFlags
	cmd := &cobra.Command{
		Use:   "ride",
		Short: "Ride with a simulated speed feed and print live group snapshots",
		Long: "Ride submits simulated speed samples for the current group and prints every " +
			"group snapshot until interrupted. Companions join the group as extra simulated riders.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, flags, func(ctx context.Context, a *app, identity models.Identity) error {
				if rf.duration > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, rf.duration)
					defer cancel()
				}
				err := ride(ctx, a, identity, rf, cmd.OutOrStdout())
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			})
		},
	}

	f := cmd.Flags()
	f.DurationVar(&rf.duration, "duration", 0, "Stop after this long (default: until interrupted)")
	f.Uint64Var(&rf.seed, "seed", 0, "Seed of the simulated feed (default: random)")
	f.IntVar(&rf.companions, "companions", 0, "Number of extra simulated riders to add to the group")
	return cmd
}

func ride(ctx context.Context, a *app, identity models.Identity, rf rideFlags, w io.Writer) error {
	out := &syncWriter{w: w}

	session, err := a.client.StartSession(ctx, identity, func(snap models.Snapshot) {
		out.snapshot(snap)
	})
	if err != nil {
		return err
	}
	defer session.Close()

	var wg sync.WaitGroup
	for i := 1; i <= rf.companions; i++ {
		companion := models.Identity(fmt.Sprintf("%s-companion-%d", identity, i))
		if err := a.client.Groups.JoinGroup(ctx, companion, session.GroupID()); err != nil {
			a.logger.Warn("Companion could not join", "identity", companion, "error", err)
			continue
		}
		cs, err := a.client.StartSession(ctx, companion, nil)
		if err != nil {
			a.logger.Warn("Companion session failed", "identity", companion, "error", err)
			continue
		}

		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			cs.Run(ctx, simulatedFeed(a, seed))
			if err := cs.Leave(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("Companion could not leave", "identity", companion, "error", err)
			}
		}(rf.seed + uint64(i))
	}
	defer wg.Wait()

	return session.Run(ctx, simulatedFeed(a, rf.seed))
}

func simulatedFeed(a *app, seed uint64) feed.Source {
	src := feed.NewSimulated(feed.SimulatedConfig{
		Interval: a.cfg.Feed.Interval,
		Seed:     seed,
	})
	return feed.Throttle(src, a.cfg.Feed.FastestInterval)
}

func newTokenCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "token <identity>",
		Short: "Mint a development identity token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			defer a.Close()

			if a.jwt == nil {
				err := errors.New("auth.secret must be configured to mint tokens")
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			token, err := a.jwt.Generate(models.Identity(args[0]))
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

// syncWriter serializes snapshot output from subscription goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) snapshot(snap models.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "%s  %s  riders=%d  total=%.1f mph\n",
		time.Now().Format(time.TimeOnly), snap.GroupID, snap.Size(), snap.TotalSpeed)
}

func printSnapshot(w io.Writer, snap models.Snapshot, maxSize int) {
	fmt.Fprintf(w, "group:   %s (%s)\n", snap.GroupID, snap.Name)
	fmt.Fprintf(w, "members: %d/%d\n", snap.Size(), maxSize)

	members := slices.Clone(snap.Members)
	slices.Sort(members)
	for _, id := range members {
		if speed, ok := snap.Speeds[id]; ok {
			fmt.Fprintf(w, "  %-20s %6.1f mph\n", id, speed)
		} else {
			fmt.Fprintf(w, "  %-20s %6s\n", id, "-")
		}
	}
	fmt.Fprintf(w, "total:   %.1f mph\n", snap.TotalSpeed)
}
