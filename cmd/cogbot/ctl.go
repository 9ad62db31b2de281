package main

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolink/cogbot/control"
	"github.com/toolink/cogbot/extension"
	"github.com/toolink/cogbot/fleet"
)

var (
	ctlWait    bool
	ctlTimeout time.Duration

	ctlCmd = &cobra.Command{
		Use:   "ctl",
		Short: "Administer running bots through redis",
	}
)

func init() {
	ctlCmd.PersistentFlags().BoolVar(&ctlWait, "wait", true, "wait for the bot to report the outcome")
	ctlCmd.PersistentFlags().DurationVar(&ctlTimeout, "timeout", 30*time.Second, "how long to wait for the outcome")

	for _, op := range []extension.Op{extension.OpLoad, extension.OpUnload, extension.OpReload} {
		ctlCmd.AddCommand(newLifecycleCmd(op))
	}
	ctlCmd.AddCommand(statusCmd)
}

func newLifecycleCmd(op extension.Op) *cobra.Command {
	return &cobra.Command{
		Use:   string(op) + " <extension>...",
		Short: fmt.Sprintf("Batch %s extensions on the running bot", op),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]extension.ID, 0, len(args))
			for _, a := range args {
				ids = append(ids, extension.ID(a))
			}
			return enqueue(cmd, control.NewRequest(op, ids, requester()))
		},
	}
}

func enqueue(cmd *cobra.Command, req control.Request) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}
	rdb, err := newRedisClient(conf)
	if err != nil {
		return err
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
	defer cancel()

	pub := control.NewPublisher(rdb)
	if err := pub.Enqueue(ctx, req); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "request %s queued\n", req.ID)
	if !ctlWait {
		return nil
	}

	rep, err := pub.Await(ctx, req.ID)
	if err != nil {
		return err
	}
	if rep.Error != "" {
		return fmt.Errorf("request rejected: %s", rep.Error)
	}
	for _, item := range rep.Items {
		if item.Error != "" {
			fmt.Fprintf(out, "%-32s %-16s %s\n", item.ID, item.Outcome, item.Error)
		} else {
			fmt.Fprintf(out, "%-32s %s\n", item.ID, item.Outcome)
		}
	}
	if rep.SyncError != "" {
		fmt.Fprintf(out, "command sync failed: %s\n", rep.SyncError)
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List running bot instances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conf, err := loadConfig()
		if err != nil {
			return err
		}
		rdb, err := newRedisClient(conf)
		if err != nil {
			return err
		}
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), ctlTimeout)
		defer cancel()

		instances, err := fleet.NewRegistry(rdb).List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(instances) == 0 {
			fmt.Fprintln(out, "no running instances")
			return nil
		}
		for _, inst := range instances {
			fmt.Fprintf(out, "%s  host=%s admin=%s up=%s extensions=%v\n",
				inst.ID, inst.Hostname, inst.AdminAddr,
				time.Since(inst.StartedAt).Round(time.Second), inst.Extensions)
		}
		return nil
	},
}

func requester() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return "unknown"
}
