package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goliatone/go-orchestrator/cron"
)

type ValidateCmd struct{}

func (c *ValidateCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry()
	if err != nil {
		return err
	}
	ids := reg.IDs()
	fmt.Fprintf(g.out, "ok: %d capabilities\n", len(ids))
	for _, id := range ids {
		fmt.Fprintf(g.out, "  %s\n", id)
	}
	return nil
}

type DescribeCmd struct {
	Capability string `arg:"" help:"Capability id, optionally name@version."`
}

func (c *DescribeCmd) Run(g *Globals) error {
	reg, err := g.loadRegistry()
	if err != nil {
		return err
	}
	capab, err := reg.Resolve(c.Capability)
	if err != nil {
		return err
	}
	m := capab.Machine()

	fmt.Fprintf(g.out, "%s (%s)\n", capab.Title(), capab.Key())
	if perms := capab.RequiredPermissions(); len(perms) > 0 {
		fmt.Fprintf(g.out, "permissions: %s\n", strings.Join(perms, ", "))
	}
	if name := capab.Hydrator(); name != "" {
		fmt.Fprintf(g.out, "hydrator: %s\n", name)
	}
	if from, name, ok := capab.MigratesFrom(); ok {
		fmt.Fprintf(g.out, "migrates from: %s via %s\n", from, name)
	}

	fmt.Fprintln(g.out, "\nstates:")
	for _, s := range m.States() {
		var marks []string
		if s == m.Initial() {
			marks = append(marks, "initial")
		}
		if m.IsFinal(s) {
			marks = append(marks, "final")
		}
		line := "  " + string(s)
		if len(marks) > 0 {
			line += " [" + strings.Join(marks, ", ") + "]"
		}
		fmt.Fprintln(g.out, line)
	}

	fmt.Fprintln(g.out, "\ntransitions:")
	tw := tabwriter.NewWriter(g.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "  FROM\tEVENT\tTO\tEFFECT\tGUARD")
	for _, s := range m.States() {
		for _, e := range m.EdgesFrom(s) {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", e.From, e.Event, e.To, dash(e.Effect), dash(e.GuardLabel()))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if succ := reg.Successors(capab.Key()); len(succ) > 0 {
		fmt.Fprintln(g.out, "\nsuccessors:")
		for _, s := range succ {
			fmt.Fprintf(g.out, "  %s\n", s.Key())
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

type SimulateCmd struct {
	Script   string `arg:"" type:"existingfile" help:"Script of session steps (YAML or JSON)."`
	FailFast bool   `help:"Stop at the first step that returns an error."`
}

func (c *SimulateCmd) Run(g *Globals) error {
	script, err := loadScript(c.Script)
	if err != nil {
		return err
	}
	ctx := context.Background()
	rt, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	return runScript(ctx, rt, script, g.out, c.FailFast)
}

type SweepCmd struct {
	Once    bool          `help:"Run the sweep once and exit instead of following the configured schedules."`
	IdleFor time.Duration `name:"idle-for" help:"Overrides maintenance.idle_timeout."`
}

func (c *SweepCmd) Run(g *Globals) error {
	ctx := context.Background()
	rt, err := g.open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	jobs := rt.cfg.MaintenanceJobs()
	if c.IdleFor > 0 {
		jobs.IdleFor = c.IdleFor
	}

	if c.Once {
		msgs, err := rt.manager.Expire(ctx, jobs.IdleFor, jobs.Limit)
		if err != nil {
			return err
		}
		pruned, err := rt.manager.Prune(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(g.out, "expired %d instances, pruned %d idempotency records\n", len(msgs), pruned)
		return nil
	}

	if jobs.ExpireSchedule == "" && jobs.PruneSchedule == "" {
		return fmt.Errorf("no maintenance schedule configured; use --once or set maintenance.expire_schedule")
	}
	scheduler := cron.NewScheduler(cron.WithLogger(rt.logger), cron.WithLogLevel(cron.LogLevelInfo))
	handles, err := cron.ScheduleMaintenance(scheduler, jobs, rt.manager, rt.manager)
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := scheduler.Start(sigCtx); err != nil {
		return err
	}
	rt.logger.Info("sweeper running: expire=%q prune=%q", jobs.ExpireSchedule, jobs.PruneSchedule)
	<-sigCtx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = scheduler.Stop(stopCtx)
	for _, h := range handles {
		st := h.Stats()
		fmt.Fprintf(g.out, "%s: %d runs, %d failed\n", h.Name(), st.Runs, st.Failures)
	}
	return err
}
