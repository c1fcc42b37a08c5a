// Command btrfs2s3 is the CLI entrypoint: it wires config → inventory →
// resolver → planner → executor for the `update` subcommand, and offers
// read-only `plan`/`list` variants for inspection.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/golang/glog"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
	"github.com/vbauerster/mpb/v4"
	"github.com/vbauerster/mpb/v4/decor"

	"github.com/btrfs2s3/btrfs2s3/internal/config"
	"github.com/btrfs2s3/btrfs2s3/internal/executor"
	"github.com/btrfs2s3/btrfs2s3/internal/fsdriver"
	"github.com/btrfs2s3/btrfs2s3/internal/inventory"
	"github.com/btrfs2s3/btrfs2s3/internal/lockfile"
	"github.com/btrfs2s3/btrfs2s3/internal/model"
	"github.com/btrfs2s3/btrfs2s3/internal/planner"
	"github.com/btrfs2s3/btrfs2s3/internal/resolver"
	"github.com/btrfs2s3/btrfs2s3/internal/s3backend"
)

const progressBarWidth = 64

const (
	configFlagName = "config"
	forceFlagName  = "force"
)

var (
	configFlag = cli.StringFlag{
		Name:  configFlagName + ", c",
		Usage: "path to the YAML configuration file",
		Value: "/etc/btrfs2s3/config.yaml",
	}
	forceFlag = cli.BoolFlag{
		Name:  forceFlagName + ", f",
		Usage: "skip the confirmation prompt on a non-interactive terminal",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "btrfs2s3"
	app.Usage = "maintain a tree of differential btrfs backups in S3"
	app.Commands = []cli.Command{
		{
			Name:  "update",
			Usage: "resolve, plan, and apply: create/delete snapshots and backups to match policy",
			Flags: []cli.Flag{configFlag, forceFlag},
			Action: runUpdate,
		},
		{
			Name:  "plan",
			Usage: "resolve and print the plan without applying it",
			Flags: []cli.Flag{configFlag},
			Action: runPlan,
		},
		{
			Name:  "list",
			Usage: "print the current inventory (local ∪ remote) per source",
			Flags: []cli.Flag{configFlag},
			Action: runList,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "btrfs2s3:", err)
		os.Exit(int(model.ExitCodeFor(err)))
	}
}

// binding is everything resolved for one (source, upload) pairing: the
// concrete collaborators plus the policy/timezone to resolve against.
type binding struct {
	sourceCfg config.Source
	uploadCfg config.Upload
	subvol    model.Subvolume
	driver    fsdriver.Driver
	s3        *s3backend.Client
	policy    model.Policy
	tz        *time.Location
}

func loadBindings(cfgPath string) ([]binding, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	tz, err := cfg.Location()
	if err != nil {
		return nil, model.NewConfigError("loading timezone: %v", err)
	}

	remoteByID := make(map[string]config.Remote, len(cfg.Remotes))
	for _, r := range cfg.Remotes {
		remoteByID[r.ID] = r
	}

	var out []binding
	for _, src := range cfg.Sources {
		driver := &fsdriver.CLI{}
		info, err := driver.SubvolumeInfo(src.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading subvolume info for %s", src.Path)
		}
		subvol := model.Subvolume{UUID: info.UUID, CTransID: info.CTransID, Path: src.Path}

		for _, up := range src.UploadToRemotes {
			remoteCfg, ok := remoteByID[up.ID]
			if !ok {
				return nil, model.NewConfigError("source %q: unknown remote id %q", src.Path, up.ID)
			}
			policy, err := model.ParsePolicy(up.Preserve)
			if err != nil {
				return nil, model.NewConfigError("source %q, remote %q: %v", src.Path, up.ID, err)
			}
			s3Client, err := s3backend.New(remoteCfg.S3.Bucket, s3backend.EndpointConfig{
				ProfileName: remoteCfg.S3.Endpoint.ProfileName,
				Region:      remoteCfg.S3.Endpoint.RegionName,
				AccessKeyID: remoteCfg.S3.Endpoint.AccessKeyID,
				SecretKey:   remoteCfg.S3.Endpoint.SecretAccessKey,
				EndpointURL: remoteCfg.S3.Endpoint.EndpointURL,
				Verify:      remoteCfg.S3.Endpoint.Verify,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "constructing S3 client for remote %q", up.ID)
			}
			out = append(out, binding{
				sourceCfg: src,
				uploadCfg: up,
				subvol:    subvol,
				driver:    driver,
				s3:        s3Client,
				policy:    policy,
				tz:        tz,
			})
		}
	}
	return out, nil
}

// resolveAndPlan runs components C+D+E for one binding.
func resolveAndPlan(ctx context.Context, b binding, tNow time.Time) (planner.Input, model.Plan, error) {
	local, err := inventory.Snapshot(b.driver, inventory.Source{Subvolume: b.subvol, SnapDir: b.sourceCfg.Snapshots})
	if err != nil {
		return planner.Input{}, model.Plan{}, err
	}
	remote, err := inventory.Remote(ctx, b.s3, b.subvol.UUID)
	if err != nil {
		return planner.Input{}, model.Plan{}, err
	}
	merged := inventory.Merge(local, remote)

	result, err := resolver.Resolve(merged, b.policy, tNow, b.tz)
	if err != nil {
		return planner.Input{}, model.Plan{}, err
	}

	in := planner.Input{Source: b.subvol, Local: local, Remote: remote, Keep: result.Keep}
	plan, err := planner.Plan(in)
	if err != nil {
		return planner.Input{}, model.Plan{}, err
	}
	return in, plan, nil
}

func runUpdate(c *cli.Context) error {
	bindings, err := loadBindings(c.String(configFlagName))
	if err != nil {
		return err
	}

	locked := make(map[string]*lockfile.Lock)
	defer func() {
		for _, l := range locked {
			_ = l.Release()
		}
	}()

	ctx := context.Background()
	tNow := time.Now()
	for _, b := range bindings {
		if _, ok := locked[b.sourceCfg.Snapshots]; !ok {
			l, err := lockfile.Acquire(b.sourceCfg.Snapshots)
			if err != nil {
				return err
			}
			locked[b.sourceCfg.Snapshots] = l
		}

		in, plan, err := resolveAndPlan(ctx, b, tNow)
		if err != nil {
			return err
		}
		glog.V(1).Infof("btrfs2s3: %s -> %s: %d actions planned", b.sourceCfg.Path, b.uploadCfg.ID, len(plan.Actions))
		if len(plan.Actions) == 0 {
			fmt.Fprintf(c.App.Writer, "%s -> %s: up to date\n", b.sourceCfg.Path, b.uploadCfg.ID)
			continue
		}

		if !c.Bool(forceFlagName) && !isatty.IsTerminal(os.Stdout.Fd()) {
			return cli.NewExitError("refusing to apply a plan on a non-interactive terminal without --force", int(model.ExitPreconditionFailed))
		}
		if !c.Bool(forceFlagName) {
			printPlan(c, b, plan)
			if !confirm() {
				fmt.Fprintln(c.App.Writer, "aborted")
				continue
			}
		}

		bar, progress := newProgressBar(c, b, plan)
		env := executor.Environment{
			SnapshotDir: b.sourceCfg.Snapshots,
			Driver:      b.driver,
			S3:          b.s3,
			PipeThrough: b.uploadCfg.PipeThrough,
		}
		onBytes := func(n int64) {
			if bar != nil {
				bar.IncrBy(int(n))
			}
		}
		sum, err := executor.Apply(ctx, env, in, plan, onBytes)
		if progress != nil {
			progress.Wait()
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s -> %s: +%d snapshots, %d renamed, -%d snapshots, +%d backups, -%d backups\n",
			b.sourceCfg.Path, b.uploadCfg.ID,
			sum.SnapshotsCreated, sum.SnapshotsRenamed, sum.SnapshotsDeleted, sum.BackupsCreated, sum.BackupsDeleted)
	}
	return nil
}

func runPlan(c *cli.Context) error {
	bindings, err := loadBindings(c.String(configFlagName))
	if err != nil {
		return err
	}
	ctx := context.Background()
	tNow := time.Now()
	for _, b := range bindings {
		_, plan, err := resolveAndPlan(ctx, b, tNow)
		if err != nil {
			return err
		}
		printPlan(c, b, plan)
	}
	return nil
}

func runList(c *cli.Context) error {
	bindings, err := loadBindings(c.String(configFlagName))
	if err != nil {
		return err
	}
	ctx := context.Background()
	seen := make(map[string]bool)
	for _, b := range bindings {
		if seen[b.sourceCfg.Path+"|"+b.uploadCfg.ID] {
			continue
		}
		seen[b.sourceCfg.Path+"|"+b.uploadCfg.ID] = true

		local, err := inventory.Snapshot(b.driver, inventory.Source{Subvolume: b.subvol, SnapDir: b.sourceCfg.Snapshots})
		if err != nil {
			return err
		}
		remote, err := inventory.Remote(ctx, b.s3, b.subvol.UUID)
		if err != nil {
			return err
		}
		merged := inventory.Merge(local, remote)

		fmt.Fprintf(c.App.Writer, "%s -> %s:\n", b.sourceCfg.Path, b.uploadCfg.ID)
		for _, it := range merged {
			fmt.Fprintf(c.App.Writer, "  %s  ctime=%s  where=%s\n", it.UUID, it.CTime.Format(time.RFC3339), it.Where)
		}
	}
	return nil
}

func printPlan(c *cli.Context, b binding, plan model.Plan) {
	fmt.Fprintf(c.App.Writer, "%s -> %s:\n", b.sourceCfg.Path, b.uploadCfg.ID)
	for _, a := range plan.Actions {
		fmt.Fprintf(c.App.Writer, "  %s\n", a.String())
	}
}

func confirm() bool {
	fmt.Print("apply this plan? [y/N] ")
	var answer string
	_, _ = fmt.Scanln(&answer)
	return answer == "y" || answer == "Y"
}

// newProgressBar wires one mpb bar for the plan's CreateBackup actions
// together (none when the plan has no CreateBackup), only when
// stdout is a TTY: interactive runs get a progress bar, scripted runs
// stay quiet. totalBytes is unknown ahead of time for a streaming send,
// so the bar counts bytes shipped without a fixed total.
func newProgressBar(c *cli.Context, b binding, plan model.Plan) (*mpb.Bar, *mpb.Progress) {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return nil, nil
	}
	backups := 0
	for _, a := range plan.Actions {
		if a.Kind == model.ActionCreateBackup {
			backups++
		}
	}
	if backups == 0 {
		return nil, nil
	}
	text := fmt.Sprintf("%s -> %s: ", b.sourceCfg.Path, b.uploadCfg.ID)
	progress := mpb.New(mpb.WithWidth(progressBarWidth))
	bar := progress.AddBar(
		0,
		mpb.PrependDecorators(decor.Name(text, decor.WC{W: len(text) + 2, C: decor.DSyncWidthR})),
		mpb.AppendDecorators(decor.CountersNoUnit("%d bytes", decor.WCSyncWidth)),
	)
	return bar, progress
}
