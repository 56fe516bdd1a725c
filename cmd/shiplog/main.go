// Command shiplog inspects, reindexes, and verifies the binary log
// files this module manages, without running any of the node logic
// that normally owns them.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v2"

	"github.com/blocklayer/statehistory/internal/xlog"
	"github.com/blocklayer/statehistory/logstore"
)

func main() {
	app := &cli.App{
		Name:  "shiplog",
		Usage: "inspect, reindex, and verify state-history log directories",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a TOML config file"},
			&cli.StringFlag{Name: "name", Value: "chain", Usage: "log filename stem"},
		},
		Commands: []*cli.Command{
			inspectCommand,
			reindexCommand,
			verifyCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "shiplog:", err)
		os.Exit(1)
	}
}

// loadConfig builds a logstore.Config from the command's flags, laying
// an optional TOML file's [log] table underneath the -name/-config CLI
// flags so CLI flags always win.
func loadConfig(c *cli.Context, dir string) (logstore.Config, error) {
	cfg := logstore.DefaultConfig(c.String("name"), dir)
	if path := c.String("config"); path != "" {
		fileCfg, err := readTOMLConfig(path)
		if err != nil {
			return cfg, fmt.Errorf("reading %s: %w", path, err)
		}
		if fileCfg.Name != "" && !c.IsSet("name") {
			cfg.Name = fileCfg.Name
		}
		if fileCfg.Stride > 0 {
			cfg.Stride = fileCfg.Stride
		}
		if fileCfg.MaxRetainedFiles > 0 {
			cfg.MaxRetainedFiles = fileCfg.MaxRetainedFiles
		}
		if fileCfg.ArchiveDir != "" {
			cfg.ArchiveDir = fileCfg.ArchiveDir
		}
	}
	cfg.Logger = xlog.New("dir", dir)
	return cfg, nil
}

var inspectCommand = &cli.Command{
	Name:      "inspect",
	Usage:     "print the block range and segment layout of a log directory",
	ArgsUsage: "<dir>",
	Action: func(c *cli.Context) error {
		dir := c.Args().Get(0)
		if dir == "" {
			return fmt.Errorf("inspect requires a log directory argument")
		}
		cfg, err := loadConfig(c, dir)
		if err != nil {
			return err
		}
		log, err := logstore.Open(cfg)
		if err != nil {
			return err
		}
		defer log.Stop()

		begin, end := log.BeginEndBlockNums()
		fmt.Printf("range: [%d, %d)  (%d entries)\n", begin, end, end-begin)

		segs := log.RetainedSegments()
		sort.Slice(segs, func(i, j int) bool { return segs[i].FirstBlockNum < segs[j].FirstBlockNum })
		for _, s := range segs {
			fmt.Printf("  retained %08d-%08d  %s\n", s.FirstBlockNum, s.LastBlockNum, s.LogPath)
		}
		activeLog, _ := log.ActivePaths()
		fmt.Printf("  active   %s\n", activeLog)
		return nil
	},
}

var reindexCommand = &cli.Command{
	Name:      "reindex",
	Usage:     "rebuild the active segment's index from its log",
	ArgsUsage: "<dir>",
	Action: func(c *cli.Context) error {
		dir := c.Args().Get(0)
		if dir == "" {
			return fmt.Errorf("reindex requires a log directory argument")
		}
		cfg, err := loadConfig(c, dir)
		if err != nil {
			return err
		}
		log, err := logstore.Open(cfg)
		if err != nil {
			return err
		}
		defer log.Stop()
		if err := log.Rebuild(); err != nil {
			return err
		}
		begin, end := log.BeginEndBlockNums()
		fmt.Printf("reindexed active segment, range now [%d, %d)\n", begin, end)
		return nil
	},
}

var verifyCommand = &cli.Command{
	Name:      "verify",
	Usage:     "walk every entry and check block-number and framing invariants",
	ArgsUsage: "<dir>",
	Action: func(c *cli.Context) error {
		dir := c.Args().Get(0)
		if dir == "" {
			return fmt.Errorf("verify requires a log directory argument")
		}
		cfg, err := loadConfig(c, dir)
		if err != nil {
			return err
		}
		log, err := logstore.Open(cfg)
		if err != nil {
			return err
		}
		defer log.Stop()

		begin, end := log.BeginEndBlockNums()
		for b := begin; b < end; b++ {
			id, ok, err := log.GetBlockID(b)
			if err != nil {
				return fmt.Errorf("block %d: %w", b, err)
			}
			if !ok {
				return fmt.Errorf("block %d: missing from [%d, %d)", b, begin, end)
			}
			if got := id.Num(); got != b {
				return fmt.Errorf("block %d: block_id encodes block number %d", b, got)
			}
			if _, _, err := log.GetEntryHeader(b); err != nil {
				return fmt.Errorf("block %d: %w", b, err)
			}
		}
		fmt.Printf("verified %d entries in [%d, %d)\n", end-begin, begin, end)
		return nil
	},
}
