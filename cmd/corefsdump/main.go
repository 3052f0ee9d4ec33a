// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command corefsdump dumps the superblock and subvolume table of a
// 31corefs filesystem image, for inspection and debugging.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/31corefs/corefs/lib/corefs"
	"github.com/31corefs/corefs/lib/diskio"
	"github.com/31corefs/corefs/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var verifyFlag bool
	var reclaimFlag bool
	var scanFlag bool

	argparser := &cobra.Command{
		Use:   "corefsdump IMAGE",
		Short: "Dump the superblock and subvolume table of a 31corefs image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				if scanFlag {
					return scan(ctx, args[0])
				}
				return run(ctx, args[0], verifyFlag, reclaimFlag)
			})
			return grp.Wait()
		},
	}
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the log verbosity (error|warn|info|debug|trace)")
	argparser.Flags().BoolVar(&verifyFlag, "verify", false, "cross-check superblock counters against the allocator")
	argparser.Flags().BoolVar(&reclaimFlag, "reclaim", false, "run the mark-and-sweep leak reclaimer before dumping")
	argparser.Flags().BoolVar(&scanFlag, "scan", false, "scan the whole image for superblock-magic candidates instead of mounting it")

	if err := argparser.Execute(); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

// scan implements the --scan disaster-recovery path: rather than
// mounting the image through the superblock at block 0, it walks the
// whole file looking for stray magic matches, for use when that
// superblock is corrupt or missing.
func scan(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	osFile := diskio.NewStatefulFile[int64](&diskio.OSFile[int64]{File: f})
	candidates, err := corefs.ScanForSuperblocks(osFile)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		fmt.Println("no superblock-magic candidates found")
		return nil
	}
	fmt.Printf("found %d superblock-magic candidate(s):\n", len(candidates))
	for _, addr := range candidates {
		fmt.Printf("  block %d\n", addr)
	}
	return nil
}

func run(ctx context.Context, path string, verify, reclaim bool) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	osFile := &diskio.OSFile[int64]{File: f}
	dev := corefs.NewFileBlockDevice(osFile)

	sess, err := corefs.Mount(ctx, dev)
	if err != nil {
		return err
	}

	if reclaim {
		freed, err := sess.ReclaimLeaks(ctx)
		if err != nil {
			return err
		}
		textui.Fprintf(os.Stdout, "reclaimed %d leaked blocks\n", textui.Humanized(freed))
	}

	if verify {
		if err := sess.VerifySuperblock(ctx); err != nil {
			return err
		}
		fmt.Println("superblock OK")
	}

	sb := sess.Superblock()
	fmt.Printf("magic:           %x\n", sb.Magic)
	fmt.Printf("version:         %d\n", sb.Version)
	fmt.Printf("uuid:            %s\n", sb.FSUUID)
	fmt.Printf("label:           %q\n", sb.GetLabel())
	textui.Fprintf(os.Stdout, "total_blocks:    %v (%v)\n", textui.Humanized(sb.TotalBlocks), textui.IEC(sb.TotalBlocks*corefs.BlockSize, "B"))
	textui.Fprintf(os.Stdout, "used_blocks:     %v (%v)\n", textui.Humanized(sb.UsedBlocks), textui.Portion[uint64]{N: sb.UsedBlocks, D: sb.TotalBlocks})
	textui.Fprintf(os.Stdout, "real_used:       %v\n", textui.Humanized(sb.RealUsedBlocks))
	fmt.Printf("default_subvol:  %d\n", sb.DefaultSubvol)
	fmt.Printf("subvol_mgr:      %d\n", sb.SubvolMgr)
	fmt.Printf("creation_time:   %d\n", sb.CreationTime)

	subvols, err := sess.SubvolumeList(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("\nsubvolumes (%d):\n", len(subvols))
	for _, sv := range subvols {
		spew.Dump(sv)
	}
	return nil
}
