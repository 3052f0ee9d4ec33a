// Copyright (C) 2022-2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command mkfs formats a regular file or block device as a 31corefs
// filesystem image.
package main

import (
	"context"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/spf13/cobra"

	"github.com/31corefs/corefs/lib/corefs"
	"github.com/31corefs/corefs/lib/diskio"
	"github.com/31corefs/corefs/lib/textui"
)

func main() {
	logLevelFlag := textui.LogLevelFlag{Level: dlog.LogLevelInfo}
	var label string
	var size uint64

	argparser := &cobra.Command{
		Use:   "mkfs IMAGE",
		Short: "Format a file as a 31corefs filesystem image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := dlog.WithLogger(cmd.Context(), textui.NewLogger(os.Stderr, logLevelFlag.Level))
			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("main", func(ctx context.Context) error {
				return run(ctx, args[0], label, size)
			})
			return grp.Wait()
		},
	}
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the log verbosity (error|warn|info|debug|trace)")
	argparser.Flags().StringVar(&label, "label", "", "volume label")
	argparser.Flags().Uint64Var(&size, "size", 64<<20, "minimum image size in bytes; a new or smaller image file is extended to this size")

	if err := argparser.Execute(); err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path, label string, size uint64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && uint64(info.Size()) < size {
		if err := f.Truncate(int64(size)); err != nil {
			return err
		}
	}

	osFile := &diskio.OSFile[int64]{File: f}
	dev := corefs.NewFileBlockDevice(osFile)

	fsUUID := corefs.NewUUID()
	now := uint64(time.Now().UnixNano())
	if err := corefs.Format(ctx, dev, label, fsUUID, now); err != nil {
		return err
	}
	dlog.Infof(ctx, "mkfs: formatted %s (%s blocks), uuid=%s",
		path, textui.Humanized(dev.BlockCount()), fsUUID)
	return nil
}
