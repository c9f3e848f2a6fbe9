// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// fuse-overlayfs-go mounts a layered overlay filesystem with per-file
// block encryption on the upper layer. See internal/config for the
// recognized mount options and internal/overlay for the engine this
// binary wires together.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/jiafengjason/fuse-overlayfs/internal/config"
	"github.com/jiafengjason/fuse-overlayfs/internal/overlay"
)

// wantedNofile is the RLIMIT_NOFILE this binary asks for: one root
// directory fd per layer plus the workdir, plus one fd per open file
// handle, can add up quickly on a busy mount.
const wantedNofile = 65536

func main() {
	appLog := logrus.StandardLogger()

	flagSet := pflag.NewFlagSet("fuse-overlayfs-go", pflag.ExitOnError)
	debug := flagSet.Bool("debug", false, "print FUSE debug messages")
	allowOther := flagSet.Bool("allow_other", false, "mount with -o allowother")
	if err := config.BindFlags(flagSet); err != nil {
		appLog.Fatalf("binding mount options: %v", err)
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		appLog.Fatalf("parsing arguments: %v", err)
	}

	if flagSet.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [options] MOUNTPOINT\n\noptions:\n", os.Args[0])
		flagSet.PrintDefaults()
		os.Exit(2)
	}
	mountPoint := flagSet.Arg(0)

	if err := raiseNofile(); err != nil {
		appLog.Warnf("raising RLIMIT_NOFILE to %d: %v (continuing with the current limit)", wantedNofile, err)
	}

	cfg, err := config.ParseOptions()
	if err != nil {
		appLog.Fatalf("parsing mount options: %v", err)
	}
	if cfg.PassphraseFromDefault {
		appLog.Warn("no passphrase supplied (mount option or " + config.PassphraseEnvVar + "); " +
			"falling back to the insecure compiled-in default — data is NOT confidential")
	}

	blockCipher, err := cfg.BuildCipher()
	if err != nil {
		appLog.Fatalf("building block cipher: %v", err)
	}

	root, err := overlay.NewRoot(overlay.Params{
		Lowers:           cfg.LowerDirs,
		Upper:            cfg.UpperDir,
		Workdir:          cfg.WorkDir,
		IDMap:            cfg.BuildIDMap(),
		XattrPermissions: cfg.XattrPermissions,
		StaticNlink:      cfg.StaticNlink,
		Fsync:            cfg.Fsync,
		Noxattrs:         cfg.NoXattrs,
		Cipher:           blockCipher,
		Log:              appLog,
	})
	if err != nil {
		appLog.Fatalf("initializing overlay: %v", err)
	}

	timeout := cfg.Timeout
	opts := &fs.Options{
		EntryTimeout:    &timeout,
		AttrTimeout:     &timeout,
		NegativeTimeout: &timeout,
	}
	opts.Debug = *debug
	opts.AllowOther = *allowOther
	opts.MountOptions.Name = "fuse-overlayfs-go"
	opts.MountOptions.SingleThreaded = !cfg.Threaded
	if opts.Debug {
		opts.Logger = log.Default()
		opts.MountOptions.Logger = opts.Logger
	}
	if cfg.Writeback {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "writeback_cache")
	}
	if cfg.FastIno {
		opts.MountOptions.Options = append(opts.MountOptions.Options, "fast_ino")
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		appLog.Fatalf("mounting at %s: %v", mountPoint, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		appLog.Info("received shutdown signal, unmounting")
		if err := server.Unmount(); err != nil {
			appLog.Errorf("unmount: %v", err)
		}
	}()

	appLog.Infof("mounted %s", mountPoint)
	server.Wait()

	if closer, ok := root.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			appLog.Errorf("closing layer stack: %v", err)
		}
	}
}

// raiseNofile raises the soft open-file limit to wantedNofile, capped at
// the hard limit; it never lowers a soft limit that is already at or
// above that target.
func raiseNofile() error {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return err
	}
	want := uint64(wantedNofile)
	if rlim.Max < want {
		want = rlim.Max
	}
	if rlim.Cur >= want {
		return nil
	}
	rlim.Cur = want
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim)
}
