// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config parses fuse-overlayfs-go's mount options (§6) into a
// validated Config, the way gcsfuse's cfg package binds pflag flags
// through viper and decodes the result with mapstructure, rather than
// hand-rolling a flat flag.FlagSet the way go-fuse's own example
// binaries do — this project has enough options, several of them
// list-valued or env-overridable, to earn the heavier machinery.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jiafengjason/fuse-overlayfs/internal/cipher"
	"github.com/jiafengjason/fuse-overlayfs/internal/idmap"
)

// PassphraseEnvVar is the environment variable consulted when no
// explicit passphrase mount option is given (§9 Open Question 1).
const PassphraseEnvVar = "FUSE_OVERLAYFS_PASSPHRASE"

// insecureDefaultPassphrase is the compiled-in fallback used only when
// neither the mount option nor the environment variable supplies one.
// Using it is always logged at warn level by the caller; it exists so a
// mount never fails outright for want of a passphrase, matching the
// original implementation's behavior (§9 Open Question 1).
const insecureDefaultPassphrase = "fuse-overlayfs-go-insecure-default"

// Config is the fully parsed, validated set of mount options (§6).
type Config struct {
	LowerDirs []string
	UpperDir  string
	WorkDir   string

	// RedirectDir is parsed but only "off" is accepted; anything else is
	// a Non-goal (§1) and ParseOptions rejects it explicitly rather than
	// silently ignoring it.
	RedirectDir string

	UIDMappings []idmap.Mapping
	GIDMappings []idmap.Mapping

	SquashToRoot bool
	SquashUID    *uint32
	SquashGID    *uint32

	Threaded  bool
	Fsync     bool
	FastIno   bool
	Writeback bool
	NoXattrs  bool

	// Plugins is accepted and parsed, never silently dropped, so the
	// Non-goal's error path (§1, §6) is an explicit rejection instead of
	// a no-op; ParseOptions returns an error whenever the plugins option
	// is non-empty, so a returned Config always has this field empty.
	Plugins []string

	XattrPermissions idmap.XattrPermissionMode
	StaticNlink      bool
	Timeout          time.Duration

	Passphrase   string
	KeyBits      cipher.KeyBits
	BlockSize    int
	AllowHoles   bool
	PassphraseFromDefault bool // true when Passphrase fell back to the compiled-in default
}

// BindFlags registers every mount option onto flagSet and binds it into
// viper, mirroring cfg.BindFlags's flag-then-bind shape so environment
// variables and an eventual config file layer over the same keys.
func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("lowerdir", "", "colon-separated list of read-only lower directories, innermost first")
	flagSet.String("upperdir", "", "writable upper directory; omit for a read-only mount")
	flagSet.String("workdir", "", "scratch directory on the same filesystem as upperdir")
	flagSet.String("redirect_dir", "off", `redirect_dir support; only "off" is implemented`)
	flagSet.String("uidmapping", "", "comma-separated host:container:length uid mapping triples")
	flagSet.String("gidmapping", "", "comma-separated host:container:length gid mapping triples")
	flagSet.Bool("squash_to_root", false, "present every uid/gid to callers as 0")
	flagSet.Int64("squash_uid", -1, "if non-negative, present every uid to callers as this value")
	flagSet.Int64("squash_gid", -1, "if non-negative, present every gid to callers as this value")
	flagSet.Bool("threaded", true, "serve requests from multiple goroutines")
	flagSet.Bool("fsync", true, "honor fsync(2) instead of treating it as a no-op")
	flagSet.Bool("volatile", false, "shorthand for fsync=0")
	flagSet.Bool("fast_ino", false, "use faster, non-persistent inode number generation")
	flagSet.Bool("writeback", false, "enable kernel writeback caching")
	flagSet.Bool("noxattrs", false, "disable extended attribute passthrough entirely")
	flagSet.String("plugins", "", "colon-separated plugin paths (rejected: not supported)")
	flagSet.Int("xattr_permissions", 0, "0=off, 1=privileged xattr, 2=unprivileged xattr")
	flagSet.Bool("static_nlink", false, "report nlink=1 for directories instead of the real link count")
	flagSet.Duration("timeout", time.Second, "FUSE entry/attribute cache timeout")
	flagSet.String("passphrase", "", "block-cipher passphrase; falls back to "+PassphraseEnvVar+" then an insecure default")
	flagSet.Int("key_bits", 256, "AES key size in bits: 128, 192, or 256")
	flagSet.Int("block_size", cipher.DefaultBlockSize, "cipher block size in bytes, a multiple of 16")
	flagSet.Bool("allow_holes", true, "skip encrypting/decrypting all-zero blocks")

	if err := viper.BindPFlags(flagSet); err != nil {
		return err
	}
	return viper.BindEnv("passphrase_env", PassphraseEnvVar)
}

// decodeHook composes the same hooks gcsfuse's cfg.DecodeHook wires up,
// so string-valued viper keys land on time.Duration and named int types
// without a bespoke hook per field.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// ParseOptions builds a Config from whatever BindFlags bound into viper,
// then validates and cross-resolves the fields that can't be expressed
// as a single flag value (idmap tables, the squash triple, the cipher
// passphrase chain).
func ParseOptions() (*Config, error) {
	var raw struct {
		LowerDir         string        `mapstructure:"lowerdir"`
		UpperDir         string        `mapstructure:"upperdir"`
		WorkDir          string        `mapstructure:"workdir"`
		RedirectDir      string        `mapstructure:"redirect_dir"`
		UIDMapping       string        `mapstructure:"uidmapping"`
		GIDMapping       string        `mapstructure:"gidmapping"`
		SquashToRoot     bool          `mapstructure:"squash_to_root"`
		SquashUID        int64         `mapstructure:"squash_uid"`
		SquashGID        int64         `mapstructure:"squash_gid"`
		Threaded         bool          `mapstructure:"threaded"`
		Fsync            bool          `mapstructure:"fsync"`
		Volatile         bool          `mapstructure:"volatile"`
		FastIno          bool          `mapstructure:"fast_ino"`
		Writeback        bool          `mapstructure:"writeback"`
		Noxattrs         bool          `mapstructure:"noxattrs"`
		Plugins          string        `mapstructure:"plugins"`
		XattrPermissions int           `mapstructure:"xattr_permissions"`
		StaticNlink      bool          `mapstructure:"static_nlink"`
		Timeout          time.Duration `mapstructure:"timeout"`
		Passphrase       string        `mapstructure:"passphrase"`
		KeyBits          int           `mapstructure:"key_bits"`
		BlockSize        int           `mapstructure:"block_size"`
		AllowHoles       bool          `mapstructure:"allow_holes"`
	}

	decoderConfig := &mapstructure.DecoderConfig{
		DecodeHook:       decodeHook(),
		WeaklyTypedInput: true,
		Result:           &raw,
		TagName:          "mapstructure",
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("config: mapstructure.NewDecoder: %w", err)
	}
	if err := decoder.Decode(viper.AllSettings()); err != nil {
		return nil, fmt.Errorf("config: decoding mount options: %w", err)
	}

	if raw.RedirectDir != "" && raw.RedirectDir != "off" {
		return nil, fmt.Errorf(`config: redirect_dir=%q is not supported, only "off"`, raw.RedirectDir)
	}
	if raw.Plugins != "" {
		return nil, fmt.Errorf("config: plugins=%q rejected: plugin loading is not supported", raw.Plugins)
	}
	if raw.LowerDir == "" && raw.UpperDir == "" {
		return nil, fmt.Errorf("config: at least one of lowerdir or upperdir is required")
	}
	if (raw.UpperDir == "") != (raw.WorkDir == "") {
		return nil, fmt.Errorf("config: upperdir and workdir must be given together")
	}

	uidMappings, err := idmap.ParseMappings(raw.UIDMapping)
	if err != nil {
		return nil, fmt.Errorf("config: uidmapping: %w", err)
	}
	gidMappings, err := idmap.ParseMappings(raw.GIDMapping)
	if err != nil {
		return nil, fmt.Errorf("config: gidmapping: %w", err)
	}

	var lowerDirs []string
	if raw.LowerDir != "" {
		lowerDirs = strings.Split(raw.LowerDir, ":")
	}

	xattrMode := idmap.XattrPermissionMode(raw.XattrPermissions)
	switch xattrMode {
	case idmap.XattrPermissionsOff, idmap.XattrPermissionsPrivileged, idmap.XattrPermissionsUnprivileged:
	default:
		return nil, fmt.Errorf("config: xattr_permissions=%d must be 0, 1, or 2", raw.XattrPermissions)
	}

	keyBits := cipher.KeyBits(raw.KeyBits)
	switch keyBits {
	case cipher.KeyBits128, cipher.KeyBits192, cipher.KeyBits256:
	default:
		return nil, fmt.Errorf("config: key_bits=%d must be 128, 192, or 256", raw.KeyBits)
	}

	c := &Config{
		LowerDirs:        lowerDirs,
		UpperDir:         raw.UpperDir,
		WorkDir:          raw.WorkDir,
		RedirectDir:      raw.RedirectDir,
		UIDMappings:      uidMappings,
		GIDMappings:      gidMappings,
		SquashToRoot:     raw.SquashToRoot,
		Threaded:         raw.Threaded,
		Fsync:            raw.Fsync && !raw.Volatile,
		FastIno:          raw.FastIno,
		Writeback:        raw.Writeback,
		NoXattrs:         raw.Noxattrs,
		XattrPermissions: xattrMode,
		StaticNlink:      raw.StaticNlink,
		Timeout:          raw.Timeout,
		KeyBits:          keyBits,
		BlockSize:        raw.BlockSize,
		AllowHoles:       raw.AllowHoles,
	}
	if raw.SquashUID >= 0 {
		u := uint32(raw.SquashUID)
		c.SquashUID = &u
	}
	if raw.SquashGID >= 0 {
		g := uint32(raw.SquashGID)
		c.SquashGID = &g
	}

	c.Passphrase, c.PassphraseFromDefault = resolvePassphrase(raw.Passphrase)

	return c, nil
}

// resolvePassphrase implements §9 Open Question 1's resolution order: an
// explicit passphrase mount option, then the environment variable, then
// the insecure compiled-in default. Callers must log a warning whenever
// the returned bool is true.
func resolvePassphrase(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, false
	}
	if v := viper.GetString("passphrase_env"); v != "" {
		return v, false
	}
	return insecureDefaultPassphrase, true
}

// BuildIDMap assembles an idmap.IDMap from the parsed Config.
func (c *Config) BuildIDMap() *idmap.IDMap {
	m := idmap.NewIDMap()
	m.UIDMappings = c.UIDMappings
	m.GIDMappings = c.GIDMappings
	m.SquashToRoot = c.SquashToRoot
	m.SquashUID = c.SquashUID
	m.SquashGID = c.SquashGID
	return m
}

// BuildCipher constructs the process-wide BlockCipher from the resolved
// passphrase and cipher options.
func (c *Config) BuildCipher() (*cipher.BlockCipher, error) {
	return cipher.New(c.Passphrase, c.KeyBits, c.BlockSize, c.AllowHoles)
}
