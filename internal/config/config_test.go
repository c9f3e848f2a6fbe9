package config

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jiafengjason/fuse-overlayfs/internal/cipher"
	"github.com/jiafengjason/fuse-overlayfs/internal/idmap"
)

// bindFresh resets viper's global state and rebinds a flag set, since
// BindFlags/ParseOptions go through the package-level viper singleton the
// way cfg.BindFlags/viper.Unmarshal do in gcsfuse's cmd/root.go.
func bindFresh(t *testing.T, args ...string) {
	t.Helper()
	viper.Reset()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs))
	require.NoError(t, fs.Parse(args))
}

func TestParseOptionsRequiresALayer(t *testing.T) {
	bindFresh(t)
	_, err := ParseOptions()
	assert.Error(t, err)
}

func TestParseOptionsLowerOnly(t *testing.T) {
	bindFresh(t, "--lowerdir=/a:/b")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, cfg.LowerDirs)
	assert.Empty(t, cfg.UpperDir)
}

func TestParseOptionsUpperRequiresWorkdir(t *testing.T) {
	bindFresh(t, "--upperdir=/up")
	_, err := ParseOptions()
	assert.Error(t, err)

	bindFresh(t, "--upperdir=/up", "--workdir=/wd")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, "/up", cfg.UpperDir)
	assert.Equal(t, "/wd", cfg.WorkDir)
}

func TestParseOptionsRedirectDirRejectsNonOff(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--redirect_dir=on")
	_, err := ParseOptions()
	assert.Error(t, err)
}

func TestParseOptionsPluginsRejected(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--plugins=/some/plugin.so")
	_, err := ParseOptions()
	assert.Error(t, err)
}

func TestParseOptionsVolatileDisablesFsync(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--volatile")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.False(t, cfg.Fsync)
}

func TestParseOptionsIDMappings(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--uidmapping=0:100000:65536", "--gidmapping=0:200000:65536")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	require.Len(t, cfg.UIDMappings, 1)
	assert.Equal(t, idmap.Mapping{Host: 0, Container: 100000, Length: 65536}, cfg.UIDMappings[0])
	require.Len(t, cfg.GIDMappings, 1)
	assert.Equal(t, idmap.Mapping{Host: 0, Container: 200000, Length: 65536}, cfg.GIDMappings[0])
}

func TestParseOptionsSquash(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--squash_uid=1000", "--squash_gid=1000")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	require.NotNil(t, cfg.SquashUID)
	assert.Equal(t, uint32(1000), *cfg.SquashUID)
	require.NotNil(t, cfg.SquashGID)
	assert.Equal(t, uint32(1000), *cfg.SquashGID)
}

func TestParseOptionsXattrPermissionsRange(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--xattr_permissions=9")
	_, err := ParseOptions()
	assert.Error(t, err)

	bindFresh(t, "--lowerdir=/a", "--xattr_permissions=2")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, idmap.XattrPermissionsUnprivileged, cfg.XattrPermissions)
}

func TestParseOptionsKeyBitsRange(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--key_bits=512")
	_, err := ParseOptions()
	assert.Error(t, err)

	bindFresh(t, "--lowerdir=/a", "--key_bits=128")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, cipher.KeyBits128, cfg.KeyBits)
}

func TestParseOptionsPassphraseFallsBackToEnv(t *testing.T) {
	t.Setenv(PassphraseEnvVar, "from-env")
	bindFresh(t, "--lowerdir=/a")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Passphrase)
	assert.False(t, cfg.PassphraseFromDefault)
}

func TestParseOptionsPassphraseFallsBackToInsecureDefault(t *testing.T) {
	bindFresh(t, "--lowerdir=/a")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, insecureDefaultPassphrase, cfg.Passphrase)
	assert.True(t, cfg.PassphraseFromDefault)
}

func TestParseOptionsExplicitPassphraseWins(t *testing.T) {
	t.Setenv(PassphraseEnvVar, "from-env")
	bindFresh(t, "--lowerdir=/a", "--passphrase=from-flag")
	cfg, err := ParseOptions()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Passphrase)
	assert.False(t, cfg.PassphraseFromDefault)
}

func TestBuildIDMapAndCipher(t *testing.T) {
	bindFresh(t, "--lowerdir=/a", "--passphrase=secret")
	cfg, err := ParseOptions()
	require.NoError(t, err)

	m := cfg.BuildIDMap()
	require.NotNil(t, m)
	assert.Equal(t, uint32(65534), m.OverflowUID)

	bc, err := cfg.BuildCipher()
	require.NoError(t, err)
	assert.Equal(t, cipher.DefaultBlockSize, bc.BlockSize())
}
