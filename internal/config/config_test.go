package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/exchange"
	"PerpSettle/internal/types"
)

const genesisDoc = `
log_level = "debug"

[chain]
chain_id = 42161
poll_interval = "500ms"

[persistence]
snapshot_backend = "sqlite"
sqlite_path = "/tmp/snap.db"

[genesis]
native_token = "0x00000000000000000000000000000000000000e1"
signers = ["0x00000000000000000000000000000000000000a1"]

[genesis.roles]
ROLE_ADMIN = ["0x00000000000000000000000000000000000000b1"]
ORDER_KEEPER = ["0x00000000000000000000000000000000000000b2", "0x00000000000000000000000000000000000000b3"]

[[genesis.params]]
name = "MAX_LEVERAGE"
value = "500000"

[[genesis.params]]
name = "ORACLE_PRECISION"
token = "0x00000000000000000000000000000000000000e1"
value = "1000000000000000000000000000000000000000000000000000000"

[[genesis.markets]]
index_token = "0x00000000000000000000000000000000000000e1"
long_token = "0x00000000000000000000000000000000000000e1"
short_token = "0x00000000000000000000000000000000000000c1"

[[genesis.allocations]]
token = "0x00000000000000000000000000000000000000c1"
account = "0x00000000000000000000000000000000000000d1"
amount = "1000000000"
`

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PERP_POSTGRES_DSN", "PERP_NATS_URL", "PERP_REDIS_URL", "PERP_HTTP_ADDR",
		"PERP_LOG_LEVEL", "PERP_LOG_FORMAT", "PERP_CHAIN_ID", "PERP_SNAPSHOT_BACKEND", "PERP_PERSIST_BATCH_SIZE",
		"PERP_CONFIG_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestParse_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, int64(31337), cfg.Chain.ChainID)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval.Duration)
	assert.Equal(t, uint64(256), cfg.Chain.HeaderWindow)
	assert.Equal(t, 50, cfg.Persistence.BatchSize)
	assert.Equal(t, 10*time.Millisecond, cfg.Persistence.FlushTimeout.Duration)
	assert.Equal(t, SnapshotPostgres, cfg.Persistence.SnapshotBackend)
	assert.Equal(t, 1_000_000, cfg.Persistence.DedupCapacity)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL.Duration)
	assert.Empty(t, cfg.RedisURL)
	assert.Nil(t, cfg.Genesis)
}

func TestParse_EnvironmentBelowFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PERP_HTTP_ADDR", ":9000")
	t.Setenv("PERP_PERSIST_BATCH_SIZE", "200")

	cfg, err := Parse(`http_addr = ":7000"`)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, 200, cfg.Persistence.BatchSize)
}

func TestParse_Genesis(t *testing.T) {
	clearEnv(t)
	cfg, err := Parse(genesisDoc)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, int64(42161), cfg.Chain.ChainID)
	assert.Equal(t, 500*time.Millisecond, cfg.Chain.PollInterval.Duration)
	assert.Equal(t, SnapshotSQLite, cfg.Persistence.SnapshotBackend)
	require.NotNil(t, cfg.Genesis)

	g, err := cfg.Genesis.Build()
	require.NoError(t, err)

	weth := common.HexToAddress("0xe1")
	usdc := common.HexToAddress("0xc1")
	assert.Equal(t, weth, g.NativeToken)
	assert.Equal(t, []common.Address{common.HexToAddress("0xa1")}, g.Signers)
	assert.Equal(t, []common.Address{common.HexToAddress("0xb1")}, g.Roles[types.RoleAdmin])
	assert.Len(t, g.Roles[types.RoleOrderKeeper], 2)

	require.Len(t, g.Params, 2)
	assert.Equal(t, exchange.ParamMaxLeverage, g.Params[0].Param.Name)
	assert.Equal(t, uint64(500000), g.Params[0].Value.Uint64())
	assert.Equal(t, weth, g.Params[1].Param.Token)
	assert.Equal(t, "1000000000000000000000000000000000000000000000000000000", g.Params[1].Value.Dec())

	require.Len(t, g.Markets, 1)
	assert.Equal(t, exchange.MarketSpec{IndexToken: weth, LongToken: weth, ShortToken: usdc}, g.Markets[0])

	require.Len(t, g.Allocations, 1)
	assert.Equal(t, common.HexToAddress("0xd1"), g.Allocations[0].Account)
	assert.Equal(t, uint64(1_000_000_000), g.Allocations[0].Amount.Uint64())
}

func TestParse_CollectsEveryProblem(t *testing.T) {
	clearEnv(t)
	doc := `
log_level = "loud"

[chain]
header_window = 1

[persistence]
snapshot_backend = "s3"
batch_size = 5000
`
	_, err := Parse(doc)
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 4)
	assert.Contains(t, err.Error(), "snapshot_backend")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "header_window")
	assert.Contains(t, err.Error(), "batch_size")
}

func TestParse_BadDuration(t *testing.T) {
	clearEnv(t)
	_, err := Parse("[chain]\npoll_interval = \"soon\"\n")
	require.Error(t, err)
}

func TestGenesisBuild_ReportsEveryEntry(t *testing.T) {
	g := &GenesisConfig{
		Roles:   map[string][]string{"SUPERUSER": {"0x00000000000000000000000000000000000000b1"}},
		Signers: []string{"alice"},
		Params: []ParamConfig{
			{Name: "NOT_A_PARAM", Value: "1"},
			{Name: exchange.ParamMaxLeverage, Value: "lots"},
		},
		Markets: []MarketConfig{{IndexToken: "0xe1"}},
	}
	_, err := g.Build()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	// role, signer, unknown param, bad value, short index token, two missing market tokens
	assert.Len(t, merr.Errors, 7)
	assert.ErrorIs(t, err, types.ErrUnknownParam)
}

func TestLoad_ReadsConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "perpsettle.toml")
	require.NoError(t, os.WriteFile(path, []byte(genesisDoc), 0o600))
	t.Setenv("PERP_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Genesis)
	assert.Len(t, cfg.Genesis.Markets, 1)

	t.Setenv("PERP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	_, err = Load()
	require.Error(t, err)
}

func TestExampleConfigIsValid(t *testing.T) {
	clearEnv(t)
	data, err := os.ReadFile(filepath.Join("..", "..", "perpsettle.example.toml"))
	require.NoError(t, err)

	cfg, err := Parse(string(data))
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Empty(t, cfg.Chain.RPCURL)

	g, err := cfg.Genesis.Build()
	require.NoError(t, err)
	assert.Len(t, g.Signers, 3)
	assert.Len(t, g.Markets, 1)
	assert.Len(t, g.Roles, len(types.AllRoles))
}
