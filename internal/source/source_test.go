package source

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhovanion/proxytester/internal/model"
)

func writeCandidates(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "candidates.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFileParsesAndFillsTags(t *testing.T) {
	path := writeCandidates(t, `[
		{"type":"socks","server":"203.0.113.1:1080"},
		{"type":"vmess","server":"example.com:443","tag":"custom"}
	]`)

	configs, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "socks-0", configs[0].Tag)
	assert.Equal(t, "custom", configs[1].Tag)
}

func TestLoadFileRejectsMissingServer(t *testing.T) {
	path := writeCandidates(t, `[{"type":"socks"}]`)
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFileRejectsUnsupportedType(t *testing.T) {
	path := writeCandidates(t, `[{"type":"wireguard","server":"x:1"}]`)
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestBatchesChunksInOrder(t *testing.T) {
	configs := make([]model.ProxyConfig, 5)
	for i := range configs {
		configs[i] = model.ProxyConfig{Tag: string(rune('a' + i))}
	}

	batches := Batches(configs, 2)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 2)
	assert.Len(t, batches[2], 1)
	assert.Equal(t, "a", batches[0][0].Tag)
	assert.Equal(t, "e", batches[2][0].Tag)
}

func TestBatchesSizeZeroReturnsSingleBatch(t *testing.T) {
	configs := []model.ProxyConfig{{Tag: "a"}, {Tag: "b"}}
	batches := Batches(configs, 0)
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestBatchesEmptyInput(t *testing.T) {
	assert.Nil(t, Batches(nil, 10))
}
