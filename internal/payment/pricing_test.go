package payment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const samplePricing = `
execute:
  - chain_id: 84532
    token_address: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    token_amount: "1000"
`

func TestLoadPriceBook(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePricing), 0o644))

	book, err := LoadPriceBook(path)
	require.NoError(t, err)
	options := book.Options("execute")
	require.Len(t, options, 1)
	require.EqualValues(t, 84532, options[0].ChainID)
	require.Empty(t, book.Options("unknown"))
}

func TestLoadPriceBookRejectsBadAmount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`execute: [{chain_id: 1, token_address: "0x1", token_amount: "-5"}]`), 0o644))
	_, err := LoadPriceBook(path)
	require.Error(t, err)
}

func TestPriceBookWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePricing), 0o644))
	book, err := LoadPriceBook(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, book.Watch(ctx))

	updated := samplePricing + `
poll:
  - chain_id: 8453
    token_address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
    token_amount: "5"
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	require.Eventually(t, func() bool { return len(book.Options("poll")) == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestStaticPriceBookCopies(t *testing.T) {
	src := map[string][]PriceOption{"execute": {{ChainID: 1, TokenAddress: "0x1", TokenAmount: "1"}}}
	book := NewStaticPriceBook(src)
	src["execute"][0].TokenAmount = "999"
	require.Equal(t, "1", book.Options("execute")[0].TokenAmount)
}
