package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/keyringd/crypto/sealing"
	"github.com/joncooperworks/keyringd/failure"
	"github.com/joncooperworks/keyringd/rpc"
	"github.com/joncooperworks/keyringd/seed"
	"github.com/joncooperworks/keyringd/signer"
	"github.com/joncooperworks/keyringd/transport"
	"github.com/joncooperworks/keyringd/vault"
)

type fixedGate struct{}

func (fixedGate) Authorize(code uint32) error {
	if code != 123456 {
		return failure.ErrAuthorizationDenied
	}
	return nil
}

func startDaemon(t *testing.T) string {
	t.Helper()
	key, err := sealing.GenerateKey()
	require.NoError(t, err)
	sealer, err := sealing.NewSealer(key)
	require.NoError(t, err)
	store, err := vault.New(&chaincfg.RegressionNetParams, sealer)
	require.NoError(t, err)
	sig, err := signer.New(store, fixedGate{}, zerolog.Nop())
	require.NoError(t, err)
	disp, err := rpc.NewDispatcher(rpc.Deps{
		Store:  store,
		Seeds:  seed.NewGenerator(&chaincfg.RegressionNetParams),
		Gate:   fixedGate{},
		Signer: sig,
	})
	require.NoError(t, err)
	srv := httptest.NewServer(transport.NewServer(disp, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + transport.Path
}

func run(t *testing.T, url string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--url", url}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	url := startDaemon(t)

	out, err := run(t, url, "seed", "--code", "123456", "--name", "root")
	require.NoError(t, err)
	rootID := strings.TrimSpace(out)
	require.Len(t, rootID, 40)

	t.Run("derive", func(t *testing.T) {
		out, err := run(t, url, "derive", rootID, "m/84'/1'/0'", "--code", "123456", "--name", "acct")
		require.NoError(t, err)
		assert.Len(t, strings.TrimSpace(out), 40)
	})

	t.Run("list json", func(t *testing.T) {
		out, err := run(t, url, "list", "--format", "json")
		require.NoError(t, err)
		var views []keyView
		require.NoError(t, json.Unmarshal([]byte(out), &views))
		require.Len(t, views, 2)
		assert.Equal(t, rootID, views[0].ID)
		assert.Equal(t, "m", views[0].Path)
		assert.Equal(t, "m/84'/1'/0'", views[1].Path)
		assert.True(t, strings.HasPrefix(views[1].XPub, "tpub"))
	})

	t.Run("list table", func(t *testing.T) {
		out, err := run(t, url, "list")
		require.NoError(t, err)
		assert.Contains(t, out, "ID")
		assert.Contains(t, out, rootID)
	})

	t.Run("export", func(t *testing.T) {
		out, err := run(t, url, "export", rootID, "--code", "123456")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "tpub"), out)

		out, err = run(t, url, "export", rootID, "--private", "--code", "123456", "--format", "hex")
		require.NoError(t, err)
		assert.Len(t, strings.TrimSpace(out), 156)
	})

	t.Run("wrong code", func(t *testing.T) {
		_, err := run(t, url, "export", rootID, "--code", "000000")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "authorization denied")
	})

	t.Run("sign data", func(t *testing.T) {
		out, err := run(t, url, "sign-data", rootID, "hello", "--code", "123456")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "30"), out)
	})
}

func TestParseCode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"123456", 123456, false},
		{"000001", 1, false},
		{"12345", 0, true},
		{"1234567", 0, true},
		{"12a456", 0, true},
		{"-12345", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseCode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBlobRender(t *testing.T) {
	b := blob{raw: []byte{0x00, 0xff}}
	tests := []struct {
		format string
		want   string
	}{
		{FormatHex, "00ff"},
		{FormatBase64, "AP8="},
		{FormatBase58, "15Q"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := b.render(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("native base58 wins", func(t *testing.T) {
		got, err := blob{raw: []byte{1}, base58: "xpub"}.render(FormatBase58)
		require.NoError(t, err)
		assert.Equal(t, "xpub", got)
	})

	t.Run("structured formats rejected", func(t *testing.T) {
		_, err := b.render(FormatJSON)
		assert.Error(t, err)
	})
}

func TestDecodeInput(t *testing.T) {
	raw := []byte("psbt\xff\x01")
	assert.Equal(t, raw, decodeInput(raw))
	assert.Equal(t, raw, decodeInput([]byte("70736274ff01\n")))
	assert.Equal(t, raw, decodeInput([]byte("cHNidP8B")))
}
