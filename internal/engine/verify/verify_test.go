package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surge-downloader/otaupdate/internal/engine/types"
	"github.com/surge-downloader/otaupdate/internal/testutil"
)

const (
	helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	helloSHA1   = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	helloMD5    = "5d41402abc4b2a76b9719d911017c592"
)

func writeHello(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hello.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	return path
}

func TestComputeDigest(t *testing.T) {
	path := writeHello(t)
	tests := map[string]string{SHA256: helloSHA256, SHA1: helloSHA1, MD5: helloMD5}
	for algo, want := range tests {
		got, err := ComputeDigest(context.Background(), path, algo)
		require.NoError(t, err, algo)
		assert.Equal(t, want, got, algo)
	}

	_, err := ComputeDigest(context.Background(), path, "crc32")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestComputeDigest_LargerThanBuffer(t *testing.T) {
	server := testutil.NewMockServerT(t, testutil.WithFileSize(3*types.DigestBuffer+17))
	dir := t.TempDir()
	path, err := testutil.CreateTestFile(dir, "big.bin", 3*types.DigestBuffer+17, false)
	require.NoError(t, err)

	got, err := ComputeDigest(context.Background(), path, SHA256)
	require.NoError(t, err)
	assert.Equal(t, server.Digest(), got)
}

func TestComputeDigest_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ComputeDigest(ctx, writeHello(t), SHA256)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestComputeDigest_MissingFile(t *testing.T) {
	_, err := ComputeDigest(context.Background(), filepath.Join(t.TempDir(), "nope"), SHA256)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerify(t *testing.T) {
	path := writeHello(t)
	ctx := context.Background()

	assert.NoError(t, Verify(ctx, path, helloSHA256))
	assert.NoError(t, Verify(ctx, path, strings.ToUpper(helloSHA256)), "comparison is case-insensitive")
	assert.NoError(t, Verify(ctx, path, "sha1:"+helloSHA1))
	assert.NoError(t, Verify(ctx, path, "MD5:"+helloMD5))
	assert.NoError(t, Verify(ctx, path, helloMD5), "md5 inferred from length")

	wrong := strings.Repeat("0", 64)
	assert.ErrorIs(t, Verify(ctx, path, wrong), ErrDigestMismatch)
}

func TestParseExpected(t *testing.T) {
	tests := []struct {
		in      string
		algo    string
		wantErr bool
	}{
		{helloSHA256, SHA256, false},
		{"sha256:" + helloSHA256, SHA256, false},
		{helloSHA1, SHA1, false},
		{helloMD5, MD5, false},
		{"abc", "", true},
		{"sha512:" + helloSHA256, "", true},
		{strings.Repeat("z", 64), "", true},
	}
	for _, tt := range tests {
		algo, _, err := ParseExpected(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.algo, algo)
	}
}
