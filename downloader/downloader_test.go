// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestByteCountIEC(t *testing.T) {
	assert.Equal(t, "512 B", ByteCountIEC(512))
	assert.Equal(t, "1.0 KiB", ByteCountIEC(1024))
	assert.Equal(t, "1.5 MiB", ByteCountIEC(3*512*1024))
}

func TestValidateChecksum(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "data.bin")
	content := []byte("some dataset bytes")
	require.NoError(t, os.WriteFile(filePath, content, 0666))
	sum := sha256.Sum256(content)

	require.NoError(t, ValidateChecksum(filePath, hex.EncodeToString(sum[:])))

	// A wrong hash must fail and remove the file.
	err := ValidateChecksum(filePath, "deadbeef")
	require.Error(t, err)
	_, err = os.Stat(filePath)
	assert.True(t, os.IsNotExist(err))
}

func TestUntar(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "archive.tgz")
	f, err := os.Create(tarPath)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	content := []byte("hello")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "sub/file.txt", Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	require.NoError(t, Untar(dir, tarPath))
	got, err := os.ReadFile(filepath.Join(dir, "sub", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUntarRejectsEscapes(t *testing.T) {
	dir := t.TempDir()
	tarPath := filepath.Join(dir, "evil.tar")
	f, err := os.Create(tarPath)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	content := []byte("x")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "../escape.txt", Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	assert.Error(t, Untar(dir, tarPath))
}
