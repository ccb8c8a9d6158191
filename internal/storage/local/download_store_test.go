// Package local_test tests the local download store.
package local_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sse-bulletin-crawler/internal/crawler"
	"github.com/JakeFAU/sse-bulletin-crawler/internal/storage/local"
)

var record = crawler.Record{
	DocumentURL:  "https://static.sse.com.cn/disclosure/a.pdf",
	Title:        "贵州茅台2023年年度报告/摘要*",
	Date:         "2024-03-29",
	BulletinType: "定期报告",
}

func newStore(t *testing.T) (*local.DownloadStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir}, nil)
	require.NoError(t, err)
	return store, dir
}

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()}, nil)
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{}, nil)
		assert.Error(t, err)
	})

	t.Run("CreatesMissingBaseDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "root")
		_, err := local.New(local.Config{BaseDir: dir}, nil)
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file}, nil)
		assert.Error(t, err)
	})
}

func TestFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "2024-03-29_贵州茅台2023年年度报告摘要.pdf", local.Filename(record))
	assert.Equal(t, "2024-01-01_A B-C_d.e.pdf", local.Filename(crawler.Record{Date: "2024-01-01", Title: "A B-C_d.e"}))
	assert.Equal(t, "2024-01-01_..etcpasswd.pdf", local.Filename(crawler.Record{Date: "2024-01-01", Title: "../etc/passwd"}))
}

func TestSaveWritesDocument(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	data := bytes.Repeat([]byte("p"), 4096)

	out := store.Save(context.Background(), "600519", record, data)
	require.Equal(t, crawler.StatusSucceeded, out.Status, out.Reason)
	assert.Equal(t, int64(4096), out.SizeBytes)
	assert.Equal(t, filepath.Join(dir, "600519", "公告", local.Filename(record)), out.Path)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), out.SHA256)
	assert.False(t, out.FinishedAt.IsZero())

	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	entries, err := os.ReadDir(filepath.Dir(out.Path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files may remain")
}

func TestSaveIsIdempotent(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	first := bytes.Repeat([]byte("a"), 2048)
	out := store.Save(context.Background(), "600519", record, first)
	require.Equal(t, crawler.StatusSucceeded, out.Status)

	path, exists := store.Exists("600519", record)
	require.True(t, exists)
	require.Equal(t, out.Path, path)

	again := store.Save(context.Background(), "600519", record, bytes.Repeat([]byte("b"), 8192))
	assert.Equal(t, crawler.StatusSkipped, again.Status)
	assert.Equal(t, out.Path, again.Path)

	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, first, got)
}

func TestSaveConcurrentSameRecordWritesOnce(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	const writers = 16
	outcomes := make([]crawler.Outcome, writers)
	payloads := make([][]byte, writers)
	var wg sync.WaitGroup
	for i := range writers {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 1<<20)
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = store.Save(context.Background(), "600519", record, payloads[i])
		}()
	}
	wg.Wait()

	winner := -1
	for i, out := range outcomes {
		switch out.Status {
		case crawler.StatusSucceeded:
			require.Equal(t, -1, winner, "more than one save succeeded")
			winner = i
		case crawler.StatusSkipped:
		default:
			t.Fatalf("save %d: unexpected outcome %+v", i, out)
		}
	}
	require.NotEqual(t, -1, winner)

	got, err := os.ReadFile(outcomes[winner].Path)
	require.NoError(t, err)
	assert.Equal(t, payloads[winner], got)

	leftovers, err := filepath.Glob(filepath.Join(store.Dir("600519"), ".download-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestSaveRejectsSmallFiles(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	out := store.Save(context.Background(), "600519", record, []byte("<html>tiny</html>"))
	assert.Equal(t, crawler.StatusFailed, out.Status)
	assert.Equal(t, crawler.KindSizeBelowThreshold, out.Kind)

	path, exists := store.Exists("600519", record)
	assert.False(t, exists)
	assert.NoFileExists(t, path)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveBoundaryAtMinimum(t *testing.T) {
	t.Parallel()

	store, _ := newStore(t)
	out := store.Save(context.Background(), "600519", record, bytes.Repeat([]byte("z"), local.DefaultMinBytes))
	assert.Equal(t, crawler.StatusSucceeded, out.Status)
}

func TestSaveReportsIOFailure(t *testing.T) {
	t.Parallel()

	store, dir := newStore(t)
	// A regular file where the code directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "600519"), []byte("x"), 0o600))

	out := store.Save(context.Background(), "600519", record, bytes.Repeat([]byte("p"), 2048))
	assert.Equal(t, crawler.StatusFailed, out.Status)
	assert.Equal(t, crawler.KindIOFailure, out.Kind)
}
