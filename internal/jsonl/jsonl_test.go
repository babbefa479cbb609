package jsonl

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "trace.jsonl")
	f, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, f.Append([]byte(`{"a":1}`)))
	require.NoError(t, f.Append([]byte(`{"a":2}`)))
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	var got []string
	require.NoError(t, ReadLines(path, func(_ int, line []byte) error {
		got = append(got, string(line))
		return nil
	}))
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, got)
}

func TestAppendRejectsEmbeddedNewline(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	assert.Error(t, f.Append([]byte("{}\n{}")))
}

func TestAppendAfterClose(t *testing.T) {
	f, err := Open(filepath.Join(t.TempDir(), "x.jsonl"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Append([]byte(`{}`)), os.ErrClosed)
}

func TestReadLinesMissingFile(t *testing.T) {
	called := false
	err := ReadLines(filepath.Join(t.TempDir(), "absent.jsonl"), func(int, []byte) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestReopenAppendsInsteadOfTruncating(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	for i := 0; i < 2; i++ {
		f, err := Open(path)
		require.NoError(t, err)
		require.NoError(t, f.Append([]byte(fmt.Sprintf(`{"i":%d}`, i))))
		require.NoError(t, f.Close())
	}

	count := 0
	require.NoError(t, ReadLines(path, func(int, []byte) error { count++; return nil }))
	assert.Equal(t, 2, count)
}

func TestConcurrentAppendsKeepLinesWhole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	f, err := Open(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.Append([]byte(fmt.Sprintf(`{"writer":%d}`, i))))
		}(i)
	}
	wg.Wait()
	require.NoError(t, f.Close())

	count := 0
	require.NoError(t, ReadLines(path, func(_ int, line []byte) error {
		count++
		assert.Equal(t, byte('{'), line[0])
		assert.Equal(t, byte('}'), line[len(line)-1])
		return nil
	}))
	assert.Equal(t, 20, count)
}
