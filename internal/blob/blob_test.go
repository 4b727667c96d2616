package blob

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "p1/f1/report.pdf", Key("p1", "f1", "report.pdf"))
	assert.Equal(t, "p1/f1/passwd", Key("p1", "f1", "../../etc/passwd"))
	assert.Equal(t, "p1/f1/memo.docx", Key("p1", "f1", `C:\Users\me\memo.docx`))
	assert.Equal(t, "p1/f1/upload", Key("p1", "f1", ".."))
}

func TestDiskStore(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewDiskStore(root)
	require.NoError(t, err)

	n, err := s.Put(ctx, "p1/f1/a.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.FileExists(t, filepath.Join(root, "p1", "f1", "a.txt"))

	data, err := s.Get(ctx, "p1/f1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Put(ctx, "p1/f1/a.txt", strings.NewReader("replaced"))
	require.NoError(t, err)
	data, err = s.Get(ctx, "p1/f1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	// keys cannot escape the root
	_, err = s.Put(ctx, "../../outside.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "outside.txt"))

	require.NoError(t, s.Delete(ctx, "p1/f1/a.txt"))
	require.NoError(t, s.Delete(ctx, "p1/f1/a.txt"))
	_, err = s.Get(ctx, "p1/f1/a.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "")
	assert.Error(t, err)
}
