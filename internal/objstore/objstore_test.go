package objstore_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/logshipper/internal/model"
	"github.com/Sumatoshi-tech/logshipper/internal/objstore"
)

func collect(t *testing.T, c objstore.Container, prefix string) ([]model.ObjectInfo, error) {
	t.Helper()

	var out []model.ObjectInfo

	for info, err := range c.List(context.Background(), prefix) {
		if err != nil {
			return out, err
		}

		out = append(out, info)
	}

	return out, nil
}

func names(infos []model.ObjectInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Name)
	}

	return out
}

func TestOpen_Schemes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := objstore.Open(ctx, "")
	require.ErrorIs(t, err, objstore.ErrNoConnection)

	mem, err := objstore.Open(ctx, "mem://")
	require.NoError(t, err)
	assert.IsType(t, &objstore.Memory{}, mem)

	dir := t.TempDir()

	fsSvc, err := objstore.Open(ctx, "file://"+dir)
	require.NoError(t, err)
	require.IsType(t, &objstore.Filesystem{}, fsSvc)
	assert.Equal(t, dir, fsSvc.(*objstore.Filesystem).Root())

	bare, err := objstore.Open(ctx, dir)
	require.NoError(t, err)
	assert.IsType(t, &objstore.Filesystem{}, bare)

	_, err = objstore.Open(ctx, "DefaultEndpointsProtocol=https;AccountName=x;AccountKey=secret")
	require.ErrorIs(t, err, objstore.ErrUnsupportedConnection)
	assert.NotContains(t, err.Error(), "secret")

	_, err = objstore.Open(ctx, "s3://bucket")
	require.ErrorIs(t, err, objstore.ErrUnsupportedConnection)
}

func TestFilesystem_WriteReadRoundTrip(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	c := svc.Container("checkpoints")
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "state.json", []byte(`{"a":"1"}`)))
	require.NoError(t, c.Write(ctx, "state.json", []byte(`{"b":"2"}`)))

	data, err := c.Read(ctx, "state.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"b":"2"}`, string(data))

	entries, err := os.ReadDir(filepath.Join(svc.Root(), "checkpoints"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFilesystem_ReadMissing(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = svc.Container("c").Read(context.Background(), "nope.json")
	require.ErrorIs(t, err, objstore.ErrNotExist)
}

func TestFilesystem_RejectsEscapingNames(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	c := svc.Container("c")

	err = c.Write(context.Background(), "../outside.json", []byte("x"))
	require.ErrorIs(t, err, objstore.ErrInvalidName)

	_, err = c.Read(context.Background(), "/etc/passwd")
	require.ErrorIs(t, err, objstore.ErrInvalidName)
}

func TestFilesystem_ListByPrefix(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	c := svc.Container("logs")
	ctx := context.Background()

	for _, name := range []string{"2026/10/14/09/a.json", "2026/10/14/09/b.json", "2026/10/14/10/c.json"} {
		require.NoError(t, c.Write(ctx, name, []byte("{}")))
	}

	got, err := collect(t, c, "2026/10/14/09/")
	require.NoError(t, err)
	assert.Equal(t, []string{"2026/10/14/09/a.json", "2026/10/14/09/b.json"}, names(got))

	all, err := collect(t, c, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	for _, info := range all {
		assert.False(t, info.LastModified.IsZero())
		assert.Equal(t, int64(2), info.Size)
	}
}

func TestFilesystem_ListMissingPartitionIsEmpty(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	c := svc.Container("logs")
	require.NoError(t, c.Write(context.Background(), "2026/10/14/09/a.json", []byte("{}")))

	got, err := collect(t, c, "2026/10/14/11/")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFilesystem_ListMissingContainerFails(t *testing.T) {
	t.Parallel()

	svc, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	_, err = collect(t, svc.Container("absent"), "")
	require.Error(t, err)
}

func TestMemory_HooksAndOrder(t *testing.T) {
	t.Parallel()

	mem := objstore.NewMemory()
	ts := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	mem.Put("logs", "b.json", []byte("b"), ts)
	mem.Put("logs", "a.json", []byte("a"), ts)

	c := mem.Container("logs")

	got, err := collect(t, c, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json", "b.json"}, names(got))

	boom := errors.New("boom")

	mem.FailList("logs", boom)

	_, err = collect(t, c, "")
	require.ErrorIs(t, err, boom)

	mem.FailList("logs", nil)
	mem.FailRead("logs", "a.json", boom)

	_, err = c.Read(context.Background(), "a.json")
	require.ErrorIs(t, err, boom)

	mem.FailWrite("logs", boom)
	require.ErrorIs(t, c.Write(context.Background(), "c.json", nil), boom)

	_, err = c.Read(context.Background(), "missing")
	require.ErrorIs(t, err, objstore.ErrNotExist)
}
