package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
	"webchat-export/internal/components/chrono"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"
)

func TestZip(t *testing.T) {
	ctx := context.Background()
	archive := NewZip(chrono.NewFakeImpl(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, archive.ScheduleSave(ctx, "conversation.json", []byte(`{"title":"x"}`)))
	require.NoError(t, archive.ScheduleSave(ctx, "media/image_x.png", []byte("\x89PNG")))
	require.ErrorIs(t, archive.ScheduleSave(ctx, "media/image_x.png", nil), ErrDuplicate)
	require.ErrorIs(t, archive.ScheduleSave(ctx, "../escape.txt", nil), ErrUnsafePath)
	require.ErrorIs(t, archive.ScheduleSave(ctx, "/abs.txt", nil), ErrUnsafePath)
	require.ErrorIs(t, archive.ScheduleSave(ctx, "media/../../x", nil), ErrUnsafePath)
	require.Equal(t, 2, archive.Len())

	var buf bytes.Buffer
	n, err := archive.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	reader, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, reader.File, 2)
	require.Equal(t, "conversation.json", reader.File[0].Name)
	require.Equal(t, "media/image_x.png", reader.File[1].Name)

	file, err := reader.File[1].Open()
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	contents, err := io.ReadAll(file)
	require.NoError(t, err)
	require.Equal(t, "\x89PNG", string(contents))
}

func TestZipSave(t *testing.T) {
	dir := t.TempDir()
	archive := NewZip(chrono.NewStandardImpl())
	require.NoError(t, archive.ScheduleSave(context.Background(), "a.txt", []byte("a")))

	target, err := archive.Save(dir, "My chat: about foxes?")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "My_chat_about_foxes.zip"), target)
	_, err = os.Stat(target)
	require.NoError(t, err)

	fallback, err := NewZip(chrono.NewStandardImpl()).Save(dir, "???")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "conversation.zip"), fallback)
}

func TestDirectory(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "out")
	dir, err := NewDirectory(root)
	if err != nil {
		t.Fatal(err)
	}

	require.NoError(t, dir.ScheduleSave(ctx, "media/a.png", []byte("png")))
	contents, err := os.ReadFile(filepath.Join(root, "media", "a.png"))
	require.NoError(t, err)
	require.Equal(t, "png", string(contents))

	require.ErrorIs(t, dir.ScheduleSave(ctx, "media/a.png", []byte("again")), ErrDuplicate)
	require.ErrorIs(t, dir.ScheduleSave(ctx, "../outside.txt", nil), ErrUnsafePath)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, dir.ScheduleSave(cancelled, "b.txt", nil), context.Canceled)
}
