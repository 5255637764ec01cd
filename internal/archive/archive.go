// Package archive stores the files of an export, either packed into a single
// zip file or written into a directory.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"webchat-export/internal/components/assert"
	"webchat-export/internal/components/chrono"
	"webchat-export/internal/media/naming"

	"github.com/klauspost/compress/zip"
)

var (
	ErrUnsafePath = errors.New("unsafe archive path")
	ErrDuplicate  = errors.New("duplicate archive path")
)

// Dispatcher is where exported files end up.
//
// note: fault injection point
type Dispatcher interface {
	ScheduleSave(ctx context.Context, name string, data []byte) error
}

func checkPath(name string) error {
	if name == "" || !filepath.IsLocal(filepath.FromSlash(name)) || path.Clean(name) != name {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}

type entry struct {
	name string
	data []byte
}

// Zip collects files in memory until they are written out together.
type Zip struct {
	clock chrono.API

	mutex   sync.Mutex
	entries []entry
	names   map[string]struct{}
}

func NewZip(clock chrono.API) *Zip {
	assert.NotNil(clock)
	return &Zip{clock: clock, names: map[string]struct{}{}}
}

func (z *Zip) ScheduleSave(ctx context.Context, name string, data []byte) error {
	err := ctx.Err()
	if err != nil {
		return err
	}
	err = checkPath(name)
	if err != nil {
		return err
	}

	z.mutex.Lock()
	defer z.mutex.Unlock()

	_, exists := z.names[name]
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	z.names[name] = struct{}{}
	z.entries = append(z.entries, entry{name: name, data: data})
	return nil
}

// Len is the number of files scheduled so far.
func (z *Zip) Len() int {
	z.mutex.Lock()
	defer z.mutex.Unlock()
	return len(z.entries)
}

// WriteTo writes every entry in the order it was scheduled.
func (z *Zip) WriteTo(w io.Writer) (int64, error) {
	z.mutex.Lock()
	defer z.mutex.Unlock()

	counter := &countingWriter{inner: w}
	writer := zip.NewWriter(counter)
	modified := z.clock.Now()
	for _, e := range z.entries {
		file, err := writer.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return counter.n, fmt.Errorf("create %s: %w", e.name, err)
		}
		_, err = io.Copy(file, bytes.NewReader(e.data))
		if err != nil {
			return counter.n, fmt.Errorf("write %s: %w", e.name, err)
		}
	}
	err := writer.Close()
	if err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

// Save writes the archive to `<dir>/<title>.zip`, the title is sanitized and
// falls back to "conversation".
func (z *Zip) Save(dir, title string) (string, error) {
	base := naming.Sanitize(title)
	if base == "" {
		base = "conversation"
	}
	target := filepath.Join(dir, base+".zip")

	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return "", err
	}
	file, err := os.Create(target)
	if err != nil {
		return "", err
	}
	_, err = z.WriteTo(file)
	if err != nil {
		file.Close()
		return "", err
	}
	err = file.Close()
	if err != nil {
		return "", err
	}
	return target, nil
}

type countingWriter struct {
	inner io.Writer
	n     int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.inner.Write(p)
	c.n += int64(n)
	return n, err
}

// Directory writes every file straight to disk under a root directory.
type Directory struct {
	root string
}

func NewDirectory(root string) (Directory, error) {
	err := os.MkdirAll(root, 0777)
	if err != nil {
		return Directory{}, err
	}
	return Directory{root: root}, nil
}

func (d Directory) Root() string {
	return d.root
}

func (d Directory) ScheduleSave(ctx context.Context, name string, data []byte) error {
	err := ctx.Err()
	if err != nil {
		return err
	}
	err = checkPath(name)
	if err != nil {
		return err
	}

	target := filepath.Join(d.root, filepath.FromSlash(name))
	err = os.MkdirAll(filepath.Dir(target), 0777)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	if err != nil {
		return err
	}
	_, err = file.Write(data)
	if err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
