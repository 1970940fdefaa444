// Package vaultfile is the public face of the encrypted container: one
// file on disk holding a filesystem of directories, files and links, all
// page content sealed with an authenticated cipher. A vault handle is
// safe for concurrent use; every operation is funneled through a single
// worker.
package vaultfile

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/executor"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/stream"
	"github.com/kartikbazzad/vaultfile/internal/vault"
)

// DeleteMode selects how Remove treats an entry.
type DeleteMode = vault.DeleteMode

const (
	DeleteSoft  = vault.DeleteSoft
	DeleteHard  = vault.DeleteHard
	DeleteErase = vault.DeleteErase
)

// Options tune a vault. The zero value gives sensible defaults.
type Options struct {
	PageSize   int       // container page size, default 4096
	CacheSize  int       // decrypted pages kept in memory, default 256
	NoSync     bool      // skip fsync on commit, faster but less durable
	LogOutput  io.Writer // nil silences logging
	LogVerbose bool
}

func (o *Options) build() (*config.Config, *logger.Logger) {
	cfg := config.DefaultConfig()
	if o.PageSize > 0 {
		cfg.PageSize = o.PageSize
	}
	if o.CacheSize > 0 {
		cfg.CacheSize = o.CacheSize
	}
	cfg.WAL.FsyncOnCommit = !o.NoSync

	log := logger.Nop()
	if o.LogOutput != nil {
		level := logger.LevelInfo
		if o.LogVerbose {
			level = logger.LevelDebug
		}
		log = logger.New(o.LogOutput, level, "[vaultfile]")
	}
	return cfg, log
}

// Stats is a point-in-time summary of a vault.
type Stats struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Created   time.Time
	PageSize  int
	Pages     uint64
	FreePages int
	Streams   int
	Entries   int
}

// EntryInfo describes one filesystem entry.
type EntryInfo struct {
	Name     string
	Dir      bool
	Link     bool
	Size     uint64
	Mode     uint16
	Created  time.Time
	Modified time.Time
	Deleted  bool
}

func entryInfo(rec *vault.EntryRecord) EntryInfo {
	return EntryInfo{
		Name:     rec.Name,
		Dir:      rec.Type == vault.EntryDir,
		Link:     rec.Type == vault.EntryLink,
		Size:     rec.Length,
		Mode:     rec.Perms,
		Created:  time.Unix(rec.Created, 0),
		Modified: time.Unix(rec.Modified, 0),
		Deleted:  rec.Deleted,
	}
}

// Vault is a goroutine-safe handle on one container file.
type Vault struct {
	inner *vault.Vault
	exec  *executor.Serial
}

// Setup creates a new vault owned by the given identity. The secret must
// be 32 bytes.
func Setup(path string, secret []byte, owner uuid.UUID, opts Options) (*Vault, error) {
	cfg, log := opts.build()
	inner, err := vault.Setup(path, secret, owner, cfg, log)
	if err != nil {
		return nil, err
	}
	return wrap(inner)
}

// Open attaches to an existing vault.
func Open(path string, secret []byte, opts Options) (*Vault, error) {
	cfg, log := opts.build()
	inner, err := vault.Open(path, secret, cfg, log)
	if err != nil {
		return nil, err
	}
	return wrap(inner)
}

func wrap(inner *vault.Vault) (*Vault, error) {
	exec, err := executor.New()
	if err != nil {
		inner.Close()
		return nil, err
	}
	return &Vault{inner: inner, exec: exec}, nil
}

// Mkdir creates a directory.
func (v *Vault) Mkdir(path string) error {
	return v.exec.Do(func() error {
		_, err := v.inner.FS().Mkdir(path)
		return err
	})
}

// Mkfile creates a file with the given content.
func (v *Vault) Mkfile(path string, data []byte) error {
	return v.exec.Do(func() error {
		_, err := v.inner.FS().Mkfile(path, data)
		return err
	})
}

// Link creates a link at path pointing to target.
func (v *Vault) Link(path, target string) error {
	return v.exec.Do(func() error {
		_, err := v.inner.FS().Link(path, target)
		return err
	})
}

// ReadFile loads and digest-checks a file's content.
func (v *Vault) ReadFile(path string) ([]byte, error) {
	var data []byte
	err := v.exec.Do(func() error {
		var ferr error
		data, ferr = v.inner.FS().ReadFile(path)
		return ferr
	})
	return data, err
}

// File is a read-only handle on one file's content, positioned byte
// access without loading the whole file. Like the vault it came from, a
// File is safe for concurrent use.
type File struct {
	v *Vault
	f *stream.VirtualFileObject
}

// Open returns a file handle for byte-level reads, following links.
func (v *Vault) Open(path string) (*File, error) {
	var f *stream.VirtualFileObject
	err := v.exec.Do(func() error {
		var ferr error
		f, ferr = v.inner.FS().Open(path)
		return ferr
	})
	if err != nil {
		return nil, err
	}
	return &File{v: v, f: f}, nil
}

// Name returns the file's entry name.
func (f *File) Name() string {
	return f.f.Name()
}

// Size returns the file's byte length.
func (f *File) Size() (uint64, error) {
	var n uint64
	err := f.v.exec.Do(func() error {
		n = f.f.Size()
		return nil
	})
	return n, err
}

// Read fills p from the current position. Returns io.EOF at end of file.
func (f *File) Read(p []byte) (int, error) {
	var n int
	err := f.v.exec.Do(func() error {
		var rerr error
		n, rerr = f.f.Read(p)
		return rerr
	})
	return n, err
}

// Seek moves the position, clamping the target into [0, size].
func (f *File) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	err := f.v.exec.Do(func() error {
		var serr error
		pos, serr = f.f.Seek(offset, whence)
		return serr
	})
	return pos, err
}

// Close detaches the handle.
func (f *File) Close() error {
	return f.v.exec.Do(func() error {
		return f.f.Close()
	})
}

// WriteFile replaces a file's content.
func (v *Vault) WriteFile(path string, data []byte) error {
	return v.exec.Do(func() error {
		return v.inner.FS().WriteFile(path, data)
	})
}

// WriteFiles stores many files, reading input concurrently while writes
// apply in a single stream.
func (v *Vault) WriteFiles(ctx context.Context, files map[string]func() ([]byte, error)) error {
	type item struct {
		path string
		data []byte
	}
	var producers []func() (any, error)
	for path, load := range files {
		path, load := path, load
		producers = append(producers, func() (any, error) {
			data, err := load()
			if err != nil {
				return nil, err
			}
			return item{path: path, data: data}, nil
		})
	}
	return v.exec.Batch(ctx, producers, func(raw any) error {
		it := raw.(item)
		_, err := v.inner.FS().Mkfile(it.path, it.data)
		return err
	})
}

// List returns a directory's live entries sorted by name.
func (v *Vault) List(path string) ([]EntryInfo, error) {
	var out []EntryInfo
	err := v.exec.Do(func() error {
		recs, ferr := v.inner.FS().List(path)
		if ferr != nil {
			return ferr
		}
		for _, rec := range recs {
			out = append(out, entryInfo(rec))
		}
		return nil
	})
	return out, err
}

// Info describes the entry at a path without following links.
func (v *Vault) Info(path string) (EntryInfo, error) {
	var out EntryInfo
	err := v.exec.Do(func() error {
		rec, ferr := v.inner.FS().Info(path)
		if ferr != nil {
			return ferr
		}
		out = entryInfo(rec)
		return nil
	})
	return out, err
}

// IsDir reports whether path names a live directory.
func (v *Vault) IsDir(path string) (bool, error) {
	return v.check(path, v.inner.FS().IsDir)
}

// IsFile reports whether path names a live file, following links.
func (v *Vault) IsFile(path string) (bool, error) {
	return v.check(path, v.inner.FS().IsFile)
}

// IsLink reports whether path names a live link.
func (v *Vault) IsLink(path string) (bool, error) {
	return v.check(path, v.inner.FS().IsLink)
}

func (v *Vault) check(path string, fn func(string) (bool, error)) (bool, error) {
	var ok bool
	err := v.exec.Do(func() error {
		var ferr error
		ok, ferr = fn(path)
		return ferr
	})
	return ok, err
}

// Move reparents an entry under another directory.
func (v *Vault) Move(path, dstDir string) error {
	return v.exec.Do(func() error {
		return v.inner.FS().Move(path, dstDir)
	})
}

// Rename changes an entry's name in place.
func (v *Vault) Rename(path, newName string) error {
	return v.exec.Do(func() error {
		return v.inner.FS().Rename(path, newName)
	})
}

// Chmod sets an entry's permission bits.
func (v *Vault) Chmod(path string, mode uint16) error {
	return v.exec.Do(func() error {
		return v.inner.FS().Chmod(path, mode)
	})
}

// Remove deletes an entry under the given mode.
func (v *Vault) Remove(path string, mode DeleteMode) error {
	return v.exec.Do(func() error {
		return v.inner.FS().Remove(path, mode)
	})
}

// Stats summarizes the vault.
func (v *Vault) Stats() (Stats, error) {
	var out Stats
	err := v.exec.Do(func() error {
		s, ferr := v.inner.Stats()
		if ferr != nil {
			return ferr
		}
		out = Stats{
			ID:        s.ID,
			Owner:     s.Owner,
			Created:   s.Created,
			PageSize:  s.PageSize,
			Pages:     s.Pages,
			FreePages: s.FreePages,
			Streams:   s.Streams,
			Entries:   s.Entries,
		}
		return nil
	})
	return out, err
}

// Repair rebuilds the stream registry from raw block pages.
func (v *Vault) Repair() (int, error) {
	var n int
	err := v.exec.Do(func() error {
		var ferr error
		n, ferr = v.inner.Repair()
		return ferr
	})
	return n, err
}

// Checkpoint forces all state to the container file.
func (v *Vault) Checkpoint() error {
	return v.exec.Do(func() error {
		return v.inner.Checkpoint()
	})
}

// Close flushes and releases the vault.
func (v *Vault) Close() error {
	err := v.exec.Do(func() error {
		return v.inner.Close()
	})
	v.exec.Release()
	return err
}
