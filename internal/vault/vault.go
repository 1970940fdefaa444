package vault

import (
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/config"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/page"
	"github.com/kartikbazzad/vaultfile/internal/stream"
)

// Container kind written into the header.
const containerKind = 0x07

// Vault binds a container file, its stream manager and the filesystem
// into one handle.
type Vault struct {
	path   string
	mgr    *stream.DynamicMultiStreamManager
	fs     *FileSystem
	logger *logger.Logger
}

// Statistics is a point-in-time summary of a vault.
type Statistics struct {
	ID        uuid.UUID
	Owner     uuid.UUID
	Created   time.Time
	PageSize  int
	Pages     uint64
	FreePages int
	Streams   int
	Entries   int
}

// Setup creates a brand new vault at path. Fails if the file exists.
func Setup(path string, secret []byte, owner uuid.UUID, cfg *config.Config, log *logger.Logger) (*Vault, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, errors.ErrPathExists
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	// Write the header with the vault's identity, then hand the file to
	// the manager like any existing container.
	header := page.NewHeader(cfg.PageSize, containerKind, 0, 0, owner)
	store, err := page.Create(path, secret, header, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, err
	}
	return open(path, secret, cfg, log)
}

// Open attaches to an existing vault.
func Open(path string, secret []byte, cfg *config.Config, log *logger.Logger) (*Vault, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.ErrPathNotFound
	}
	return open(path, secret, cfg, log)
}

func open(path string, secret []byte, cfg *config.Config, log *logger.Logger) (*Vault, error) {
	if log == nil {
		log = logger.Default()
	}
	mgr, err := stream.NewDynamicWithSpecials(path, secret, extraSpecials, cfg, log)
	if err != nil {
		return nil, err
	}
	fs, err := LoadFileSystem(mgr, log)
	if err != nil {
		mgr.Close()
		return nil, err
	}
	return &Vault{path: path, mgr: mgr, fs: fs, logger: log}, nil
}

// FS returns the filesystem view.
func (v *Vault) FS() *FileSystem {
	return v.fs
}

// Path returns the container file path.
func (v *Vault) Path() string {
	return v.path
}

// Stats summarizes the vault's current shape.
func (v *Vault) Stats() (*Statistics, error) {
	header := v.mgr.Store().Header()
	streams, err := v.mgr.StreamCount()
	if err != nil {
		return nil, err
	}
	entries, err := v.fs.EntryCount()
	if err != nil {
		return nil, err
	}
	return &Statistics{
		ID:        header.ID,
		Owner:     header.Owner,
		Created:   time.Unix(header.Created, 0),
		PageSize:  int(header.PageSize),
		Pages:     v.mgr.Store().PageCount(),
		FreePages: v.mgr.Store().FreeCount(),
		Streams:   streams,
		Entries:   entries,
	}, nil
}

// Repair rebuilds the stream registry from raw block pages and returns the
// number of streams recovered.
func (v *Vault) Repair() (int, error) {
	return v.mgr.RepairRegistry()
}

// Checkpoint persists all state and applies the log to the container.
func (v *Vault) Checkpoint() error {
	return v.fs.Checkpoint()
}

// Close persists and releases the vault.
func (v *Vault) Close() error {
	return v.fs.Close()
}
