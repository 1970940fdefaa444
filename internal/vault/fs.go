package vault

import (
	"bytes"
	"crypto/sha1"
	gopath "path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kartikbazzad/vaultfile/internal/btree"
	"github.com/kartikbazzad/vaultfile/internal/errors"
	"github.com/kartikbazzad/vaultfile/internal/logger"
	"github.com/kartikbazzad/vaultfile/internal/page"
	"github.com/kartikbazzad/vaultfile/internal/stream"
)

// entriesStream is the reserved stream persisting entry records. The path
// and listing indexes are derived from the records, so they are never
// written out; both are rebuilt from the hierarchy at load.
const entriesStream = stream.ReservedStreams

// extraSpecials is how many reserved streams the filesystem adds on top
// of the manager's own.
const extraSpecials = 1

// Tree ids inside the in-memory pagers.
const (
	entryTreeID   = 2
	pathTreeID    = 3
	listingTreeID = 4
)

var pathNamespace = uuid.MustParse("24cba2ad-2a06-4d24-94f2-6ad7e7b46d2a")

// rootEntryID is the fixed identity of the root directory.
var rootEntryID = uuid.NewSHA1(pathNamespace, []byte("root"))

func pathKey(p string) btree.Key {
	return btree.Key(uuid.NewSHA1(pathNamespace, []byte(p)))
}

// DeleteMode selects how Remove treats an entry.
type DeleteMode byte

const (
	// DeleteSoft hides the entry but keeps its record and content.
	DeleteSoft DeleteMode = 1
	// DeleteHard drops the entry and recycles its content blocks.
	DeleteHard DeleteMode = 2
	// DeleteErase overwrites file content before dropping the entry.
	DeleteErase DeleteMode = 3
)

// FileSystem is the directory hierarchy over a dynamic stream manager.
type FileSystem struct {
	mgr    *stream.DynamicMultiStreamManager
	logger *logger.Logger
	owner  uuid.UUID

	entries *btree.Tree      // entry id -> record
	paths   *btree.Tree      // hashed path -> entry id
	listing *btree.MultiTree // directory id -> child ids
}

// LoadFileSystem builds the indexes from the entries stream, creating the
// root directory on a fresh container.
func LoadFileSystem(mgr *stream.DynamicMultiStreamManager, log *logger.Logger) (*FileSystem, error) {
	dataSize := mgr.Store().PageDataSize()
	order := mgr.Config().TreeOrder
	entryTree, err := btree.New(page.NewMemPager(dataSize), entryTreeID, entryRecordSize, order)
	if err != nil {
		return nil, err
	}
	pathTree, err := btree.New(page.NewMemPager(dataSize), pathTreeID, 16, order)
	if err != nil {
		return nil, err
	}
	listing, err := btree.NewMulti(page.NewMemPager(dataSize), listingTreeID, 16, order)
	if err != nil {
		return nil, err
	}

	fs := &FileSystem{
		mgr:     mgr,
		logger:  log,
		owner:   mgr.Store().Header().Owner,
		entries: entryTree,
		paths:   pathTree,
		listing: listing,
	}

	backing, err := mgr.SpecialStream(entriesStream)
	if err != nil {
		return nil, err
	}
	raw, err := stream.NewFile(backing, "entries").ReadAll()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		if err := fs.bootstrap(); err != nil {
			return nil, err
		}
		return fs, nil
	}
	if err := fs.rebuild(raw); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileSystem) bootstrap() error {
	now := time.Now().Unix()
	root := &EntryRecord{
		Type:     EntryDir,
		ID:       rootEntryID,
		Parent:   rootEntryID,
		Owner:    fs.owner,
		Created:  now,
		Modified: now,
		Perms:    0755,
		Name:     "/",
	}
	if err := fs.entries.Insert(btree.Key(root.ID), root.encode()); err != nil {
		return err
	}
	if err := fs.paths.Insert(pathKey("/"), root.ID[:]); err != nil {
		return err
	}
	return fs.listing.Insert(btree.Key(root.ID), nil)
}

// rebuild replays serialized records into the entry tree, then derives the
// listing and path indexes from parent links and names.
func (fs *FileSystem) rebuild(raw []byte) error {
	if len(raw)%entryRecordSize != 0 {
		return errors.ErrCorruptRecord
	}
	records := make(map[uuid.UUID]*EntryRecord)
	for off := 0; off < len(raw); off += entryRecordSize {
		rec, err := decodeEntry(raw[off : off+entryRecordSize])
		if err != nil {
			return err
		}
		records[rec.ID] = rec
		if err := fs.entries.Insert(btree.Key(rec.ID), rec.encode()); err != nil {
			return err
		}
		if rec.Type == EntryDir {
			if err := fs.listing.Insert(btree.Key(rec.ID), nil); err != nil {
				return err
			}
		}
	}
	if _, ok := records[rootEntryID]; !ok {
		return errors.ErrRegistryInconsistent
	}

	children := make(map[uuid.UUID][]uuid.UUID)
	for id, rec := range records {
		if id == rootEntryID {
			continue
		}
		if _, ok := records[rec.Parent]; !ok {
			fs.logger.Warn("orphaned entry %s (%s) skipped", rec.Name, id)
			continue
		}
		children[rec.Parent] = append(children[rec.Parent], id)
		if err := fs.listing.Update(btree.Key(rec.Parent), [][]byte{id[:]}, nil); err != nil {
			return err
		}
	}

	// Walk from the root to hand every reachable entry its path key.
	var walk func(id uuid.UUID, dir string) error
	walk = func(id uuid.UUID, dir string) error {
		for _, child := range children[id] {
			rec := records[child]
			full := joinPath(dir, rec.Name)
			if err := fs.paths.Insert(pathKey(full), child[:]); err != nil {
				return err
			}
			if rec.Type == EntryDir {
				if err := walk(child, full); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := fs.paths.Insert(pathKey("/"), rootEntryID[:]); err != nil {
		return err
	}
	return walk(rootEntryID, "/")
}

// serialize writes every entry record into the entries stream.
func (fs *FileSystem) serialize() error {
	backing, err := fs.mgr.SpecialStream(entriesStream)
	if err != nil {
		return err
	}
	if err := backing.Truncate(0); err != nil {
		return err
	}
	var buf bytes.Buffer
	err = fs.entries.Traverse(func(_ btree.Key, rec []byte) error {
		buf.Write(rec)
		return nil
	})
	if err != nil {
		return err
	}
	file := stream.NewFileWriter(backing, "entries")
	if _, err := file.Write(buf.Bytes()); err != nil {
		return err
	}
	return file.Close()
}

// Checkpoint persists the filesystem and everything under it.
func (fs *FileSystem) Checkpoint() error {
	if err := fs.serialize(); err != nil {
		return err
	}
	return fs.mgr.Checkpoint()
}

// Close persists and shuts the container.
func (fs *FileSystem) Close() error {
	if err := fs.serialize(); err != nil {
		return err
	}
	return fs.mgr.Close()
}

func normalize(p string) (string, error) {
	if p == "" {
		return "", errors.ErrPathNotFound
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return gopath.Clean(p), nil
}

func joinPath(dir, name string) string {
	if dir == "/" {
		return "/" + name
	}
	return dir + "/" + name
}

func (fs *FileSystem) getEntry(id uuid.UUID) (*EntryRecord, error) {
	raw, err := fs.entries.Get(btree.Key(id))
	if err != nil {
		return nil, errors.ErrRegistryInconsistent
	}
	return decodeEntry(raw)
}

func (fs *FileSystem) putEntry(rec *EntryRecord) error {
	return fs.entries.Update(btree.Key(rec.ID), rec.encode())
}

// lookup resolves a path to its entry, including soft-deleted ones.
func (fs *FileSystem) lookup(p string) (*EntryRecord, string, error) {
	p, err := normalize(p)
	if err != nil {
		return nil, "", err
	}
	idRaw, err := fs.paths.Get(pathKey(p))
	if err != nil {
		return nil, "", errors.ErrPathNotFound
	}
	var id uuid.UUID
	copy(id[:], idRaw)
	rec, err := fs.getEntry(id)
	if err != nil {
		return nil, "", err
	}
	return rec, p, nil
}

// parentDir resolves the directory that will hold a new entry.
func (fs *FileSystem) parentDir(p string) (*EntryRecord, string, string, error) {
	p, err := normalize(p)
	if err != nil {
		return nil, "", "", err
	}
	if p == "/" {
		return nil, "", "", errors.ErrPathExists
	}
	dir, name := gopath.Split(p)
	dirRec, _, err := fs.lookup(dir)
	if err != nil {
		return nil, "", "", err
	}
	if dirRec.Type != EntryDir || dirRec.Deleted {
		return nil, "", "", errors.ErrNotDirectory
	}
	return dirRec, p, name, nil
}

func (fs *FileSystem) addEntry(rec *EntryRecord, fullPath string) error {
	if err := fs.entries.Insert(btree.Key(rec.ID), rec.encode()); err != nil {
		return err
	}
	if err := fs.paths.Insert(pathKey(fullPath), rec.ID[:]); err != nil {
		return err
	}
	if rec.Type == EntryDir {
		if err := fs.listing.Insert(btree.Key(rec.ID), nil); err != nil {
			return err
		}
	}
	return fs.listing.Update(btree.Key(rec.Parent), [][]byte{rec.ID[:]}, nil)
}

// Mkdir creates a directory. The parent must already exist.
func (fs *FileSystem) Mkdir(p string) (uuid.UUID, error) {
	if _, _, err := fs.lookup(p); err == nil {
		return uuid.Nil, errors.ErrPathExists
	}
	parent, full, name, err := fs.parentDir(p)
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := newEntry(EntryDir, parent.ID, fs.owner, name)
	if err != nil {
		return uuid.Nil, err
	}
	rec.Perms = 0755
	if err := fs.addEntry(rec, full); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Mkfile creates a file with the given content and returns its entry id.
func (fs *FileSystem) Mkfile(p string, data []byte) (uuid.UUID, error) {
	if _, _, err := fs.lookup(p); err == nil {
		return uuid.Nil, errors.ErrPathExists
	}
	parent, full, name, err := fs.parentDir(p)
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := newEntry(EntryFile, parent.ID, fs.owner, name)
	if err != nil {
		return uuid.Nil, err
	}

	s, err := fs.mgr.NewStream()
	if err != nil {
		return uuid.Nil, err
	}
	file := stream.NewFileWriter(s, name)
	if _, err := file.Write(data); err != nil {
		return uuid.Nil, err
	}
	if err := file.Close(); err != nil {
		return uuid.Nil, err
	}
	if err := fs.mgr.CloseStream(s); err != nil {
		return uuid.Nil, err
	}

	rec.Stream = s.Identity()
	rec.Length = uint64(len(data))
	rec.Digest = sha1.Sum(data)
	if err := fs.addEntry(rec, full); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// Link creates a link entry pointing at an existing file or directory.
// Links to links are refused.
func (fs *FileSystem) Link(p, target string) (uuid.UUID, error) {
	if _, _, err := fs.lookup(p); err == nil {
		return uuid.Nil, errors.ErrPathExists
	}
	targetRec, _, err := fs.lookup(target)
	if err != nil {
		return uuid.Nil, err
	}
	if targetRec.Type == EntryLink {
		return uuid.Nil, errors.ErrLinkToLink
	}
	parent, full, name, err := fs.parentDir(p)
	if err != nil {
		return uuid.Nil, err
	}
	rec, err := newEntry(EntryLink, parent.ID, fs.owner, name)
	if err != nil {
		return uuid.Nil, err
	}
	rec.Stream = targetRec.ID
	if err := fs.addEntry(rec, full); err != nil {
		return uuid.Nil, err
	}
	return rec.ID, nil
}

// resolve follows a link to its target record, one hop at most.
func (fs *FileSystem) resolve(rec *EntryRecord) (*EntryRecord, error) {
	if rec.Type != EntryLink {
		return rec, nil
	}
	target, err := fs.getEntry(rec.Stream)
	if err != nil {
		return nil, err
	}
	if target.Type == EntryLink {
		return nil, errors.ErrLinkToLink
	}
	return target, nil
}

// IsDir reports whether the path names a live directory.
func (fs *FileSystem) IsDir(p string) (bool, error) {
	return fs.isType(p, EntryDir)
}

// IsFile reports whether the path names a live file, following links.
func (fs *FileSystem) IsFile(p string) (bool, error) {
	return fs.isType(p, EntryFile)
}

// IsLink reports whether the path names a live link.
func (fs *FileSystem) IsLink(p string) (bool, error) {
	rec, _, err := fs.lookup(p)
	if err == errors.ErrPathNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Type == EntryLink && !rec.Deleted, nil
}

func (fs *FileSystem) isType(p string, kind EntryType) (bool, error) {
	rec, _, err := fs.lookup(p)
	if err == errors.ErrPathNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if rec.Deleted {
		return false, nil
	}
	rec, err = fs.resolve(rec)
	if err != nil {
		return false, err
	}
	return rec.Type == kind && !rec.Deleted, nil
}

// Info returns the entry record at a path without following links.
func (fs *FileSystem) Info(p string) (*EntryRecord, error) {
	rec, _, err := fs.lookup(p)
	return rec, err
}

// List returns the live entries of a directory, sorted by name.
func (fs *FileSystem) List(p string) ([]*EntryRecord, error) {
	rec, _, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}
	if rec.Type != EntryDir {
		return nil, errors.ErrNotDirectory
	}
	ids, err := fs.listing.Get(btree.Key(rec.ID))
	if err != nil {
		return nil, err
	}
	out := make([]*EntryRecord, 0, len(ids))
	for _, raw := range ids {
		var id uuid.UUID
		copy(id[:], raw)
		child, err := fs.getEntry(id)
		if err != nil {
			return nil, err
		}
		if child.Deleted {
			continue
		}
		out = append(out, child)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ReadFile loads a file's full content and verifies its digest.
func (fs *FileSystem) ReadFile(p string) ([]byte, error) {
	rec, err := fs.fileEntry(p)
	if err != nil {
		return nil, err
	}
	s, err := fs.mgr.OpenStream(rec.Stream)
	if err != nil {
		return nil, err
	}
	data, err := stream.NewFile(s, rec.Name).ReadAll()
	if err != nil {
		return nil, err
	}
	if err := fs.mgr.CloseStream(s); err != nil {
		return nil, err
	}
	if sha1.Sum(data) != rec.Digest {
		return nil, errors.ErrDigestInvalid
	}
	return data, nil
}

// WriteFile replaces a file's content.
func (fs *FileSystem) WriteFile(p string, data []byte) error {
	rec, err := fs.fileEntry(p)
	if err != nil {
		return err
	}
	s, err := fs.mgr.OpenStream(rec.Stream)
	if err != nil {
		return err
	}
	if err := s.Truncate(0); err != nil {
		return err
	}
	file := stream.NewFileWriter(s, rec.Name)
	if _, err := file.Write(data); err != nil {
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := fs.mgr.CloseStream(s); err != nil {
		return err
	}

	rec.Length = uint64(len(data))
	rec.Digest = sha1.Sum(data)
	rec.touch()
	return fs.putEntry(rec)
}

// Open returns a read-only file object over a file's content stream.
// The caller closes the file object; the stream stays with the manager.
func (fs *FileSystem) Open(p string) (*stream.VirtualFileObject, error) {
	rec, err := fs.fileEntry(p)
	if err != nil {
		return nil, err
	}
	s, err := fs.mgr.OpenStream(rec.Stream)
	if err != nil {
		return nil, err
	}
	return stream.NewFile(s, rec.Name), nil
}

func (fs *FileSystem) fileEntry(p string) (*EntryRecord, error) {
	rec, _, err := fs.lookup(p)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, errors.ErrPathNotFound
	}
	rec, err = fs.resolve(rec)
	if err != nil {
		return nil, err
	}
	if rec.Type != EntryFile || rec.Deleted {
		return nil, errors.ErrNotFile
	}
	return rec, nil
}

// Chmod sets an entry's permission bits.
func (fs *FileSystem) Chmod(p string, perms uint16) error {
	rec, _, err := fs.lookup(p)
	if err != nil {
		return err
	}
	rec.Perms = perms
	rec.touch()
	return fs.putEntry(rec)
}

// Rename changes an entry's name in place.
func (fs *FileSystem) Rename(p, newName string) error {
	rec, full, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if rec.ID == rootEntryID {
		return errors.ErrInvalidPath
	}
	if len(newName) == 0 || len(newName) > nameMax || strings.Contains(newName, "/") {
		return errors.ErrNameTooLong
	}
	dir := gopath.Dir(full)
	newFull := joinPath(dir, newName)
	if _, _, err := fs.lookup(newFull); err == nil {
		return errors.ErrPathExists
	}

	if err := fs.rekey(rec, full, newFull); err != nil {
		return err
	}
	rec.Name = newName
	rec.touch()
	return fs.putEntry(rec)
}

// Move reparents an entry under another directory.
func (fs *FileSystem) Move(p, dstDir string) error {
	rec, full, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if rec.ID == rootEntryID {
		return errors.ErrInvalidPath
	}
	dst, dstFull, err := fs.lookup(dstDir)
	if err != nil {
		return err
	}
	if dst.Type != EntryDir || dst.Deleted {
		return errors.ErrNotDirectory
	}
	if dstFull == full || strings.HasPrefix(dstFull+"/", full+"/") {
		return errors.ErrInvalidPath
	}
	newFull := joinPath(dstFull, rec.Name)
	if _, _, err := fs.lookup(newFull); err == nil {
		return errors.ErrPathExists
	}

	if err := fs.listing.Update(btree.Key(rec.Parent), nil, [][]byte{rec.ID[:]}); err != nil {
		return err
	}
	if err := fs.listing.Update(btree.Key(dst.ID), [][]byte{rec.ID[:]}, nil); err != nil {
		return err
	}
	if err := fs.rekey(rec, full, newFull); err != nil {
		return err
	}
	rec.Parent = dst.ID
	rec.touch()
	return fs.putEntry(rec)
}

// rekey rewrites the path index for an entry and, for directories, every
// descendant under it.
func (fs *FileSystem) rekey(rec *EntryRecord, oldPath, newPath string) error {
	if err := fs.paths.Delete(pathKey(oldPath)); err != nil {
		return err
	}
	if err := fs.paths.Insert(pathKey(newPath), rec.ID[:]); err != nil {
		return err
	}
	if rec.Type != EntryDir {
		return nil
	}
	ids, err := fs.listing.Get(btree.Key(rec.ID))
	if err != nil {
		return err
	}
	for _, raw := range ids {
		var id uuid.UUID
		copy(id[:], raw)
		child, err := fs.getEntry(id)
		if err != nil {
			return err
		}
		if err := fs.rekey(child, joinPath(oldPath, child.Name), joinPath(newPath, child.Name)); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes an entry. Soft removal hides it, hard removal drops the
// record and recycles content, erase additionally overwrites the content
// before recycling.
func (fs *FileSystem) Remove(p string, mode DeleteMode) error {
	rec, full, err := fs.lookup(p)
	if err != nil {
		return err
	}
	if rec.ID == rootEntryID {
		return errors.ErrInvalidPath
	}

	if mode == DeleteSoft {
		rec.Deleted = true
		rec.touch()
		return fs.putEntry(rec)
	}

	if rec.Type == EntryDir {
		ids, err := fs.listing.Get(btree.Key(rec.ID))
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			return errors.ErrDirNotEmpty
		}
		if err := fs.listing.Delete(btree.Key(rec.ID)); err != nil {
			return err
		}
	}
	if rec.Type == EntryFile {
		if mode == DeleteErase {
			if err := fs.eraseStream(rec); err != nil {
				return err
			}
		}
		if err := fs.mgr.DelStream(rec.Stream); err != nil {
			return err
		}
	}

	if err := fs.listing.Update(btree.Key(rec.Parent), nil, [][]byte{rec.ID[:]}); err != nil {
		return err
	}
	if err := fs.paths.Delete(pathKey(full)); err != nil {
		return err
	}
	return fs.entries.Delete(btree.Key(rec.ID))
}

// eraseStream overwrites a file's content with zeros so the plaintext is
// gone even if the freed pages are never reused.
func (fs *FileSystem) eraseStream(rec *EntryRecord) error {
	s, err := fs.mgr.OpenStream(rec.Stream)
	if err != nil {
		return err
	}
	file := stream.NewFileWriter(s, rec.Name)
	zeros := make([]byte, 32*1024)
	remaining := s.Length()
	for remaining > 0 {
		chunk := uint64(len(zeros))
		if chunk > remaining {
			chunk = remaining
		}
		if _, err := file.Write(zeros[:chunk]); err != nil {
			return err
		}
		remaining -= chunk
	}
	return file.Close()
}

// EntryCount returns the number of entries, root included.
func (fs *FileSystem) EntryCount() (int, error) {
	return fs.entries.Count()
}
