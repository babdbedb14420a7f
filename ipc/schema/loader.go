package schema

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/3leaps/ipcprims/ipc/common"
)

// Hardened filesystem loading. Schema files are attacker-adjacent input:
// the loader rejects symlinks outright, re-checks file identity between
// the path stat and the opened handle (TOCTOU defense), and enforces
// per-file size and per-directory count caps.

// schemaSuffix is the filename suffix recognised during directory loads.
// The stem carries the channel id: <channel>.schema.json.
const schemaSuffix = ".schema.json"

var (
	// ErrSchemaFileSymlink reports a symlinked schema file.
	ErrSchemaFileSymlink = errors.New("schema: symlinked schema file rejected")

	// ErrSchemaFileIdentity reports a file whose identity changed between
	// stat and open.
	ErrSchemaFileIdentity = errors.New("schema: schema file identity changed during load")

	// ErrSchemaFileTooLarge reports a schema file above MaxSchemaFileSize.
	ErrSchemaFileTooLarge = errors.New("schema: schema file exceeds size limit")

	// ErrTooManySchemas reports a directory holding more schema files than
	// MaxSchemasFromDirectory.
	ErrTooManySchemas = errors.New("schema: too many schema files in directory")
)

// LoadDirectory registers every *.schema.json file in dir, keyed by the
// channel id encoded in the filename. The first failing file aborts the
// load; schemas registered from earlier files stay registered.
func (r *Registry) LoadDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrap(err, "reading schema directory")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), schemaSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for i, name := range names {
		if i >= r.cfg.MaxSchemasFromDirectory {
			return errors.Wrapf(ErrTooManySchemas, "limit %d", r.cfg.MaxSchemasFromDirectory)
		}
		channel, err := channelFromFilename(name)
		if err != nil {
			return err
		}
		data, err := readSchemaFile(filepath.Join(dir, name), r.cfg.MaxSchemaFileSize)
		if err != nil {
			return err
		}
		if err := r.Register(channel, data); err != nil {
			return err
		}
	}
	return nil
}

// LoadManifest registers the schema files named by the manifest, resolved
// relative to dir. The manifest maps channel ids to filenames and takes
// the place of filename-derived channel ids.
func (r *Registry) LoadManifest(dir string, manifest map[common.Channel]string) error {
	if len(manifest) > r.cfg.MaxSchemasFromDirectory {
		return errors.Wrapf(ErrTooManySchemas, "limit %d", r.cfg.MaxSchemasFromDirectory)
	}

	channels := make([]common.Channel, 0, len(manifest))
	for channel := range manifest {
		channels = append(channels, channel)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })

	for _, channel := range channels {
		data, err := readSchemaFile(filepath.Join(dir, manifest[channel]), r.cfg.MaxSchemaFileSize)
		if err != nil {
			return err
		}
		if err := r.Register(channel, data); err != nil {
			return err
		}
	}
	return nil
}

// readSchemaFile reads one schema file under the hardened rules: no
// symlinks, stable identity between path and handle, bounded size.
func readSchemaFile(path string, maxSize int64) ([]byte, error) {
	pathInfo, err := os.Lstat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stat schema file")
	}
	if pathInfo.Mode()&fs.ModeSymlink != 0 {
		return nil, errors.Wrapf(ErrSchemaFileSymlink, "%s", path)
	}
	if !pathInfo.Mode().IsRegular() {
		return nil, errors.Errorf("schema: %s is not a regular file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open schema file")
	}
	defer f.Close()

	handleInfo, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat schema handle")
	}
	// Compare device and inode (volume serial and file index on Windows)
	// between the path metadata and the handle metadata.
	if !os.SameFile(pathInfo, handleInfo) {
		return nil, errors.Wrapf(ErrSchemaFileIdentity, "%s", path)
	}
	if handleInfo.Size() > maxSize {
		return nil, errors.Wrapf(ErrSchemaFileTooLarge, "%s is %d bytes, limit %d", path, handleInfo.Size(), maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "reading schema file")
	}
	if int64(len(data)) > maxSize {
		return nil, errors.Wrapf(ErrSchemaFileTooLarge, "%s grew past %d bytes", path, maxSize)
	}
	return data, nil
}

// channelFromFilename derives the channel id from a <channel>.schema.json
// filename.
func channelFromFilename(name string) (common.Channel, error) {
	stem := strings.TrimSuffix(name, schemaSuffix)
	id, err := strconv.ParseUint(stem, 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, fmt.Sprintf("schema: cannot derive channel id from %q", name))
	}
	return common.Channel(id), nil
}
