package reconcile

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileInfo describes one discovered candidate file.
type FileInfo struct {
	Path         string
	RelativePath string
	Size         int64
	ModTime      time.Time
}

// DiscoveryOption configures an ExtensionDiscoverer.
type DiscoveryOption func(*ExtensionDiscoverer)

// ExtensionDiscoverer lists candidate files under a folder by extension.
// Files come back sorted by path, so a batch always processes in the same
// order.
type ExtensionDiscoverer struct {
	extensions []string // lowercase, with dot
	skipHidden bool
	recursive  bool
}

// WithExtensions configures the file extensions to discover.
func WithExtensions(exts ...string) DiscoveryOption {
	return func(d *ExtensionDiscoverer) {
		normalized := make([]string, len(exts))
		for i, ext := range exts {
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			normalized[i] = strings.ToLower(ext)
		}
		d.extensions = normalized
	}
}

// WithSkipHidden configures whether to skip dotfiles and dot-directories.
func WithSkipHidden(skip bool) DiscoveryOption {
	return func(d *ExtensionDiscoverer) {
		d.skipHidden = skip
	}
}

// WithRecursive configures whether subdirectories are walked.
func WithRecursive(recursive bool) DiscoveryOption {
	return func(d *ExtensionDiscoverer) {
		d.recursive = recursive
	}
}

// NewExtensionDiscoverer creates a discoverer with the given options. With no
// extension option every file matches.
func NewExtensionDiscoverer(opts ...DiscoveryOption) *ExtensionDiscoverer {
	d := &ExtensionDiscoverer{
		extensions: []string{},
		skipHidden: true,
		recursive:  true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover walks rootDir and returns the matching files sorted by path.
// Unreadable entries fail the whole discovery; a partial listing would make
// batch results depend on filesystem state.
func (d *ExtensionDiscoverer) Discover(rootDir string) ([]FileInfo, error) {
	rootDir = filepath.Clean(rootDir)

	var files []FileInfo
	err := filepath.WalkDir(rootDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return &DiscoveryError{Path: path, Err: err}
		}

		if d.skipHidden && isHidden(entry.Name()) && path != rootDir {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			if !d.recursive && path != rootDir {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.matches(path) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return &DiscoveryError{Path: path, Err: err}
		}
		relPath, err := filepath.Rel(rootDir, path)
		if err != nil {
			return &DiscoveryError{Path: path, Err: err}
		}

		files = append(files, FileInfo{
			Path:         path,
			RelativePath: relPath,
			Size:         info.Size(),
			ModTime:      info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (d *ExtensionDiscoverer) matches(path string) bool {
	if len(d.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range d.extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// isHidden checks if a file or directory name starts with ".".
func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
