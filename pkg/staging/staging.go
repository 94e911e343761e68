// Package staging writes images to scoped temporary files for collaborators
// that only accept file paths, such as the face matcher.
package staging

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/proofgate/pkg/utils/logging"
)

// Area is a directory holding staged files. The zero value stages into the
// system temp directory.
type Area struct {
	dir string
}

func New(dir string) *Area {
	return &Area{dir: dir}
}

// Files is a set of staged files. Release removes all of them and is safe to
// call more than once.
type Files struct {
	paths []string
}

// Paths returns staged file paths in the order they were staged
func (f *Files) Paths() []string {
	return f.paths
}

// Release removes every staged file. Removal failures are logged, not
// returned, because release runs on exit paths that already carry a result.
func (f *Files) Release() {
	for _, p := range f.paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			logging.Default().Warn("failed to remove staged file", "path", p, "error", err)
		}
	}
	f.paths = nil
}

// Stage writes each blob to its own temp file. On error, files already
// written are removed before returning.
func (a *Area) Stage(pattern string, blobs ...[]byte) (*Files, error) {
	dir := a.dir
	if dir == "" {
		dir = os.TempDir()
	}

	files := &Files{}
	for _, blob := range blobs {
		fp, err := os.CreateTemp(dir, pattern)
		if err != nil {
			files.Release()
			return nil, goerr.Wrap(err, "failed to create staged file", goerr.V("dir", dir))
		}
		files.paths = append(files.paths, fp.Name())

		if _, err := fp.Write(blob); err != nil {
			_ = fp.Close()
			files.Release()
			return nil, goerr.Wrap(err, "failed to write staged file", goerr.V("path", fp.Name()))
		}
		if err := fp.Close(); err != nil {
			files.Release()
			return nil, goerr.Wrap(err, "failed to close staged file", goerr.V("path", fp.Name()))
		}
	}

	return files, nil
}
