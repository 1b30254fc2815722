package plugin

// Expansion of publish-request artifacts into individual files

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
)

// ArtifactSet is the ArtifactLister for a publish request. Directory sources
// are walked and every regular file is uploaded under Destination, keeping
// its relative path; with Archive set the directory is packed into a single
// tarball instead. Callers must Close the set to remove those tarballs.
type ArtifactSet struct {
	WorkingDir string
	Prefix     string
	Artifacts  []Artifact

	tmpDir string
}

var _ ArtifactLister = (*ArtifactSet)(nil)

func (s *ArtifactSet) List() ([]FilePair, error) {
	var pairs []FilePair
	for _, a := range s.Artifacts {
		if strings.TrimSpace(a.Source) == "" {
			return nil, errors.New("artifact has no source")
		}
		src, err := s.resolve(a.Source)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(src)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to stat artifact")
		}

		switch {
		case info.IsDir() && a.Archive:
			dst := a.Destination
			if dst == "" || strings.HasSuffix(dst, "/") {
				dst = path.Join(dst, filepath.Base(src)+".tar.gz")
			}
			tarball, err := s.archive(src)
			if err != nil {
				return nil, err
			}
			pairs = append(pairs, FilePair{LocalPath: tarball, DestinationKey: s.key(dst)})

		case info.IsDir():
			err = filepath.Walk(src, func(filePath string, fi os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !fi.Mode().IsRegular() {
					return nil
				}
				relPath, err := filepath.Rel(src, filePath)
				if err != nil {
					return errors.Wrap(err, "Couldn't make relative path while listing")
				}
				pairs = append(pairs, FilePair{
					LocalPath:      filePath,
					DestinationKey: s.key(path.Join(a.Destination, filepath.ToSlash(relPath))),
				})
				return nil
			})
			if err != nil {
				return nil, errors.Wrap(err, "Failed to list "+src)
			}

		default:
			dst := a.Destination
			if dst == "" || strings.HasSuffix(dst, "/") {
				dst = path.Join(dst, filepath.Base(src))
			}
			pairs = append(pairs, FilePair{LocalPath: src, DestinationKey: s.key(dst)})
		}
	}
	return pairs, nil
}

// Close removes any tarballs List created.
func (s *ArtifactSet) Close() error {
	if s.tmpDir == "" {
		return nil
	}
	err := os.RemoveAll(s.tmpDir)
	s.tmpDir = ""
	return err
}

func (s *ArtifactSet) resolve(p string) (string, error) {
	expanded, err := homedir.Expand(p)
	if err != nil {
		return "", errors.Wrap(err, "Failed to expand "+p)
	}
	if !filepath.IsAbs(expanded) && s.WorkingDir != "" {
		wd, err := homedir.Expand(s.WorkingDir)
		if err != nil {
			return "", errors.Wrap(err, "Failed to expand "+s.WorkingDir)
		}
		expanded = filepath.Join(wd, expanded)
	}
	return filepath.Clean(expanded), nil
}

func (s *ArtifactSet) key(dst string) string {
	return strings.TrimPrefix(path.Join(s.Prefix, dst), "/")
}

func (s *ArtifactSet) archive(dir string) (string, error) {
	if s.tmpDir == "" {
		tmp, err := ioutil.TempDir("", "b2plugin-")
		if err != nil {
			return "", errors.Wrap(err, "Failed to create staging directory")
		}
		s.tmpDir = tmp
	}
	entries, err := ioutil.ReadDir(s.tmpDir)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.tmpDir, fmt.Sprintf("%d-%s.tar.gz", len(entries), filepath.Base(dir)))
	if err := TarDir(dir, dir, dst); err != nil {
		return "", errors.Wrap(err, "Failed to archive "+dir)
	}
	return dst, nil
}

// Create a tar.gz archive from srcPath stored at dstPath.
// The paths in the archive will all be relative to basePath. For example,
// TarDir("foo/bar", "foo/bar", "bar.tgz") would include all of the files in
// bar/, not including bar/ itself.
func TarDir(basePath, srcPath, dstPath string) error {
	destFile, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer destFile.Close()

	gzw := gzip.NewWriter(destFile)
	defer gzw.Close()

	tarWriter := tar.NewWriter(gzw)
	defer tarWriter.Close()

	return filepath.Walk(srcPath, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(basePath, filePath)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, filePath)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !info.Mode().IsRegular() {
			return nil
		}

		sourceFile, err := os.Open(filePath)
		if err != nil {
			return err
		}
		defer sourceFile.Close()
		_, err = io.Copy(tarWriter, sourceFile)
		return err
	})
}
