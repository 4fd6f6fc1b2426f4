// Package archive extracts the members of a Tradefed results tarball.
package archive

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
)

// Artifact is a named byte stream spooled to a local file. It can be opened
// any number of times until its ArtifactSet is closed.
type Artifact struct {
	Name     string
	Size     int64
	MimeType string

	path string
}

// NewFileArtifact wraps an existing file. The caller keeps ownership of path.
func NewFileArtifact(path, name, mimeType string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat %s", path)
	}
	return &Artifact{Name: name, Size: info.Size(), MimeType: mimeType, path: path}, nil
}

// Open returns a reader over the artifact contents.
func (a *Artifact) Open() (io.ReadCloser, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open artifact %s", a.Name)
	}
	return f, nil
}

// Path returns the location of the spooled file.
func (a *Artifact) Path() string {
	return a.path
}

// Rewrite applies r to every line of the artifact and replaces its contents
// with the result. Size is updated accordingly.
func (a *Artifact) Rewrite(r *strings.Replacer) error {
	src, err := os.Open(a.path)
	if err != nil {
		return errors.Wrapf(err, "failed to open artifact %s", a.Name)
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(a.path), "rewrite-*")
	if err != nil {
		return errors.Wrap(err, "failed to create rewrite file")
	}
	defer func() {
		if dst != nil {
			dst.Close()
			os.Remove(dst.Name())
		}
	}()

	br := bufio.NewReader(src)
	bw := bufio.NewWriter(dst)
	for {
		line, readErr := br.ReadString('\n')
		if len(line) > 0 {
			if _, err := r.WriteString(bw, line); err != nil {
				return errors.Wrapf(err, "failed to rewrite artifact %s", a.Name)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "failed to read artifact %s", a.Name)
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrapf(err, "failed to flush artifact %s", a.Name)
	}

	info, err := dst.Stat()
	if err != nil {
		return errors.Wrap(err, "failed to stat rewritten artifact")
	}
	if err := dst.Close(); err != nil {
		return errors.Wrap(err, "failed to close rewritten artifact")
	}
	if err := os.Rename(dst.Name(), a.path); err != nil {
		return errors.Wrap(err, "failed to replace artifact")
	}
	dst = nil

	a.Size = info.Size()
	return nil
}

// ArtifactSet holds the members extracted from one results archive. Any
// member may be nil.
type ArtifactSet struct {
	Report     *Artifact
	Stylesheet *Artifact
	CSS        *Artifact
	Logo       *Artifact
	Stdout     *Artifact
	Logcat     *Artifact

	// Container is the archive itself.
	Container *Artifact

	// Source is the URL the archive was resolved to, if any.
	Source string

	dir string
}

// Empty reports whether no member was extracted.
func (s *ArtifactSet) Empty() bool {
	return s.Report == nil && s.Stylesheet == nil && s.CSS == nil &&
		s.Logo == nil && s.Stdout == nil && s.Logcat == nil
}

// Close removes the spooled files.
func (s *ArtifactSet) Close() error {
	if s == nil || s.dir == "" {
		return nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return errors.Wrapf(err, "failed to remove %s", s.dir)
	}
	return nil
}

// Dir returns the directory holding the spooled files, creating it if needed.
func (s *ArtifactSet) Dir(parent string) (string, error) {
	if s.dir != "" {
		return s.dir, nil
	}
	dir, err := os.MkdirTemp(parent, "tradefed-*")
	if err != nil {
		return "", errors.Wrap(err, "failed to create spool directory")
	}
	s.dir = dir
	return dir, nil
}

// Attachment pairs an artifact with the file name and MIME type it is stored under.
type Attachment struct {
	Filename string
	MimeType string
	Artifact *Artifact
}

// Attachments lists the present members in the order they are stored.
func (s *ArtifactSet) Attachments() []Attachment {
	var out []Attachment
	for _, m := range members {
		if a := m.get(s); a != nil {
			out = append(out, Attachment{Filename: m.attachment, MimeType: m.mimeType, Artifact: a})
		}
	}
	if s.Container != nil {
		name := s.Container.Name
		if name == "" {
			name = "tradefed.tar.gz"
		}
		mime := s.Container.MimeType
		if mime == "" {
			mime = "application/x-tar"
		}
		out = append(out, Attachment{Filename: name, MimeType: mime, Artifact: s.Container})
	}
	return out
}
