package archive

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
)

// member describes a recognized archive entry.
type member struct {
	// pattern is matched as a substring of the entry name.
	pattern    string
	attachment string
	mimeType   string
	get        func(*ArtifactSet) *Artifact
	set        func(*ArtifactSet, *Artifact)
}

var members = []member{
	{
		pattern: "test_result.xml", attachment: "test_results.xml", mimeType: "application/xml",
		get: func(s *ArtifactSet) *Artifact { return s.Report },
		set: func(s *ArtifactSet, a *Artifact) { s.Report = a },
	},
	{
		pattern: "compatibility_result.xsl", attachment: "compatibility_result.xsl", mimeType: "application/xslt+xml",
		get: func(s *ArtifactSet) *Artifact { return s.Stylesheet },
		set: func(s *ArtifactSet, a *Artifact) { s.Stylesheet = a },
	},
	{
		pattern: "compatibility_result.css", attachment: "compatibility_result.css", mimeType: "text/css",
		get: func(s *ArtifactSet) *Artifact { return s.CSS },
		set: func(s *ArtifactSet, a *Artifact) { s.CSS = a },
	},
	{
		pattern: "logo.png", attachment: "logo.png", mimeType: "image/png",
		get: func(s *ArtifactSet) *Artifact { return s.Logo },
		set: func(s *ArtifactSet, a *Artifact) { s.Logo = a },
	},
	{
		pattern: "tradefed-stdout.txt", attachment: "tradefed_stdout.txt", mimeType: "text/plain",
		get: func(s *ArtifactSet) *Artifact { return s.Stdout },
		set: func(s *ArtifactSet, a *Artifact) { s.Stdout = a },
	},
	{
		pattern: "tradefed-logcat.txt", attachment: "tradefed_logcat.txt", mimeType: "text/plain",
		get: func(s *ArtifactSet) *Artifact { return s.Logcat },
		set: func(s *ArtifactSet, a *Artifact) { s.Logcat = a },
	},
}

var (
	magicXZ    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicGzip  = []byte{0x1f, 0x8b}
	magicZstd  = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicBzip2 = []byte("BZh")
)

// Compression identifies the framing around the tar stream.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionXZ    Compression = "xz"
	CompressionGzip  Compression = "gzip"
	CompressionZstd  Compression = "zstd"
	CompressionBzip2 Compression = "bzip2"
)

// Extractor walks tar archives and spools recognized members to disk.
type Extractor struct {
	tempDir string
	logger  *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithTempDir sets the parent directory for spooled members.
func WithTempDir(dir string) Option {
	return func(e *Extractor) {
		e.tempDir = dir
	}
}

// WithLogger sets the extractor logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// NewExtractor creates an Extractor.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Detect sniffs the compression of a stream from its leading bytes.
func Detect(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, magicXZ):
		return CompressionXZ
	case bytes.HasPrefix(head, magicGzip):
		return CompressionGzip
	case bytes.HasPrefix(head, magicZstd):
		return CompressionZstd
	case bytes.HasPrefix(head, magicBzip2):
		return CompressionBzip2
	default:
		return CompressionNone
	}
}

// Extract reads a (possibly compressed) tar stream and returns the first
// entry matching each recognized member. Errors never escape: a corrupt,
// truncated or empty archive yields an empty or partial set.
func (e *Extractor) Extract(ctx context.Context, r io.Reader) *ArtifactSet {
	set := &ArtifactSet{}
	e.ExtractInto(ctx, r, set)
	return set
}

// ExtractInto behaves like Extract but fills an existing set, sharing its
// spool directory.
func (e *Extractor) ExtractInto(ctx context.Context, r io.Reader, set *ArtifactSet) {
	if err := e.extract(ctx, r, set); err != nil {
		e.logger.Error("failed to extract results archive", "error", err)
	}
	for _, m := range members {
		if m.get(set) != nil {
			metrics.ArtifactsExtracted.WithLabelValues(m.attachment).Inc()
		}
	}
}

func (e *Extractor) extract(ctx context.Context, r io.Reader, set *ArtifactSet) error {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(magicXZ))
	if len(head) == 0 {
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "failed to read archive header")
		}
		e.logger.Warn("results archive is empty")
		return nil
	}

	compression := Detect(head)
	stream, closeFn, err := decompress(br, compression)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s stream", compression)
	}
	defer closeFn()

	e.logger.Debug("extracting results archive", "compression", compression)

	tr := tar.NewReader(stream)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read tar entry")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		e.logger.Debug("archive member", "name", hdr.Name, "size", hdr.Size)
		for _, m := range members {
			if m.get(set) != nil || !strings.Contains(hdr.Name, m.pattern) {
				continue
			}
			a, err := e.spool(set, tr, hdr, m)
			if err != nil {
				return err
			}
			m.set(set, a)
			// The entry body is consumed; no other member can share it.
			break
		}
	}
}

func (e *Extractor) spool(set *ArtifactSet, r io.Reader, hdr *tar.Header, m member) (*Artifact, error) {
	dir, err := set.Dir(e.tempDir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, m.attachment)
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create spool file for %s", hdr.Name)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, errors.Wrapf(err, "failed to spool %s", hdr.Name)
	}

	return &Artifact{
		Name:     filepath.Base(hdr.Name),
		Size:     n,
		MimeType: m.mimeType,
		path:     path,
	}, nil
}

func decompress(r io.Reader, c Compression) (io.Reader, func(), error) {
	noop := func() {}
	switch c {
	case CompressionXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return xr, noop, nil
	case CompressionGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return gr, func() { gr.Close() }, nil
	case CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, noop, err
		}
		return zr, zr.Close, nil
	case CompressionBzip2:
		return bzip2.NewReader(r), noop, nil
	default:
		return r, noop, nil
	}
}
