package lava

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
)

var (
	tarballPattern  = regexp.MustCompile(`^.*?([\w.-]+tar\.xz)$`)
	selfHostPattern = regexp.MustCompile(`.*?/testruns/(\d+)/attachments/?\?filename=(.*?)$`)
)

// containerFile is the spool name of the downloaded archive.
const containerFile = "container"

// AttachmentSource opens attachments stored by this service, so that
// archives re-published under its own URL are not downloaded over HTTP.
type AttachmentSource interface {
	OpenAttachment(ctx context.Context, runID int64, filename string) (io.ReadCloser, string, error)
}

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// BaseURL is this service's public URL; references under it are read
	// from Attachments.
	BaseURL string

	// TempDir is where archives are spooled.
	TempDir string

	Client ClientConfig
}

// Fetcher downloads a results archive and extracts its members.
type Fetcher struct {
	client      *resty.Client
	baseURL     string
	tempDir     string
	attachments AttachmentSource
	extractor   *archive.Extractor
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher. attachments may be nil.
func NewFetcher(cfg FetcherConfig, attachments AttachmentSource, extractor *archive.Extractor) *Fetcher {
	logger := cfg.Client.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		client:      newHTTPClient(cfg.Client, "download"),
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		tempDir:     cfg.TempDir,
		attachments: attachments,
		extractor:   extractor,
		logger:      logger,
	}
}

// Fetch retrieves the archive at rawURL. It never fails: transport errors
// are logged and leave the returned set empty.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) *archive.ArtifactSet {
	set := &archive.ArtifactSet{Source: rawURL}

	var err error
	if f.baseURL != "" && strings.HasPrefix(rawURL, f.baseURL) {
		err = f.fetchAttachment(ctx, rawURL, set)
	} else {
		err = f.download(ctx, rawURL, set)
	}
	if err != nil {
		f.logger.Warn("failed to retrieve results archive", "url", rawURL, "error", err)
		return set
	}

	r, err := set.Container.Open()
	if err != nil {
		f.logger.Warn("failed to reopen results archive", "error", err)
		return set
	}
	defer r.Close()

	f.logger.Debug("retrieved results archive", "bytes", set.Container.Size, "name", set.Container.Name)
	f.extractor.ExtractInto(ctx, r, set)
	return set
}

func (f *Fetcher) download(ctx context.Context, rawURL string, set *archive.ArtifactSet) error {
	resp, err := f.client.R().SetContext(ctx).SetDoNotParseResponse(true).Get(rawURL)
	if err != nil {
		return errors.Wrap(err, "failed to download archive")
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() != 200 {
		return errors.Newf("download returned status %d", resp.StatusCode())
	}

	final := rawURL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		final = resp.RawResponse.Request.URL.String()
	}
	return f.spool(set, body, TarballFilename(final), resp.Header().Get("Content-Type"))
}

func (f *Fetcher) fetchAttachment(ctx context.Context, rawURL string, set *archive.ArtifactSet) error {
	if f.attachments == nil {
		return errors.New("no attachment source configured")
	}
	m := selfHostPattern.FindStringSubmatch(rawURL)
	if m == nil {
		return errors.Newf("url %q belongs to this service but is not an attachment url", rawURL)
	}
	runID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid test run id in %q", rawURL)
	}
	filename, err := url.QueryUnescape(m[2])
	if err != nil {
		return errors.Wrapf(err, "invalid filename in %q", rawURL)
	}

	r, mimeType, err := f.attachments.OpenAttachment(ctx, runID, filename)
	if err != nil {
		return err
	}
	defer r.Close()
	return f.spool(set, r, path.Base(filename), mimeType)
}

func (f *Fetcher) spool(set *archive.ArtifactSet, r io.Reader, name, mimeType string) error {
	dir, err := set.Dir(f.tempDir)
	if err != nil {
		return err
	}
	p := filepath.Join(dir, containerFile)
	out, err := os.Create(p)
	if err != nil {
		return errors.Wrap(err, "failed to create archive spool file")
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.Wrap(err, "failed to spool archive")
	}

	if mediaType, _, perr := mime.ParseMediaType(mimeType); perr != nil || mediaType == "application/octet-stream" {
		mimeType = ""
	}
	if mimeType == "" {
		if detected, err := mimetype.DetectFile(p); err == nil {
			mimeType = detected.String()
		}
	}

	container, err := archive.NewFileArtifact(p, name, mimeType)
	if err != nil {
		return err
	}
	set.Container = container
	return nil
}

// TarballFilename extracts a "*.tar.xz" file name from the path of rawURL,
// or failing that from any of its query values. It returns "" when none
// matches.
func TarballFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if m := tarballPattern.FindStringSubmatch(path.Base(u.Path)); m != nil {
		return m[1]
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if tarballPattern.MatchString(v) {
				return v
			}
		}
	}
	return ""
}
