package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

type entry struct {
	name string
	body string
}

func buildTar(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "android-cts/results/", Typeflag: tar.TypeDir, Mode: 0o755}))
	for _, e := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, c Compression, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch c {
	case CompressionXZ:
		w, err = xz.NewWriter(&buf)
	case CompressionGzip:
		w = gzip.NewWriter(&buf)
	case CompressionZstd:
		w, err = zstd.NewWriter(&buf)
	default:
		return data
	}
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func read(t *testing.T, a *Artifact) string {
	t.Helper()
	require.NotNil(t, a)
	rc, err := a.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func fullArchive(t *testing.T) []byte {
	return buildTar(t,
		entry{"android-cts/results/2024.01.01/test_result.xml", "<Result/>"},
		entry{"android-cts/results/2024.01.01/compatibility_result.xsl", `<xsl href="compatibility_result.css"/>`},
		entry{"android-cts/results/2024.01.01/compatibility_result.css", "body{}"},
		entry{"android-cts/results/2024.01.01/logo.png", "PNG"},
		entry{"tradefed-stdout.txt", "stdout"},
		entry{"tradefed-logcat.txt", "logcat"},
	)
}

func TestExtract_Compressions(t *testing.T) {
	tests := []Compression{CompressionNone, CompressionXZ, CompressionGzip, CompressionZstd}

	for _, c := range tests {
		t.Run(string(c), func(t *testing.T) {
			data := compress(t, c, fullArchive(t))
			assert.Equal(t, c, Detect(data))

			set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(data))
			defer set.Close()

			assert.Equal(t, "<Result/>", read(t, set.Report))
			assert.Equal(t, "test_result.xml", set.Report.Name)
			assert.Equal(t, int64(len("<Result/>")), set.Report.Size)
			assert.Equal(t, "body{}", read(t, set.CSS))
			assert.Equal(t, "PNG", read(t, set.Logo))
			assert.Equal(t, "stdout", read(t, set.Stdout))
			assert.Equal(t, "logcat", read(t, set.Logcat))
			assert.NotNil(t, set.Stylesheet)
		})
	}
}

func TestExtract_FirstMatchWins(t *testing.T) {
	data := buildTar(t,
		entry{"a/test_result.xml", "first"},
		entry{"b/test_result.xml", "second"},
	)
	set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(data))
	defer set.Close()

	assert.Equal(t, "first", read(t, set.Report))
	assert.Nil(t, set.Logo)
}

func TestExtract_Degrades(t *testing.T) {
	full := compress(t, CompressionXZ, fullArchive(t))

	tests := []struct {
		name      string
		data      []byte
		wantEmpty bool
	}{
		{name: "zero bytes", data: nil, wantEmpty: true},
		{name: "not a tar", data: []byte(strings.Repeat("not an archive at all ", 64)), wantEmpty: true},
		{name: "gzip header only", data: []byte{0x1f, 0x8b, 0x08}, wantEmpty: true},
		// Members decoded before the cut may survive; the rest must not.
		{name: "truncated xz", data: full[:len(full)/3]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(tt.data))
			require.NotNil(t, set)
			defer set.Close()
			if tt.wantEmpty {
				assert.True(t, set.Empty())
			}
			assert.Nil(t, set.Logcat)
		})
	}
}

func TestExtract_CloseRemovesFiles(t *testing.T) {
	set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(fullArchive(t)))
	path := set.Report.Path()
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, set.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestAttachments(t *testing.T) {
	set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(fullArchive(t)))
	defer set.Close()
	set.Container = &Artifact{}

	var names, mimes []string
	for _, a := range set.Attachments() {
		names = append(names, a.Filename)
		mimes = append(mimes, a.MimeType)
	}
	assert.Equal(t, []string{
		"test_results.xml",
		"compatibility_result.xsl",
		"compatibility_result.css",
		"logo.png",
		"tradefed_stdout.txt",
		"tradefed_logcat.txt",
		"tradefed.tar.gz",
	}, names)
	assert.Equal(t, "application/xslt+xml", mimes[1])
	assert.Equal(t, "application/x-tar", mimes[6])
}

func TestArtifact_Rewrite(t *testing.T) {
	set := NewExtractor(WithTempDir(t.TempDir())).Extract(context.Background(), bytes.NewReader(fullArchive(t)))
	defer set.Close()

	r := strings.NewReplacer("compatibility_result.css", "https://example.com/attachments/testrun/1?filename=compatibility_result.css")
	require.NoError(t, set.Stylesheet.Rewrite(r))

	got := read(t, set.Stylesheet)
	assert.Equal(t, `<xsl href="https://example.com/attachments/testrun/1?filename=compatibility_result.css"/>`, got)
	assert.Equal(t, int64(len(got)), set.Stylesheet.Size)
}
