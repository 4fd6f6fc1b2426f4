package postprocess

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// Attachments keeps run attachments in blob storage and indexes them in the
// store. It serves self-hosted archive references to the lava fetcher.
type Attachments struct {
	store *store.Store
	blobs storage.Storage
}

// NewAttachments creates an attachment store.
func NewAttachments(s *store.Store, blobs storage.Storage) *Attachments {
	return &Attachments{store: s, blobs: blobs}
}

// Save uploads a and records it under a.Filename, replacing any previous
// attachment of that name.
func (a *Attachments) Save(ctx context.Context, runID int64, att archive.Attachment) error {
	r, err := att.Artifact.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	key := storage.ObjectKey{Kind: storage.KindAttachment, RunID: runID, Name: att.Filename}
	if err := a.blobs.Put(ctx, key, r, att.Artifact.Size, att.MimeType); err != nil {
		return errors.Wrapf(err, "failed to upload attachment %s", att.Filename)
	}

	return a.store.SaveAttachment(ctx, &store.Attachment{
		TestRunID:  runID,
		Filename:   att.Filename,
		MimeType:   att.MimeType,
		Length:     att.Artifact.Size,
		StorageKey: storage.FormatObjectPath(key),
	})
}

// OpenAttachment returns the contents and MIME type of a stored attachment.
func (a *Attachments) OpenAttachment(ctx context.Context, runID int64, filename string) (io.ReadCloser, string, error) {
	rec, err := a.store.LoadAttachment(ctx, runID, filename)
	if err != nil {
		return nil, "", err
	}
	r, err := a.blobs.Open(ctx, storage.ObjectKey{Kind: storage.KindAttachment, RunID: runID, Name: filename})
	if err != nil {
		return nil, "", err
	}
	return r, rec.MimeType, nil
}

// AttachmentBaseURL is the public URL under which the attachments of a run
// are served.
func AttachmentBaseURL(baseURL string, rc *store.RunContext) string {
	return fmt.Sprintf("%s/%s/%s/build/%s/attachments/testrun/%d",
		strings.TrimRight(baseURL, "/"), rc.Project.GroupSlug, rc.Project.Slug, rc.Build.Version, rc.Run.ID)
}

// ConvertPaths points the stylesheet reference of the report, and the css
// and logo references of the stylesheet, at their stored attachments.
func ConvertPaths(set *archive.ArtifactSet, base string) error {
	if set.Report != nil {
		r := strings.NewReplacer("compatibility_result.xsl", base+"/compatibility_result.xsl")
		if err := set.Report.Rewrite(r); err != nil {
			return err
		}
	}
	if set.Stylesheet != nil {
		r := strings.NewReplacer(
			"compatibility_result.css", base+"/compatibility_result.css",
			"logo.png", base+"/logo.png",
		)
		if err := set.Stylesheet.Rewrite(r); err != nil {
			return err
		}
	}
	return nil
}
