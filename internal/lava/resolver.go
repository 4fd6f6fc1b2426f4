package lava

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
)

// LookupStatus is the outcome of searching a job for its results archive.
type LookupStatus int

const (
	// LookupNotFound means the job was searched and references no archive.
	LookupNotFound LookupStatus = iota

	// LookupNoData means the job has no matching suites or results at all.
	LookupNoData

	// LookupFound means URL references the archive.
	LookupFound
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupNoData:
		return "no_data"
	default:
		return "not_found"
	}
}

// Lookup is the result of a search.
type Lookup struct {
	Status LookupStatus
	URL    string
}

// Resolver finds and downloads the results archive of LAVA jobs on one backend.
type Resolver struct {
	backend Backend
	client  *resty.Client
	fetcher *Fetcher
	logger  *slog.Logger
}

// NewResolver creates a resolver for backend. Archives are downloaded
// with fetcher.
func NewResolver(backend Backend, fetcher *Fetcher, cfg ClientConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := "rest"
	if backend.UseXMLRPC {
		api = "xmlrpc"
	}
	return &Resolver{
		backend: backend,
		client:  newHTTPClient(cfg, api),
		fetcher: fetcher,
		logger:  logger.With("backend", backend.URL),
	}
}

// Lookup searches job for the archive of the suite whose name contains
// suiteName. The search stops at the first match.
func (r *Resolver) Lookup(ctx context.Context, job, suiteName string) (Lookup, error) {
	r.logger.Debug("looking up results archive", "job", job, "suite", suiteName)
	if r.backend.UseXMLRPC {
		return rpcLookup(ctx, &rpc{client: r.client, backend: r.backend}, r.logger, job, suiteName)
	}
	return restLookup(ctx, &walker{client: r.client, backend: r.backend, logger: r.logger}, job, suiteName)
}

// ResolveArtifact looks up and downloads the results archive of job.
// It returns ErrNotFound when the job references none. A download that
// fails yields an empty set rather than an error; its Source is still set.
func (r *Resolver) ResolveArtifact(ctx context.Context, job, suiteName string) (*archive.ArtifactSet, error) {
	lookup, err := r.Lookup(ctx, job, suiteName)
	if err != nil {
		metrics.ResolveTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ResolveTotal.WithLabelValues(lookup.Status.String()).Inc()

	if lookup.Status != LookupFound {
		r.logger.Info("no results archive referenced", "job", job, "suite", suiteName, "status", lookup.Status)
		return nil, errors.Wrapf(ErrNotFound, "job %s", job)
	}

	r.logger.Info("results archive found", "job", job, "url", lookup.URL)
	return r.fetcher.Fetch(ctx, lookup.URL), nil
}
