package lava

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"
)

// attachmentTest is the LAVA test whose metadata references the archive.
const attachmentTest = "test-attachment"

// pageLimit is the page size requested from both APIs.
const pageLimit = 500

type page struct {
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}

type restSuite struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

type restTest struct {
	ID       json.Number `json:"id"`
	Name     string      `json:"name"`
	Result   string      `json:"result"`
	Metadata string      `json:"metadata"`
}

// walker follows cursor pagination of the REST API.
type walker struct {
	client  *resty.Client
	backend Backend
	logger  *slog.Logger
}

// walk fetches every page starting at first and calls fn for each item
// until fn returns false. A failing first page is ErrUnavailable; a failing
// later page ends the walk with the items seen so far. Revisited cursors
// and pages that add nothing new also end it.
func (w *walker) walk(ctx context.Context, first string, fn func(json.RawMessage) (bool, error)) error {
	visited := map[string]bool{}
	seen := map[string]bool{}
	next := first

	for pageNum := 0; next != ""; pageNum++ {
		if visited[next] {
			w.logger.Warn("pagination cycle detected", "url", next)
			return nil
		}
		visited[next] = true

		resp, err := w.backend.authorize(w.client.R().SetContext(ctx)).Get(next)
		if err != nil || !resp.IsSuccess() {
			if err == nil {
				err = errors.Newf("status %d", resp.StatusCode())
			}
			if pageNum == 0 {
				return errors.Mark(errors.Wrapf(err, "failed to get %s", next), ErrUnavailable)
			}
			w.logger.Warn("stopping pagination after failed page", "url", next, "error", err)
			return nil
		}

		var p page
		if err := json.Unmarshal(resp.Body(), &p); err != nil {
			return &ParseError{What: "page " + next, Err: err}
		}

		fresh := 0
		for _, item := range p.Results {
			key := string(item)
			if seen[key] {
				continue
			}
			seen[key] = true
			fresh++

			more, err := fn(item)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
		}
		if fresh == 0 && pageNum > 0 {
			w.logger.Warn("pagination made no progress", "url", next)
			return nil
		}

		next = ""
		if p.Next != nil {
			next = *p.Next
		}
	}
	return nil
}

// restLookup searches the suites of job whose name contains suiteName.
func restLookup(ctx context.Context, w *walker, job, suiteName string) (Lookup, error) {
	base, err := w.backend.APIBase()
	if err != nil {
		return Lookup{}, err
	}

	var suites []restSuite
	suitesURL := base + "jobs/" + url.PathEscape(job) + "/suites/?name__contains=" + url.QueryEscape(suiteName)
	err = w.walk(ctx, suitesURL, func(raw json.RawMessage) (bool, error) {
		var s restSuite
		if err := json.Unmarshal(raw, &s); err != nil {
			return false, &ParseError{What: "suite", Err: err}
		}
		if strings.Contains(s.Name, suiteName) {
			suites = append(suites, s)
		}
		return true, nil
	})
	if err != nil {
		return Lookup{}, err
	}
	if len(suites) == 0 {
		return Lookup{Status: LookupNoData}, nil
	}

	for _, s := range suites {
		testsURL := base + "jobs/" + url.PathEscape(job) + "/suites/" + s.ID.String() +
			"/tests/?name=" + attachmentTest + "&limit=" + strconv.Itoa(pageLimit)

		var found string
		err := w.walk(ctx, testsURL, func(raw json.RawMessage) (bool, error) {
			var t restTest
			if err := json.Unmarshal(raw, &t); err != nil {
				return false, &ParseError{What: "test", Err: err}
			}
			if t.Name != attachmentTest || t.Result != "pass" {
				return true, nil
			}
			ref, err := reference(t.Metadata)
			if err != nil {
				return false, err
			}
			if ref == "" {
				return true, nil
			}
			found = ref
			return false, nil
		})
		if errors.Is(err, ErrUnavailable) {
			// One suite failing does not hide the others.
			w.logger.Warn("failed to list suite tests", "suite", s.Name, "error", err)
			continue
		}
		if err != nil {
			return Lookup{}, err
		}
		if found != "" {
			return Lookup{Status: LookupFound, URL: found}, nil
		}
	}
	return Lookup{Status: LookupNotFound}, nil
}

// reference extracts metadata.reference from a YAML metadata document.
func reference(metadata string) (string, error) {
	if strings.TrimSpace(metadata) == "" {
		return "", nil
	}
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(metadata), &doc); err != nil {
		return "", &ParseError{What: "test metadata", Err: err}
	}
	ref, _ := doc["reference"].(string)
	return ref, nil
}
