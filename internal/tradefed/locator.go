package tradefed

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/beevik/etree"
	"github.com/cockroachdb/errors"
)

// Target is a recorded test whose log should be looked up in a report.
type Target struct {
	ID    int64
	Suite string
	Name  string
}

// UpdateFunc stores the stack trace found for a target.
type UpdateFunc func(ctx context.Context, target Target, log string) error

// Locator finds stack traces of individual tests in a fully parsed report.
type Locator struct {
	logger *slog.Logger
}

// NewLocator creates a Locator.
func NewLocator(logger *slog.Logger) *Locator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locator{logger: logger}
}

// LocateLogs parses report and calls update for every target whose test
// carries a non-empty stack trace. Targets without a match are left alone.
func LocateLogs(ctx context.Context, report io.Reader, targets []Target, update UpdateFunc) error {
	return NewLocator(nil).LocateLogs(ctx, report, targets, update)
}

// LocateLogs parses report and calls update for every target whose test
// carries a non-empty stack trace. Targets without a match are left alone.
func (l *Locator) LocateLogs(ctx context.Context, report io.Reader, targets []Target, update UpdateFunc) error {
	if len(targets) == 0 {
		return nil
	}

	doc := etree.NewDocument()
	if _, err := doc.ReadFrom(report); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to parse report"), ErrMalformedReport)
	}

	idx := newTreeIndex(doc)
	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}

		node := idx.find(target, l.logger)
		if node == nil {
			continue
		}

		trace := node.FindElement(".//StackTrace")
		if trace == nil || trace.Text() == "" {
			l.logger.Debug("test has no stack trace", "suite", target.Suite, "name", target.Name)
			continue
		}

		if err := update(ctx, target, trace.Text()); err != nil {
			return errors.Wrapf(err, "failed to update log of %s/%s", target.Suite, target.Name)
		}
	}

	return nil
}

type moduleKey struct {
	name string
	abi  string
}

// treeIndex caches module and per-module test lookups over a parsed report.
type treeIndex struct {
	byName    map[string]*etree.Element
	byNameABI map[moduleKey]*etree.Element
	tests     map[*etree.Element]map[string]*etree.Element
}

func newTreeIndex(doc *etree.Document) *treeIndex {
	idx := &treeIndex{
		byName:    make(map[string]*etree.Element),
		byNameABI: make(map[moduleKey]*etree.Element),
		tests:     make(map[*etree.Element]map[string]*etree.Element),
	}
	for _, m := range doc.FindElements("//Module") {
		name := m.SelectAttrValue("name", "")
		if _, ok := idx.byName[name]; !ok {
			idx.byName[name] = m
		}
		key := moduleKey{name: name, abi: m.SelectAttrValue("abi", "")}
		if _, ok := idx.byNameABI[key]; !ok {
			idx.byNameABI[key] = m
		}
	}
	return idx
}

// module returns the <Module> a suite path points at. The second path segment
// is the module id, "{abi}.{name}" or "{name}".
func (idx *treeIndex) module(suiteParts []string) *etree.Element {
	moduleID := suiteParts[1]
	if abi, name, ok := strings.Cut(moduleID, "."); ok {
		return idx.byNameABI[moduleKey{name: name, abi: abi}]
	}
	return idx.byName[moduleID]
}

// test returns the first <Test> named name below module.
func (idx *treeIndex) test(module *etree.Element, name string) *etree.Element {
	tests, ok := idx.tests[module]
	if !ok {
		tests = make(map[string]*etree.Element)
		for _, t := range module.FindElements(".//Test") {
			n := t.SelectAttrValue("name", "")
			if _, seen := tests[n]; !seen {
				tests[n] = t
			}
		}
		idx.tests[module] = tests
	}
	return tests[name]
}

func (idx *treeIndex) find(target Target, logger *slog.Logger) *etree.Element {
	suiteParts := strings.Split(target.Suite, "/")
	if len(suiteParts) < 2 {
		return nil
	}

	module := idx.module(suiteParts)
	if module == nil {
		logger.Debug("module not present in report", "suite", target.Suite)
		return nil
	}

	nameParts := strings.Split(target.Name, ".")
	for _, candidate := range candidateNames(suiteParts, nameParts) {
		if node := idx.test(module, candidate); node != nil {
			return node
		}
	}
	return nil
}

// candidateNames lists the <Test> names to try, in order:
//  1. the last segment of the test name;
//  2. the test name without its test case segment;
//  3. every suffix of the suite path tail, split on ".", followed by the full
//     test name, joined with "." and then with "/".
func candidateNames(suiteParts, nameParts []string) []string {
	candidates := []string{nameParts[len(nameParts)-1]}
	if len(nameParts) > 1 {
		candidates = append(candidates, strings.Join(nameParts[1:], "."))
	}

	if len(suiteParts) < 3 {
		return candidates
	}

	tail := strings.Split(strings.Join(suiteParts[2:], "/"), ".")
	name := strings.Join(nameParts, ".")
	for _, sep := range []string{".", "/"} {
		for i := range tail {
			candidates = append(candidates, strings.Join(tail[i:], ".")+sep+name)
		}
	}
	return candidates
}
