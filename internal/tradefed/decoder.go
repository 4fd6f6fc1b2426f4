package tradefed

import (
	"context"
	"encoding/xml"
	"io"
	"iter"
	"log/slog"

	"github.com/cockroachdb/errors"
)

// ErrMalformedReport wraps XML syntax errors found while decoding a report.
var ErrMalformedReport = errors.New("malformed tradefed report")

// SuiteRegistry resolves a suite slug to a persisted suite, creating it when needed.
// Implementations must be idempotent.
type SuiteRegistry interface {
	EnsureSuite(ctx context.Context, slug string) (int64, error)
}

// Correlator is notified of every assumption failure seen while decoding.
type Correlator interface {
	Correlate(ctx context.Context, fullName string) error
}

// Decoder walks a report token by token and groups test cases into chunks.
type Decoder struct {
	chunkSize  int
	suites     SuiteRegistry
	correlator Correlator
	logger     *slog.Logger
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithChunkSize sets the number of test cases per chunk.
func WithChunkSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// WithSuiteRegistry sets the registry called once per <Module>.
func WithSuiteRegistry(r SuiteRegistry) DecoderOption {
	return func(d *Decoder) {
		d.suites = r
	}
}

// WithCorrelator sets the correlator called for assumption failures.
func WithCorrelator(c Correlator) DecoderOption {
	return func(d *Decoder) {
		d.correlator = c
	}
}

// WithLogger sets the decoder logger.
func WithLogger(l *slog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = l
	}
}

// NewDecoder creates a Decoder.
func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		chunkSize: DefaultChunkSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// decodeState is the accumulator for one pass over a report.
type decodeState struct {
	suite   string
	suiteID int64
	inSuite bool
	pending []TestCase
	// lastTest points at the most recently opened <Test> of the last test case.
	lastTest int
}

func (s *decodeState) current() *TestCase {
	if len(s.pending) == 0 {
		return nil
	}
	return &s.pending[len(s.pending)-1]
}

func (s *decodeState) flush() Chunk {
	c := Chunk{Suite: s.suite, SuiteID: s.suiteID, Cases: s.pending}
	s.pending = nil
	s.lastTest = -1
	return c
}

// Chunks decodes r and yields chunks of at most chunkSize test cases, each
// belonging to a single suite. The sequence is single use.
//
// A decoding error is yielded once, after which the sequence ends. Test cases
// buffered at that point are discarded, so a chunk is never half built.
func (d *Decoder) Chunks(ctx context.Context, r io.Reader, prefix string) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		dec := xml.NewDecoder(r)
		st := &decodeState{lastTest: -1}

		for {
			if err := ctx.Err(); err != nil {
				yield(Chunk{}, err)
				return
			}

			tok, err := dec.Token()
			if err == io.EOF {
				break
			}
			if err != nil {
				yield(Chunk{}, errors.Mark(errors.Wrap(err, "failed to decode report"), ErrMalformedReport))
				return
			}

			start, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}

			switch start.Name.Local {
			case "Module":
				if len(st.pending) > 0 {
					if !yield(st.flush(), nil) {
						return
					}
				}

				name := attr(start, "name")
				moduleID := ModuleID(name, attr(start, "abi"))
				st.suite = SuiteSlug(prefix, moduleID)
				st.suiteID = 0
				st.inSuite = true
				st.pending = nil
				st.lastTest = -1

				d.logger.Debug("entering module", "module", moduleID, "suite", st.suite)
				if d.suites != nil {
					id, err := d.suites.EnsureSuite(ctx, st.suite)
					if err != nil {
						yield(Chunk{}, errors.Wrapf(err, "failed to ensure suite %s", st.suite))
						return
					}
					st.suiteID = id
				}

			case "TestCase":
				if !st.inSuite {
					d.logger.Warn("test case outside of a module, skipping", "test_case", attr(start, "name"))
					continue
				}
				if len(st.pending) >= d.chunkSize {
					if !yield(st.flush(), nil) {
						return
					}
				}
				st.pending = append(st.pending, TestCase{
					Name:  attr(start, "name"),
					Suite: st.suite,
				})
				st.lastTest = -1

			case "Test":
				tc := st.current()
				if tc == nil {
					continue
				}
				test := Test{
					Name:   attr(start, "name"),
					Result: ParseResult(normalizeRaw(attr(start, "result")), attr(start, "skipped") == "true"),
				}
				tc.Tests = append(tc.Tests, test)
				st.lastTest = len(tc.Tests) - 1

				if test.Result == ResultAssumptionFailure && d.correlator != nil {
					fullName := FullName(st.suite, QualifiedName(tc.Name, test.Name))
					if err := d.correlator.Correlate(ctx, fullName); err != nil {
						yield(Chunk{}, errors.Wrapf(err, "failed to correlate known issue for %s", fullName))
						return
					}
				}

			case "StackTrace":
				var trace struct {
					Text string `xml:",chardata"`
				}
				if err := dec.DecodeElement(&trace, &start); err != nil {
					yield(Chunk{}, errors.Mark(errors.Wrap(err, "failed to decode stack trace"), ErrMalformedReport))
					return
				}
				tc := st.current()
				if tc == nil || st.lastTest < 0 {
					continue
				}
				tc.Tests[st.lastTest].Log = trace.Text
			}
		}

		if len(st.pending) > 0 {
			yield(st.flush(), nil)
		}
	}
}

// attr returns the value of the named attribute, or "" if absent.
func attr(e xml.StartElement, name string) string {
	for _, a := range e.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}
