package lava

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"gopkg.in/yaml.v3"
)

// FaultError is an XML-RPC fault returned by the server.
type FaultError struct {
	Code    int
	Message string
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("xml-rpc fault %d: %s", e.Code, e.Message)
}

type methodCall struct {
	XMLName xml.Name `xml:"methodCall"`
	Method  string   `xml:"methodName"`
	Params  []param  `xml:"params>param"`
}

type methodResponse struct {
	Params []param `xml:"params>param"`
	Fault  *struct {
		Value value `xml:"value"`
	} `xml:"fault"`
}

type param struct {
	Value value `xml:"value"`
}

type value struct {
	String  *string  `xml:"string,omitempty"`
	Int     *int     `xml:"int,omitempty"`
	I4      *int     `xml:"i4,omitempty"`
	Members []member `xml:"struct>member,omitempty"`
	Text    string   `xml:",chardata"`
}

type member struct {
	Name  string `xml:"name"`
	Value value  `xml:"value"`
}

func (v value) str() string {
	if v.String != nil {
		return *v.String
	}
	return strings.TrimSpace(v.Text)
}

func (v value) integer() int {
	switch {
	case v.Int != nil:
		return *v.Int
	case v.I4 != nil:
		return *v.I4
	}
	return 0
}

func newValue(arg any) value {
	switch a := arg.(type) {
	case int:
		return value{Int: &a}
	case string:
		return value{String: &a}
	default:
		s := fmt.Sprint(a)
		return value{String: &s}
	}
}

// rpc is a minimal XML-RPC client for methods returning one string.
type rpc struct {
	client  *resty.Client
	backend Backend
}

func (c *rpc) call(ctx context.Context, method string, args ...any) (string, error) {
	req := methodCall{Method: method}
	for _, a := range args {
		req.Params = append(req.Params, param{Value: newValue(a)})
	}
	body, err := xml.Marshal(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode %s", method)
	}

	resp, err := c.backend.authorize(c.client.R().SetContext(ctx)).
		SetHeader("Content-Type", "text/xml").
		SetBody(append([]byte(xml.Header), body...)).
		Post(c.backend.URL)
	if err != nil {
		return "", errors.Mark(errors.Wrapf(err, "failed to call %s", method), ErrUnavailable)
	}
	if !resp.IsSuccess() {
		return "", errors.Mark(errors.Newf("%s returned status %d", method, resp.StatusCode()), ErrUnavailable)
	}

	var out methodResponse
	if err := xml.NewDecoder(bytes.NewReader(resp.Body())).Decode(&out); err != nil {
		return "", &ParseError{What: method + " response", Err: err}
	}
	if out.Fault != nil {
		f := &FaultError{}
		for _, m := range out.Fault.Value.Members {
			switch m.Name {
			case "faultCode":
				f.Code = m.Value.integer()
			case "faultString":
				f.Message = m.Value.str()
			}
		}
		return "", f
	}
	if len(out.Params) == 0 {
		return "", &ParseError{What: method + " response", Err: errors.New("no return value")}
	}
	return out.Params[0].Value.str(), nil
}

type rpcSuite struct {
	Name string `yaml:"name"`
}

type rpcResult struct {
	Name     string `yaml:"name"`
	Result   string `yaml:"result"`
	Metadata any    `yaml:"metadata"`
}

// rpcLookup walks the suites of job with offset pagination. The first
// test-attachment record decides the outcome.
func rpcLookup(ctx context.Context, c *rpc, logger *slog.Logger, job, suiteName string) (Lookup, error) {
	raw, err := c.call(ctx, "results.get_testjob_suites_list_yaml", job)
	if err != nil {
		return Lookup{}, err
	}
	var suites []rpcSuite
	if err := yaml.Unmarshal([]byte(raw), &suites); err != nil {
		return Lookup{}, &ParseError{What: "suite list", Err: err}
	}
	if len(suites) == 0 {
		return Lookup{Status: LookupNoData}, nil
	}

	for _, s := range suites {
		if !strings.Contains(s.Name, suiteName) {
			continue
		}

		var previous string
		for offset := 0; ; offset += pageLimit {
			raw, err := c.call(ctx, "results.get_testsuite_results_yaml", job, s.Name, pageLimit, offset)
			if err != nil {
				return Lookup{}, err
			}
			if offset > 0 && raw == previous {
				logger.Warn("result pagination made no progress", "suite", s.Name, "offset", offset)
				break
			}
			previous = raw

			var results []rpcResult
			if err := yaml.Unmarshal([]byte(raw), &results); err != nil {
				return Lookup{}, &ParseError{What: "suite results", Err: err}
			}
			if len(results) == 0 {
				if offset == 0 {
					return Lookup{Status: LookupNoData}, nil
				}
				break
			}

			for _, r := range results {
				if r.Name != attachmentTest {
					continue
				}
				ref, err := metadataReference(r.Metadata)
				if err != nil {
					return Lookup{}, err
				}
				if r.Result == "pass" && ref != "" {
					return Lookup{Status: LookupFound, URL: ref}, nil
				}
				return Lookup{Status: LookupNotFound}, nil
			}
		}
	}
	return Lookup{Status: LookupNotFound}, nil
}

func metadataReference(metadata any) (string, error) {
	switch m := metadata.(type) {
	case map[string]any:
		ref, _ := m["reference"].(string)
		return ref, nil
	case string:
		return reference(m)
	default:
		return "", nil
	}
}
