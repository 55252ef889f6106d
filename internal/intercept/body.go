package intercept

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/apiforward/apiforward/internal/transform"
)

func readRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func setRequestBody(req *http.Request, body []byte) {
	if body == nil {
		req.Body = nil
		req.GetBody = nil
		req.ContentLength = 0
		return
	}
	req.ContentLength = int64(len(body))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
}

// rewriteRequest builds the outgoing request from a pipeline result. The
// original request is not modified. A result URL that does not parse
// keeps the original URL.
func rewriteRequest(req *http.Request, res transform.RequestResult, bodyRead bool) *http.Request {
	out := req.Clone(req.Context())
	if u, err := url.Parse(res.URL); err == nil && u.Host != "" {
		out.URL = u
		if u.Host != req.URL.Host {
			out.Host = u.Host
		}
	}
	out.Header = res.Header
	if host := out.Header.Get("Host"); host != "" {
		out.Host = host
		out.Header.Del("Host")
	}
	if bodyRead {
		setRequestBody(out, res.Body)
	}
	return out
}

// captureResponse reads up to MaxCaptureBytes of the body for logging and
// stitches the read part back in front of the rest.
func captureResponse(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, nil
	}
	head, err := io.ReadAll(io.LimitReader(resp.Body, transform.MaxCaptureBytes))
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.Body = &stitchedBody{Reader: io.MultiReader(bytes.NewReader(head), resp.Body), Closer: resp.Body}
	return head, nil
}

type stitchedBody struct {
	io.Reader
	io.Closer
}

// readAllResponse replaces the body with an in-memory copy.
func readAllResponse(resp *http.Response) ([]byte, error) {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil, nil
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

func replaceResponse(resp *http.Response, r transform.Response) {
	resp.Header = r.Header
	resp.Header.Del("Content-Encoding")
	resp.Header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	resp.ContentLength = int64(len(r.Body))
	resp.Uncompressed = true
	resp.Body = io.NopCloser(bytes.NewReader(r.Body))
}

func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if s := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
