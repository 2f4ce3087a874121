// Package executor builds and sends a single probe HTTP request as
// described by a routeconfig.RouteConfig, classifying the outcome into a
// resultstore.ResultRecord.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/getmockd/httpmon/pkg/jsonpath"
	"github.com/getmockd/httpmon/pkg/logging"
	"github.com/getmockd/httpmon/pkg/resultstore"
	"github.com/getmockd/httpmon/pkg/routeconfig"
	"github.com/getmockd/httpmon/pkg/tracing"
)

// Executor sends probe requests built from a RouteConfig.
type Executor struct {
	Logger *slog.Logger
	Tracer *tracing.Tracer

	clients map[tlsKey]*http.Client
}

type tlsKey struct {
	verify   bool
	caBundle string
}

// New creates an Executor. A nil logger falls back to a no-op logger.
func New(logger *slog.Logger, tracer *tracing.Tracer) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{Logger: logger, Tracer: tracer, clients: make(map[tlsKey]*http.Client)}
}

// part is a single multipart form part: either a file attachment or a
// pre-built JSON part.
type part struct {
	fieldName   string
	filename    string
	contentType string
	data        []byte
}

// ExecuteOnce sends a single HTTP request for route, resolving every
// templated field against respCtx (the parent chain's JSON response, or
// nil for a root probe). It returns the result record, the parsed JSON
// body (if any), and whether a response was received at all (as opposed
// to a transport-level failure).
func (e *Executor) ExecuteOnce(ctx context.Context, route *routeconfig.RouteConfig, respCtx any) (resultstore.ResultRecord, any, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	checkedAt := start.UTC()

	resolvedURL := resolveText(route.URL, respCtx)
	resolvedData := jsonpath.Resolve(route.Data, respCtx)
	resolvedJSON := jsonpath.Resolve(route.JSONBody, respCtx)
	resolvedParams := resolveMap(route.Params, respCtx)
	resolvedHeaders := resolveHeaders(route.Headers, respCtx)

	if resolvedJSON != nil && route.JSONQueryParam != "" {
		if resolvedParams == nil {
			resolvedParams = map[string]any{}
		}
		resolvedParams[route.JSONQueryParam] = encodeJSONField(resolvedJSON, route.EncodingJSON)
		resolvedJSON = nil
	}

	var parts []part
	var buildErr error
	if route.FileUpload != nil {
		p, err := buildFilePart(route.FileUpload, route.EncodingFile)
		if err != nil {
			buildErr = err
		} else {
			parts = append(parts, p)
		}
	}
	for _, f := range route.MultipartJSONFields {
		payload := jsonpath.Resolve(f.Payload, respCtx)
		encoding := f.Encoding
		if encoding == "" {
			encoding = route.EncodingJSON
		}
		parts = append(parts, buildJSONPart(f.FieldName, payload, encoding))
	}
	if len(parts) > 0 && resolvedJSON != nil {
		fieldName := route.MultipartJSONField
		if fieldName == "" {
			fieldName = "json"
		}
		if partFieldExists(parts, fieldName) {
			e.Logger.Debug("multipart field already present, overwriting with JSON part", "field", fieldName)
			parts = removePart(parts, fieldName)
		}
		parts = append(parts, buildJSONPart(fieldName, resolvedJSON, route.EncodingJSON))
		resolvedJSON = nil
	}
	if len(parts) > 0 && len(resolvedHeaders) > 0 {
		resolvedHeaders = dropContentType(resolvedHeaders, e.Logger)
	}

	result := resultstore.ResultRecord{
		Name:      route.Name,
		URL:       resolvedURL,
		Method:    route.Method,
		Tags:      route.Tags,
		CheckedAt: checkedAt,
	}

	if buildErr != nil {
		result.OK = false
		result.Error = buildErr.Error()
		result.ResponseTimeMS = roundMS(time.Since(start))
		return result, nil, false
	}

	req, err := e.buildRequest(route, resolvedURL, resolvedData, resolvedJSON, resolvedParams, resolvedHeaders, parts)
	if err != nil {
		result.OK = false
		result.Error = err.Error()
		result.ResponseTimeMS = roundMS(time.Since(start))
		return result, nil, false
	}

	spanCtx, span := e.startSpan(ctx, route)
	req = req.WithContext(spanCtx)
	tracing.Inject(spanCtx, req.Header)

	client := e.clientFor(route)
	resp, err := client.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		if span != nil {
			span.SetStatus(tracing.StatusError, err.Error())
			span.End()
		}
		result.OK = false
		result.Error = err.Error()
		result.ResponseTimeMS = roundMS(elapsed)
		return result, nil, false
	}
	defer resp.Body.Close()

	bodyBytes, _ := io.ReadAll(resp.Body)
	bodyExcerpt, truncated := safeBody(bodyBytes, route.BodyMaxChars)
	parsedJSON := safeJSON(bodyBytes)

	ok := resp.StatusCode >= 200 && resp.StatusCode < 400
	if span != nil {
		span.SetAttribute("http.status_code", fmt.Sprint(resp.StatusCode))
		if ok {
			span.SetStatus(tracing.StatusOK, "")
		} else {
			span.SetStatus(tracing.StatusError, resp.Status)
		}
		span.End()
	}

	result.StatusCode = resp.StatusCode
	result.Reason = http.StatusText(resp.StatusCode)
	result.OK = ok
	result.BodyExcerpt = bodyExcerpt
	result.BodyTruncated = truncated
	result.ResponseTimeMS = roundMS(elapsed)

	return result, parsedJSON, true
}

func (e *Executor) startSpan(ctx context.Context, route *routeconfig.RouteConfig) (context.Context, *tracing.Span) {
	if e.Tracer == nil {
		return ctx, nil
	}
	spanCtx, span := e.Tracer.Start(ctx, "probe "+route.Name)
	span.SetKind(tracing.SpanKindClient)
	span.SetAttribute("http.method", route.Method)
	span.SetAttribute("http.url", route.URL)
	return spanCtx, span
}

func (e *Executor) buildRequest(route *routeconfig.RouteConfig, rawURL string, data any, jsonBody any, params map[string]any, headers map[string]string, parts []part) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("executor: invalid url %q: %w", rawURL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	contentType := ""

	switch {
	case len(parts) > 0:
		buf := &bytes.Buffer{}
		w := multipart.NewWriter(buf)
		for _, p := range parts {
			if err := writePart(w, p); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("executor: close multipart writer: %w", err)
		}
		body = buf
		contentType = w.FormDataContentType()
	case jsonBody != nil:
		b, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, fmt.Errorf("executor: marshal json body: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	case data != nil:
		switch d := data.(type) {
		case string:
			body = strings.NewReader(d)
		case []byte:
			body = bytes.NewReader(d)
		default:
			body = strings.NewReader(fmt.Sprint(d))
		}
	}

	req, err := http.NewRequest(route.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	if route.BasicAuth != nil {
		req.SetBasicAuth(route.BasicAuth.Username, route.BasicAuth.Password)
	}
	return req, nil
}

func writePart(w *multipart.Writer, p part) error {
	pw, err := w.CreatePart(multipartHeader(p.fieldName, p.filename, p.contentType))
	if err != nil {
		return fmt.Errorf("executor: create part %s: %w", p.fieldName, err)
	}
	_, err = pw.Write(p.data)
	return err
}

func (e *Executor) clientFor(route *routeconfig.RouteConfig) *http.Client {
	key := tlsKey{verify: route.VerifySSL, caBundle: route.CABundle}
	if c, ok := e.clients[key]; ok {
		c.Timeout = durationSeconds(route.Timeout)
		return c
	}

	tlsConfig := &tls.Config{InsecureSkipVerify: !route.VerifySSL}
	if route.CABundle != "" {
		pem, err := os.ReadFile(expandHome(route.CABundle))
		if err != nil {
			e.Logger.Warn("custom CA bundle not found, falling back to verify_ssl", "path", route.CABundle, "verify_ssl", route.VerifySSL)
		} else {
			pool := x509.NewCertPool()
			if pool.AppendCertsFromPEM(pem) {
				tlsConfig.RootCAs = pool
				tlsConfig.InsecureSkipVerify = false
			}
		}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}
	client := &http.Client{
		Transport: transport,
		Timeout:   durationSeconds(route.Timeout),
	}
	if !route.AllowRedirs {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	e.clients[key] = client
	return client
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// roundMS converts d to milliseconds rounded to two decimal places, the
// precision the result store's response_time_ms field is documented to.
func roundMS(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000*100) / 100
}

func safeBody(body []byte, maxChars int) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	if !utf8.Valid(body) {
		return "<binary content>", false
	}
	text := string(body)
	if maxChars < 1 {
		maxChars = 1
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text, false
	}
	return string(runes[:maxChars]) + "...", true
}

func safeJSON(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil
	}
	return v
}

func resolveText(s string, respCtx any) string {
	v := jsonpath.Resolve(s, respCtx)
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

func resolveMap(m map[string]any, respCtx any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = jsonpath.Resolve(v, respCtx)
	}
	return out
}

func resolveHeaders(m map[string]string, respCtx any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved := jsonpath.Resolve(v, respCtx)
		if s, ok := resolved.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(resolved)
		}
	}
	return out
}

func dropContentType(headers map[string]string, logger *slog.Logger) map[string]string {
	out := make(map[string]string, len(headers))
	removed := false
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			removed = true
			continue
		}
		out[k] = v
	}
	if removed {
		logger.Debug("dropped Content-Type header: multipart writer sets its own boundary")
	}
	return out
}

func expandHome(p string) string {
	if p == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			return home
		}
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}
