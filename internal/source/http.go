package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/metrics"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/resilience"
)

const maxResponseBytes = 16 << 20

// Response field aliases. The registry has renamed fields across API versions.
var (
	segmentListPaths   = []string{"companies", "results", "items", "data.companies", "data.results"}
	financialListPaths = []string{"financials", "statements", "periods", "data.financials", "data.periods"}

	orgnrFields     = []string{"orgnr", "orgNumber", "organisationNumber", "organizationNumber"}
	nameFields      = []string{"companyName", "name", "legalName"}
	homepageFields  = []string{"homepage", "website", "url"}
	foundedFields   = []string{"foundationYear", "founded", "establishedYear"}
	companyIDFields = []string{"companyId", "id", "company.id", "data.companyId"}
	yearFields      = []string{"year", "fiscalYear", "accountingYear"}
)

// HTTPSource implements Source against the registry's JSON endpoints.
type HTTPSource struct {
	client  *http.Client
	base    *url.URL
	cfg     config.SourceConfig
	limiter *AdaptiveLimiter
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewHTTPSource creates an HTTPSource. Zero values in cfg take defaults.
func NewHTTPSource(cfg config.SourceConfig) (*HTTPSource, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, eris.Errorf("source: invalid base url %q", cfg.BaseURL)
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "registry-cli/1.0"
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	retry.OnRetry = resilience.RetryLogger("source", base.Host)

	return &HTTPSource{
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSecs) * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				MaxConnsPerHost:     20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		base:    base,
		cfg:     cfg,
		limiter: NewAdaptiveLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: resilience.NewBreaker(base.Host, 5, 30*time.Second),
		retry:   retry,
		log:     zap.L().With(zap.String("component", "source")),
	}, nil
}

// WithRetry replaces the retry policy.
func (s *HTTPSource) WithRetry(cfg resilience.RetryConfig) *HTTPSource {
	s.retry = cfg
	return s
}

// WithMetrics counts requests and latency on m.
func (s *HTTPSource) WithMetrics(m *metrics.Metrics) *HTTPSource {
	s.metrics = m
	return s
}

// FetchSegment implements Source. Top-level filter keys become query
// parameters; arrays repeat the parameter.
func (s *HTTPSource) FetchSegment(ctx context.Context, filters json.RawMessage, page int) (SegmentPage, error) {
	key := strconv.Itoa(page)
	u, err := s.buildURL(s.cfg.SegmentPath, map[string]string{"page": key}, filterQuery(filters))
	if err != nil {
		return SegmentPage{}, &FetchError{Op: "segment", Key: key, Err: err}
	}
	body, err := s.getJSON(ctx, "segment", key, u)
	if err != nil {
		return SegmentPage{}, err
	}

	list := firstArray(body, segmentListPaths)
	out := SegmentPage{Page: page}
	list.ForEach(func(_, entry gjson.Result) bool {
		c, ok := parseCompany(entry)
		if !ok {
			s.log.Debug("segment entry without orgnr", zap.Int("page", page))
			return true
		}
		out.Companies = append(out.Companies, c)
		return true
	})

	switch more := gjson.GetBytes(body, "hasMore"); {
	case more.Exists():
		out.HasMore = more.Bool()
	case gjson.GetBytes(body, "totalPages").Exists():
		out.HasMore = page < int(gjson.GetBytes(body, "totalPages").Int())
	default:
		out.HasMore = len(out.Companies) > 0
	}
	return out, nil
}

// FetchCompany implements Source. Confidence defaults to 1 when the response
// echoes the requested orgnr and 0.5 when it names another.
func (s *HTTPSource) FetchCompany(ctx context.Context, orgnr string) (CompanyPage, error) {
	u, err := s.buildURL(s.cfg.CompanyPath, map[string]string{"orgnr": orgnr}, nil)
	if err != nil {
		return CompanyPage{}, &FetchError{Op: "company", Key: orgnr, Err: err}
	}
	body, err := s.getJSON(ctx, "company", orgnr, u)
	if err != nil {
		return CompanyPage{}, err
	}

	doc := gjson.ParseBytes(body)
	id := firstString(doc, companyIDFields)
	if id == "" {
		return CompanyPage{}, &FetchError{Op: "company", Key: orgnr, Err: eris.New("response has no company id")}
	}

	confidence := 1.0
	if echoed := cleanOrgnr(firstString(doc, orgnrFields)); echoed != "" && echoed != orgnr {
		confidence = 0.5
	}
	if c := doc.Get("confidence"); c.Exists() {
		confidence = c.Float()
	}
	return CompanyPage{Orgnr: orgnr, CompanyID: id, Confidence: confidence}, nil
}

// FetchFinancials implements Source. Entries without a year are dropped.
func (s *HTTPSource) FetchFinancials(ctx context.Context, companyID string) ([]FinancialPage, error) {
	u, err := s.buildURL(s.cfg.FinancialsPath, map[string]string{"companyId": companyID}, nil)
	if err != nil {
		return nil, &FetchError{Op: "financials", Key: companyID, Err: err}
	}
	body, err := s.getJSON(ctx, "financials", companyID, u)
	if err != nil {
		return nil, err
	}

	var pages []FinancialPage
	firstArray(body, financialListPaths).ForEach(func(_, entry gjson.Result) bool {
		fp, ok := parseFinancial(entry)
		if !ok {
			s.log.Debug("financial entry without year", zap.String("company_id", companyID))
			return true
		}
		pages = append(pages, fp)
		return true
	})
	return pages, nil
}

// getJSON performs a GET through the breaker, limiter and retry policy
// and returns a body that is valid JSON.
func (s *HTTPSource) getJSON(ctx context.Context, op, key, rawURL string) ([]byte, error) {
	if err := s.breaker.Allow(); err != nil {
		return nil, &FetchError{Op: op, Key: key, Err: err}
	}

	body, err := resilience.DoVal(ctx, s.retry, func(ctx context.Context) ([]byte, error) {
		return s.get(ctx, op, key, rawURL)
	})
	s.breaker.Record(err)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, &FetchError{Op: op, Key: key, Err: eris.New("response is not valid json")}
	}
	return body, nil
}

func (s *HTTPSource) get(ctx context.Context, op, key, rawURL string) ([]byte, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Op: op, Key: key, Err: eris.Wrap(err, "rate limiter wait")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{Op: op, Key: key, Err: eris.Wrap(err, "create request")}
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.metrics.Fetch(op, 0, time.Since(start).Seconds())
		return nil, &FetchError{Op: op, Key: key, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck
	s.metrics.Fetch(op, resp.StatusCode, time.Since(start).Seconds())

	if resp.StatusCode == http.StatusTooManyRequests {
		s.limiter.OnRateLimit()
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		cause := eris.Errorf("unexpected status from %s", req.URL.Path)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			te := resilience.NewTransientError(cause, resp.StatusCode)
			te.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
			cause = te
		}
		return nil, &FetchError{Op: op, Key: key, StatusCode: resp.StatusCode, Err: cause}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &FetchError{Op: op, Key: key, StatusCode: resp.StatusCode, Err: eris.Wrap(err, "read body")}
	}
	s.limiter.OnSuccess()
	return body, nil
}

// buildURL substitutes {name} placeholders with path-escaped values and
// resolves the result against the base URL.
func (s *HTTPSource) buildURL(tmpl string, vars map[string]string, extra url.Values) (string, error) {
	for k, v := range vars {
		tmpl = strings.ReplaceAll(tmpl, "{"+k+"}", url.PathEscape(v))
	}
	ref, err := url.Parse(tmpl)
	if err != nil {
		return "", eris.Wrapf(err, "parse path %q", tmpl)
	}
	u := s.base.ResolveReference(ref)
	if len(extra) > 0 {
		q := u.Query()
		for k, vs := range extra {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func filterQuery(filters json.RawMessage) url.Values {
	if len(filters) == 0 || !gjson.ValidBytes(filters) {
		return nil
	}
	q := url.Values{}
	gjson.ParseBytes(filters).ForEach(func(k, v gjson.Result) bool {
		switch {
		case v.IsArray():
			for _, item := range v.Array() {
				q.Add(k.String(), item.String())
			}
		case v.IsObject():
			q.Set(k.String(), v.Raw)
		case v.Type != gjson.Null:
			q.Set(k.String(), v.String())
		}
		return true
	})
	return q
}

func parseCompany(entry gjson.Result) (model.Company, bool) {
	orgnr := cleanOrgnr(firstString(entry, orgnrFields))
	if orgnr == "" {
		return model.Company{}, false
	}
	c := model.Company{
		Orgnr:       orgnr,
		CompanyName: strings.TrimSpace(firstString(entry, nameFields)),
		Revenue:     optFloat(entry.Get("revenue")),
		Profit:      optFloat(entry.Get("profit")),
		Segment:     entry.Get("segment").String(),
	}
	if hp := strings.TrimSpace(firstString(entry, homepageFields)); hp != "" {
		c.Homepage = &hp
	}
	if y := firstInt(entry, foundedFields); y > 0 {
		c.FoundationYear = &y
	}
	switch nace := entry.Get("naceCodes"); {
	case nace.IsArray():
		for _, n := range nace.Array() {
			if code := strings.TrimSpace(n.String()); code != "" {
				c.NACECodes = append(c.NACECodes, code)
			}
		}
	case entry.Get("nace").Exists():
		c.NACECodes = []string{strings.TrimSpace(entry.Get("nace").String())}
	}
	return c, true
}

func parseFinancial(entry gjson.Result) (FinancialPage, bool) {
	fp := FinancialPage{
		Period:      entry.Get("period").String(),
		PeriodStart: optDate(entry.Get("periodStart")),
		PeriodEnd:   optDate(entry.Get("periodEnd")),
		Currency:    entry.Get("currency").String(),
		Revenue:     optFloat(entry.Get("revenue")),
		Profit:      optFloat(entry.Get("profit")),
		Employees:   optFloat(entry.Get("employees")),
		Raw:         json.RawMessage(entry.Raw),
	}
	fp.Year = firstInt(entry, yearFields)
	if fp.Year == 0 && fp.PeriodEnd != nil {
		fp.Year = fp.PeriodEnd.Year()
	}
	return fp, fp.Year > 0
}

func firstArray(body []byte, paths []string) gjson.Result {
	if doc := gjson.ParseBytes(body); doc.IsArray() {
		return doc
	}
	for _, p := range paths {
		if r := gjson.GetBytes(body, p); r.IsArray() {
			return r
		}
	}
	return gjson.Result{}
}

func firstString(r gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.Type != gjson.Null {
			if s := v.String(); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstInt(r gjson.Result, paths []string) int {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			if n := int(v.Int()); n != 0 {
				return n
			}
		}
	}
	return 0
}

func optFloat(r gjson.Result) *float64 {
	switch r.Type {
	case gjson.Number:
		if f := r.Float(); normalize.Finite(f) {
			return &f
		}
	case gjson.String:
		if f, err := normalize.ParseAmount(r.String()); err == nil {
			return &f
		}
	}
	return nil
}

func optDate(r gjson.Result) *time.Time {
	if r.Type != gjson.String {
		return nil
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, r.String()); err == nil {
			return &t
		}
	}
	return nil
}

func cleanOrgnr(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func parseRetryAfter(h string, now time.Time) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
