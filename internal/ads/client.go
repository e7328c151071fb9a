// Package ads queries the ADS search API: record metadata for claims,
// author documents for the facts harvest, and claim counts for
// reporting.
package ads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"github.com/adsabs/orcid-claims/internal/cache"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3

	metadataRows   = 10
	authorDocsRows = 100

	metadataKeyPrefix = "ads:metadata:"
)

// ErrNoMetadata is returned when neither the bibcode nor the
// identifier search finds the record.
var ErrNoMetadata = errors.New("no metadata found")

// Config carries the client settings, normally filled from the
// api.ads_url, api.token, api.timeout and api.retries keys.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
}

// Client talks to the search API. Safe for concurrent use.
type Client struct {
	client   *http.Client
	baseURL  string
	token    string
	retries  uint64
	metadata cache.Cache
}

// NewClient builds a client. The cache is optional; when present,
// resolved metadata documents go through it.
func NewClient(cfg Config, metadata cache.Cache) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = defaultRetries
	}
	return &Client{
		client:   &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		retries:  uint64(retries),
		metadata: metadata,
	}
}

// StatusError is a non-2xx response from the search API.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ads api error (status=%d, url=%s): %s", e.Code, e.URL, e.Body)
}

// Temporary reports whether the status is worth a retry.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Doc is one search hit. Only the fields the pipeline requests are
// mapped; the orcid_* lists are index-aligned with the author list.
type Doc struct {
	Bibcode    string   `json:"bibcode"`
	Identifier []string `json:"identifier"`
	Author     []string `json:"author"`
	AuthorNorm []string `json:"author_norm"`
	OrcidPub   []string `json:"orcid_pub"`
	OrcidUser  []string `json:"orcid_user"`
	OrcidOther []string `json:"orcid_other"`
}

// PositionOf finds the author index claimed by the iD, scanning the
// orcid_pub, orcid_user and orcid_other columns. Returns -1 when the
// iD does not appear.
func (d *Doc) PositionOf(orcidid string) int {
	target := strings.ToLower(strings.TrimSpace(orcidid))
	if target == "" || target == "-" {
		return -1
	}
	for _, column := range [][]string{d.OrcidPub, d.OrcidUser, d.OrcidOther} {
		for i, v := range column {
			if strings.ToLower(strings.TrimSpace(v)) == target {
				return i
			}
		}
	}
	return -1
}

// SearchQuery is one request against the search endpoint.
type SearchQuery struct {
	Q     string
	Fl    string
	Start int
	Rows  int
	Sort  string
}

// SearchResult carries the total hit count and the requested page.
type SearchResult struct {
	NumFound int
	Docs     []Doc
}

type searchResponse struct {
	Response struct {
		NumFound int   `json:"numFound"`
		Docs     []Doc `json:"docs"`
	} `json:"response"`
}

// Search runs one query, retrying temporary failures with exponential
// backoff.
func (c *Client) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	params := url.Values{}
	params.Set("q", q.Q)
	if q.Fl != "" {
		params.Set("fl", q.Fl)
	}
	if q.Start > 0 {
		params.Set("start", strconv.Itoa(q.Start))
	}
	params.Set("rows", strconv.Itoa(q.Rows))
	if q.Sort != "" {
		params.Set("sort", q.Sort)
	}
	u := c.baseURL + "?" + params.Encode()

	var resp searchResponse
	if err := c.getJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("search %q: %w", q.Q, err)
	}
	return &SearchResult{NumFound: resp.Response.NumFound, Docs: resp.Response.Docs}, nil
}

// RetrieveMetadata resolves a bibcode to its record metadata. The
// first pass queries the bibcode field; when that finds nothing the
// identifier field is tried, which also resolves alternate bibcodes
// and arXiv ids to the canonical record. With several hits the doc
// whose identifier list carries the requested string wins.
func (c *Client) RetrieveMetadata(ctx context.Context, bibcode string, searchIdentifiers bool) (*Doc, error) {
	key := metadataKeyPrefix + strings.ToLower(strings.TrimSpace(bibcode))
	if c.metadata != nil {
		if cached, ok, err := c.metadata.Get(ctx, key); err == nil && ok {
			var doc Doc
			if err := json.Unmarshal(cached, &doc); err == nil {
				return &doc, nil
			}
		}
	}

	doc, err := c.retrieveMetadata(ctx, bibcode, searchIdentifiers)
	if err != nil {
		return nil, err
	}
	if c.metadata != nil {
		if encoded, err := json.Marshal(doc); err == nil {
			_ = c.metadata.Set(ctx, key, encoded, 0)
		}
	}
	return doc, nil
}

func (c *Client) retrieveMetadata(ctx context.Context, bibcode string, searchIdentifiers bool) (*Doc, error) {
	field := "bibcode"
	if searchIdentifiers {
		field = "identifier"
	}
	result, err := c.Search(ctx, SearchQuery{
		Q:    fmt.Sprintf("%s:%q", field, bibcode),
		Fl:   "bibcode,identifier,author",
		Rows: metadataRows,
	})
	if err != nil {
		return nil, err
	}

	switch {
	case result.NumFound == 1 && len(result.Docs) > 0:
		return &result.Docs[0], nil
	case result.NumFound == 0:
		if !searchIdentifiers {
			return c.retrieveMetadata(ctx, bibcode, true)
		}
		return nil, fmt.Errorf("%w for identifier %s", ErrNoMetadata, bibcode)
	default:
		for i := range result.Docs {
			for _, ident := range result.Docs[i].Identifier {
				if strings.EqualFold(ident, bibcode) {
					return &result.Docs[i], nil
				}
			}
		}
		return nil, fmt.Errorf("%d matches for %s and none claims it as an identifier", result.NumFound, bibcode)
	}
}

// AuthorDocs returns the indexed documents claimed by an ORCID iD,
// with the author columns the facts harvest reads.
func (c *Client) AuthorDocs(ctx context.Context, orcidid string) ([]Doc, error) {
	result, err := c.Search(ctx, SearchQuery{
		Q:    fmt.Sprintf("orcid:%q", orcidid),
		Fl:   "bibcode,author,author_norm,orcid_pub,orcid_user,orcid_other",
		Rows: authorDocsRows,
	})
	if err != nil {
		return nil, err
	}
	return result.Docs, nil
}

// Count returns the number of records matching a query without
// fetching any documents.
func (c *Client) Count(ctx context.Context, query string) (int, error) {
	result, err := c.Search(ctx, SearchQuery{Q: query, Rows: 0})
	if err != nil {
		return 0, err
	}
	return result.NumFound, nil
}

func (c *Client) getJSON(ctx context.Context, u string, out any) error {
	op := func() error {
		err := c.getJSONOnce(ctx, u, out)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	return backoff.Retry(op, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), c.retries))
}

func (c *Client) getJSONOnce(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Code: resp.StatusCode,
			URL:  u,
			Body: strings.TrimSpace(string(bodySnippet)),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}
