// Package orcid is the HTTP client for the ORCID microservice: the
// combined profile export, the public profile, the refresh trigger,
// the updates feed and the per-bibcode status report.
package orcid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"

	"github.com/adsabs/orcid-claims/internal/cache"
)

const (
	defaultTimeout = 30 * time.Second
	defaultRetries = 3

	// feedTimeFormat renders the updates-feed cursor with microsecond
	// precision, which is what the service indexes on.
	feedTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

	publicNameKeyPrefix = "orcid:public-name:"
)

// Config carries the client settings, normally filled from the
// api.orcid_url, api.token, api.timeout and api.retries keys.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Retries int
}

// Client talks to the ORCID microservice. Safe for concurrent use.
type Client struct {
	client   *http.Client
	baseURL  string
	token    string
	retries  uint64
	profiles cache.Cache
}

// NewClient builds a client. The cache is optional; when present the
// public-profile name lookups go through it.
func NewClient(cfg Config, profiles cache.Cache) *Client {
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
		profiles: profiles,
	}
}

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("orcid service error (status=%d, url=%s): %s", e.Code, e.URL, e.Body)
}

// Temporary reports whether the status is worth a retry.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// EpochMillis is the {"value": 1446741453000} date wrapper used across
// the ORCID JSON.
type EpochMillis struct {
	Value int64 `json:"value"`
}

// Time converts to UTC, zero when the wrapper is absent.
func (m *EpochMillis) Time() time.Time {
	if m == nil || m.Value == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Value).UTC()
}

// Identifier is a typed external identifier attached to a work.
type Identifier struct {
	Type  string `json:"external-id-type"`
	Value string `json:"external-id-value"`
}

// Profile is the combined view served by the export endpoint: the
// registration record ADS keeps about the author plus the raw ORCID
// profile with the works list.
type Profile struct {
	Info *AuthorInfo `json:"info"`
	Raw  *RawProfile `json:"profile"`
}

// AuthorInfo is the registration record of an ADS-linked author.
type AuthorInfo struct {
	NameVariations     []string `json:"nameVariations"`
	CurrentAffiliation string   `json:"currentAffiliation"`
	AuthorizedUser     bool     `json:"authorizedUser"`
}

// RawProfile maps the slice of the ORCID 2.0 message that the pipeline
// reads; everything else passes through undecoded.
type RawProfile struct {
	ActivitiesSummary struct {
		LastModified *EpochMillis `json:"last-modified-date"`
		Works        struct {
			Group []WorkGroup `json:"group"`
		} `json:"works"`
	} `json:"activities-summary"`
}

// WorkGroup is one work; ORCID groups variants of the same paper and
// the first summary is the preferred one.
type WorkGroup struct {
	LastModified *EpochMillis   `json:"last-modified-date"`
	ExternalIDs  externalIDList `json:"external-ids"`
	WorkSummary  []WorkSummary  `json:"work-summary"`
}

// WorkSummary is one variant of a work as reported by a single source.
type WorkSummary struct {
	LastModified *EpochMillis   `json:"last-modified-date"`
	Source       *workSource    `json:"source"`
	ExternalIDs  externalIDList `json:"external-ids"`
}

type externalIDList struct {
	ExternalID []Identifier `json:"external-id"`
}

type workSource struct {
	SourceName valueField `json:"source-name"`
}

type valueField struct {
	Value string `json:"value"`
}

// Work is the flattened view of one profile work, what the claim diff
// consumes.
type Work struct {
	Identifiers []Identifier
	Updated     time.Time
	Provenance  string
}

// Works flattens the profile's work groups. The identifiers come from
// the preferred summary, falling back to the group level when the
// summary carries none; same for the updated timestamp.
func (p *Profile) Works() []Work {
	if p == nil || p.Raw == nil {
		return nil
	}
	groups := p.Raw.ActivitiesSummary.Works.Group
	works := make([]Work, 0, len(groups))
	for _, g := range groups {
		var w Work
		var summary *WorkSummary
		if len(g.WorkSummary) > 0 {
			summary = &g.WorkSummary[0]
		}
		if summary != nil {
			w.Identifiers = summary.ExternalIDs.ExternalID
			w.Updated = summary.LastModified.Time()
			if summary.Source != nil {
				w.Provenance = summary.Source.SourceName.Value
			}
		}
		if len(w.Identifiers) == 0 {
			w.Identifiers = g.ExternalIDs.ExternalID
		}
		if w.Updated.IsZero() {
			w.Updated = g.LastModified.Time()
		}
		works = append(works, w)
	}
	return works
}

// Modified returns the profile's last-modified time: the activities
// timestamp when the service provides one, else the newest work
// timestamp. The claim diff short-circuits when nothing moved past the
// stored snapshot marker.
func (p *Profile) Modified() time.Time {
	if p == nil || p.Raw == nil {
		return time.Time{}
	}
	if t := p.Raw.ActivitiesSummary.LastModified.Time(); !t.IsZero() {
		return t
	}
	var latest time.Time
	for _, w := range p.Works() {
		if w.Updated.After(latest) {
			latest = w.Updated
		}
	}
	return latest
}

// NameVariations returns the registration name variations with blanks
// dropped. Old registrations carry empty strings in the list.
func (p *Profile) NameVariations() []string {
	if p == nil || p.Info == nil {
		return nil
	}
	out := make([]string, 0, len(p.Info.NameVariations))
	for _, v := range p.Info.NameVariations {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// Authorized reports whether the profile was registered through ADS
// with member credentials.
func (p *Profile) Authorized() bool {
	return p != nil && p.Info != nil && p.Info.AuthorizedUser
}

// Affiliation returns the current affiliation from the registration
// record, empty when unknown.
func (p *Profile) Affiliation() string {
	if p == nil || p.Info == nil {
		return ""
	}
	return p.Info.CurrentAffiliation
}

// FetchProfile retrieves the combined export for one ORCID iD. Always
// fetched fresh; the claim diff depends on seeing current works.
func (c *Client) FetchProfile(ctx context.Context, orcidid string) (*Profile, error) {
	var profile Profile
	u := c.baseURL + "/export/" + url.PathEscape(orcidid)
	if err := c.getJSON(ctx, u, &profile); err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", orcidid, err)
	}
	return &profile, nil
}

type publicProfile struct {
	Person struct {
		Name *struct {
			GivenNames *valueField `json:"given-names"`
			FamilyName *valueField `json:"family-name"`
		} `json:"name"`
	} `json:"person"`
}

// FetchPublicName returns the "Family, Given" form of the public
// profile name, empty when either part is missing. Results are cached
// because the poller rechecks profiles far more often than people
// rename themselves.
func (c *Client) FetchPublicName(ctx context.Context, orcidid string) (string, error) {
	key := publicNameKeyPrefix + orcidid
	if c.profiles != nil {
		if cached, ok, err := c.profiles.Get(ctx, key); err == nil && ok {
			return string(cached), nil
		}
	}

	var profile publicProfile
	u := c.baseURL + "/public/" + url.PathEscape(orcidid)
	if err := c.getJSON(ctx, u, &profile); err != nil {
		return "", fmt.Errorf("fetch public profile %s: %w", orcidid, err)
	}

	name := ""
	if n := profile.Person.Name; n != nil && n.FamilyName != nil && n.GivenNames != nil {
		family := strings.TrimSpace(n.FamilyName.Value)
		given := strings.TrimSpace(n.GivenNames.Value)
		if family != "" && given != "" {
			name = family + ", " + given
		}
	}
	if c.profiles != nil {
		_ = c.profiles.Set(ctx, key, []byte(name), 0)
	}
	return name, nil
}

// TriggerRefresh asks the service to re-pull the profile from
// orcid.org. Best effort; callers log failures and move on.
func (c *Client) TriggerRefresh(ctx context.Context, orcidid string) error {
	u := c.baseURL + "/update-orcid-profile/" + url.PathEscape(orcidid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger refresh for %s: %w", orcidid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp, u)
	}
	return nil
}

// ProfileTouch is one row of the updates feed.
type ProfileTouch struct {
	OrcidID string
	Updated time.Time
	Created time.Time
}

type feedRow struct {
	OrcidID string `json:"orcid_id"`
	Updated string `json:"updated"`
	Created string `json:"created"`
}

// UpdatedSince lists the profiles touched after the cursor, ascending
// by update time. An empty body and an empty JSON array both mean no
// changes. The call is single-shot: the poller owns failure accounting
// for the feed, so transient errors are returned, not retried.
func (c *Client) UpdatedSince(ctx context.Context, since time.Time) ([]ProfileTouch, error) {
	q := url.Values{"fields": []string{"orcid_id", "updated", "created"}}
	u := c.baseURL + "/export/" + url.PathEscape(since.UTC().Format(feedTimeFormat)) + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query updates feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp, u)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read updates feed: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var rows []feedRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode updates feed: %w", err)
	}

	touches := make([]ProfileTouch, 0, len(rows))
	for _, r := range rows {
		updated, err := time.Parse(time.RFC3339Nano, r.Updated)
		if err != nil {
			return nil, fmt.Errorf("updates feed timestamp %q: %w", r.Updated, err)
		}
		touch := ProfileTouch{OrcidID: r.OrcidID, Updated: updated.UTC()}
		if r.Created != "" {
			if created, err := time.Parse(time.RFC3339Nano, r.Created); err == nil {
				touch.Created = created.UTC()
			}
		}
		touches = append(touches, touch)
	}
	return touches, nil
}

// UpdateStatus reports the claim outcome for a bibcode and its aliases
// back to the service. Returns the number of entries the service
// echoed; callers warn when it disagrees with what was sent.
func (c *Client) UpdateStatus(ctx context.Context, orcidid string, bibcodes []string, status string) (int, error) {
	payload := struct {
		Bibcodes []string `json:"bibcodes"`
		Status   string   `json:"status"`
	}{Bibcodes: bibcodes, Status: status}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal status update: %w", err)
	}
	u := c.baseURL + "/update-status/" + url.PathEscape(orcidid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("update status for %s: %w", orcidid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, c.statusError(resp, u)
	}

	var echoed []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&echoed); err != nil {
		return 0, fmt.Errorf("decode status response: %w", err)
	}
	return len(echoed), nil
}

// getJSON fetches a URL into out, retrying temporary failures with
// exponential backoff. BackOff values are stateful, so every call
// builds a fresh one.
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
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp, u)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) statusError(resp *http.Response, u string) error {
	bodySnippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Code: resp.StatusCode,
		URL:  u,
		Body: strings.TrimSpace(string(bodySnippet)),
	}
}
