package ads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/orcid-claims/internal/cache"
)

func searchServer(t *testing.T, handler func(q string, r *http.Request) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(r.URL.Query().Get("q"), r)))
	}))
}

func TestRetrieveMetadataByBibcode(t *testing.T) {
	srv := searchServer(t, func(q string, r *http.Request) string {
		assert.Equal(t, `bibcode:"2015ApJ...800L..22S"`, q)
		assert.Equal(t, "bibcode,identifier,author", r.URL.Query().Get("fl"))
		assert.Equal(t, "10", r.URL.Query().Get("rows"))
		return `{"response": {"numFound": 1, "docs": [
			{"bibcode": "2015ApJ...800L..22S",
			 "identifier": ["2015ApJ...800L..22S", "arXiv:1502.01019"],
			 "author": ["Stern, D.", "Assef, R. J."]}
		]}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok"}, nil)
	doc, err := c.RetrieveMetadata(context.Background(), "2015ApJ...800L..22S", false)
	require.NoError(t, err)
	assert.Equal(t, "2015ApJ...800L..22S", doc.Bibcode)
	assert.Equal(t, []string{"Stern, D.", "Assef, R. J."}, doc.Author)
}

func TestRetrieveMetadataFallsBackToIdentifier(t *testing.T) {
	var queries []string
	srv := searchServer(t, func(q string, r *http.Request) string {
		queries = append(queries, q)
		if len(queries) == 1 {
			return `{"response": {"numFound": 0, "docs": []}}`
		}
		return `{"response": {"numFound": 1, "docs": [
			{"bibcode": "2015ApJ...800L..22S", "identifier": ["arXiv:1502.01019"], "author": ["Stern, D."]}
		]}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	doc, err := c.RetrieveMetadata(context.Background(), "arXiv:1502.01019", false)
	require.NoError(t, err)
	assert.Equal(t, "2015ApJ...800L..22S", doc.Bibcode)
	assert.Equal(t, []string{
		`bibcode:"arXiv:1502.01019"`,
		`identifier:"arXiv:1502.01019"`,
	}, queries)
}

func TestRetrieveMetadataNotFound(t *testing.T) {
	srv := searchServer(t, func(q string, r *http.Request) string {
		return `{"response": {"numFound": 0, "docs": []}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.RetrieveMetadata(context.Background(), "1999zzzzz.123..456X", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMetadata)
}

func TestRetrieveMetadataMultipleMatches(t *testing.T) {
	body := `{"response": {"numFound": 2, "docs": [
		{"bibcode": "2015ApJ...800L..22S", "identifier": ["2015ApJ...800L..22S"]},
		{"bibcode": "2015arXiv150201019S", "identifier": ["ARXIV:1502.01019"]}
	]}}`
	srv := searchServer(t, func(q string, r *http.Request) string { return body })
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)

	// Case-insensitive identifier match picks the right doc.
	doc, err := c.RetrieveMetadata(context.Background(), "arXiv:1502.01019", true)
	require.NoError(t, err)
	assert.Equal(t, "2015arXiv150201019S", doc.Bibcode)

	_, err = c.RetrieveMetadata(context.Background(), "2020Natur.123..456X", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 matches")
}

func TestRetrieveMetadataCaches(t *testing.T) {
	hits := 0
	srv := searchServer(t, func(q string, r *http.Request) string {
		hits++
		return `{"response": {"numFound": 1, "docs": [
			{"bibcode": "2015ApJ...800L..22S", "author": ["Stern, D."]}
		]}}`
	})
	defer srv.Close()

	metadata := cache.NewMemory(time.Minute)
	defer metadata.Close()

	c := NewClient(Config{BaseURL: srv.URL}, metadata)
	for i := 0; i < 3; i++ {
		doc, err := c.RetrieveMetadata(context.Background(), "2015ApJ...800L..22S", false)
		require.NoError(t, err)
		assert.Equal(t, "2015ApJ...800L..22S", doc.Bibcode)
	}
	assert.Equal(t, 1, hits)
}

func TestAuthorDocs(t *testing.T) {
	srv := searchServer(t, func(q string, r *http.Request) string {
		assert.Equal(t, `orcid:"0000-0003-2686-9241"`, q)
		assert.Equal(t, "bibcode,author,author_norm,orcid_pub,orcid_user,orcid_other", r.URL.Query().Get("fl"))
		return `{"response": {"numFound": 2, "docs": [
			{"bibcode": "2015ApJ...800L..22S",
			 "author": ["Stern, Daniel", "Assef, R. J."],
			 "author_norm": ["Stern, D", "Assef, R"],
			 "orcid_pub": ["-", "-"],
			 "orcid_user": ["0000-0003-2686-9241", "-"]},
			{"bibcode": "2014ATel.6427....1V",
			 "author": ["Vogt, F.", "Stern, D"],
			 "author_norm": ["Vogt, F", "Stern, D"],
			 "orcid_pub": ["-", "0000-0003-2686-9241"]}
		]}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	docs, err := c.AuthorDocs(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, 0, docs[0].PositionOf("0000-0003-2686-9241"))
	assert.Equal(t, 1, docs[1].PositionOf("0000-0003-2686-9241"))
	assert.Equal(t, -1, docs[0].PositionOf("0000-0000-0000-0000"))
	assert.Equal(t, -1, docs[0].PositionOf("-"))
}

func TestCount(t *testing.T) {
	srv := searchServer(t, func(q string, r *http.Request) string {
		assert.Equal(t, `orcid_pub:"000000*"`, q)
		assert.Equal(t, "0", r.URL.Query().Get("rows"))
		return `{"response": {"numFound": 1234, "docs": []}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	n, err := c.Count(context.Background(), `orcid_pub:"000000*"`)
	require.NoError(t, err)
	assert.Equal(t, 1234, n)
}

func TestSearchPassesPaging(t *testing.T) {
	srv := searchServer(t, func(q string, r *http.Request) string {
		assert.Equal(t, "1000", r.URL.Query().Get("start"))
		assert.Equal(t, "1000", r.URL.Query().Get("rows"))
		assert.Equal(t, "bibcode desc", r.URL.Query().Get("sort"))
		return `{"response": {"numFound": 0, "docs": []}}`
	})
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	_, err := c.Search(context.Background(), SearchQuery{
		Q:     `orcid_user:"000000*"`,
		Fl:    "orcid_user,bibcode",
		Start: 1000,
		Rows:  1000,
		Sort:  "bibcode desc",
	})
	require.NoError(t, err)
}

func TestSearchAuthFailureIsPermanent(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 5}, nil)
	_, err := c.Count(context.Background(), "orcid_pub:*")
	require.Error(t, err)
	assert.Equal(t, 1, hits)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.Code)
	assert.False(t, se.Temporary())
	assert.Equal(t, fmt.Sprintf("ads api error (status=401, url=%s?q=orcid_pub%%3A%%2A&rows=0): bad token", srv.URL), se.Error())
}
