package orcid

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adsabs/orcid-claims/internal/cache"
)

const exportBody = `{
  "info": {
    "nameVariations": ["Stern, D K", "", "Stern, A D"],
    "currentAffiliation": "ADS",
    "authorizedUser": true
  },
  "profile": {
    "activities-summary": {
      "last-modified-date": {"value": 1446741500000},
      "works": {
        "group": [
          {
            "last-modified-date": {"value": 1446741453000},
            "external-ids": {"external-id": [
              {"external-id-type": "bibcode", "external-id-value": "2015ApJ...800L..22S"}
            ]},
            "work-summary": [
              {
                "last-modified-date": {"value": 1446741453000},
                "source": {"source-name": {"value": "NASA Astrophysics Data System"}},
                "external-ids": {"external-id": [
                  {"external-id-type": "bibcode", "external-id-value": "2015ApJ...800L..22S"},
                  {"external-id-type": "doi", "external-id-value": "10.1088/2041-8205/800/2/L22"}
                ]},
                "contributors": {"contributor": [
                  {"credit-name": {"value": "Stern, D."}},
                  {"credit-name": {"value": "Assef, R. J."}},
                  {"credit-name": {"value": "Stern, D."}}
                ]}
              }
            ]
          },
          {
            "last-modified-date": {"value": 1446741500000},
            "external-ids": {"external-id": [
              {"external-id-type": "doi", "external-id-value": "10.1000/fallback"}
            ]},
            "work-summary": [
              {
                "source": {"source-name": {"value": "Publisher"}},
                "external-ids": {"external-id": []}
              }
            ]
          }
        ]
      }
    }
  }
}`

func TestFetchProfile(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/export/0000-0003-2686-9241", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(exportBody))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "sekrit"}, nil)
	profile, err := c.FetchProfile(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", gotAuth)

	assert.True(t, profile.Authorized())
	assert.Equal(t, "ADS", profile.Affiliation())
	assert.Equal(t, []string{"Stern, D K", "Stern, A D"}, profile.NameVariations())
	assert.Equal(t, time.UnixMilli(1446741500000).UTC(), profile.Modified())

	works := profile.Works()
	require.Len(t, works, 2)

	assert.Equal(t, "NASA Astrophysics Data System", works[0].Provenance)
	assert.Equal(t, time.Date(2015, 11, 5, 16, 37, 33, 0, time.UTC), works[0].Updated)
	require.Len(t, works[0].Identifiers, 2)
	assert.Equal(t, Identifier{Type: "bibcode", Value: "2015ApJ...800L..22S"}, works[0].Identifiers[0])

	// The second group's summary has no identifiers or timestamp of its
	// own, so the group-level values fill in.
	assert.Equal(t, "Publisher", works[1].Provenance)
	assert.Equal(t, []Identifier{{Type: "doi", Value: "10.1000/fallback"}}, works[1].Identifiers)
	assert.Equal(t, time.UnixMilli(1446741500000).UTC(), works[1].Updated)
}

func TestProfileModifiedFallsBackToWorks(t *testing.T) {
	var profile Profile
	require.NoError(t, json.Unmarshal([]byte(`{
		"profile": {
			"activities-summary": {
				"works": {"group": [
					{"last-modified-date": {"value": 1446741453000}, "work-summary": []},
					{"last-modified-date": {"value": 1500000000000}, "work-summary": []}
				]}
			}
		}
	}`), &profile))
	assert.Equal(t, time.UnixMilli(1500000000000).UTC(), profile.Modified())

	var empty Profile
	assert.True(t, empty.Modified().IsZero())
}

func TestFetchPublicNameCaches(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		assert.Equal(t, "/public/0000-0003-2686-9241", r.URL.Path)
		_, _ = w.Write([]byte(`{"person": {"name": {"given-names": {"value": "Daniel"}, "family-name": {"value": "Stern"}}}}`))
	}))
	defer srv.Close()

	profiles := cache.NewMemory(time.Minute)
	defer profiles.Close()

	c := NewClient(Config{BaseURL: srv.URL}, profiles)
	name, err := c.FetchPublicName(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	assert.Equal(t, "Stern, Daniel", name)

	name, err = c.FetchPublicName(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	assert.Equal(t, "Stern, Daniel", name)
	assert.Equal(t, 1, hits)
}

func TestFetchPublicNameMissingParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"person": {"name": {"family-name": {"value": "Stern"}}}}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	name, err := c.FetchPublicName(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	assert.Equal(t, "", name)
}

func TestUpdatedSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/export/2015-01-01T00:00:00.000000Z", r.URL.Path)
		assert.Equal(t, []string{"orcid_id", "updated", "created"}, r.URL.Query()["fields"])
		_, _ = w.Write([]byte(`[
			{"orcid_id": "0000-0003-2686-9241", "updated": "2015-11-05T16:37:33.381000Z", "created": "2009-09-03T20:56:35.450686Z"},
			{"orcid_id": "0000-0003-3041-2092", "updated": "2015-11-06T00:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	touches, err := c.UpdatedSince(context.Background(), time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, touches, 2)
	assert.Equal(t, "0000-0003-2686-9241", touches[0].OrcidID)
	assert.Equal(t, time.Date(2015, 11, 5, 16, 37, 33, 381000000, time.UTC), touches[0].Updated)
	assert.Equal(t, time.Date(2009, 9, 3, 20, 56, 35, 450686000, time.UTC), touches[0].Created)
	assert.True(t, touches[1].Created.IsZero())
}

func TestUpdatedSinceEmpty(t *testing.T) {
	body := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)

	touches, err := c.UpdatedSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, touches)

	body = "[]"
	touches, err = c.UpdatedSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, touches)
}

func TestUpdatedSinceDoesNotRetry(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3}, nil)
	_, err := c.UpdatedSince(context.Background(), time.Now())
	require.Error(t, err)
	assert.Equal(t, 1, hits)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.True(t, se.Temporary())
}

func TestFetchProfileRetriesTemporary(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if hits < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(exportBody))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3}, nil)
	profile, err := c.FetchProfile(context.Background(), "0000-0003-2686-9241")
	require.NoError(t, err)
	assert.Equal(t, 3, hits)
	assert.True(t, profile.Authorized())
}

func TestFetchProfileNotFoundIsPermanent(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Error(w, "no such profile", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Retries: 3}, nil)
	_, err := c.FetchProfile(context.Background(), "0000-0000-0000-0000")
	require.Error(t, err)
	assert.Equal(t, 1, hits)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, se.Temporary())
}

func TestTriggerRefresh(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/update-orcid-profile/0000-0003-2686-9241", r.URL.Path)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL}, nil)
	require.NoError(t, c.TriggerRefresh(context.Background(), "0000-0003-2686-9241"))

	status = http.StatusInternalServerError
	assert.Error(t, c.TriggerRefresh(context.Background(), "0000-0003-2686-9241"))
}

func TestUpdateStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/update-status/0000-0003-2686-9241", r.URL.Path)

		var payload struct {
			Bibcodes []string `json:"bibcodes"`
			Status   string   `json:"status"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, []string{"2015ApJ...800L..22S", "10.1088/2041-8205/800/2/L22"}, payload.Bibcodes)
		assert.Equal(t, "verified", payload.Status)

		_, _ = w.Write([]byte(`[{"2015ApJ...800L..22S": "verified"}, {"10.1088/2041-8205/800/2/L22": "verified"}]`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, Token: "tok"}, nil)
	n, err := c.UpdateStatus(context.Background(), "0000-0003-2686-9241",
		[]string{"2015ApJ...800L..22S", "10.1088/2041-8205/800/2/L22"}, "verified")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStatusErrorMessage(t *testing.T) {
	err := &StatusError{Code: 502, URL: "http://x/export/y", Body: "bad gateway"}
	assert.Contains(t, err.Error(), "status=502")
	assert.Contains(t, err.Error(), "bad gateway")
	assert.True(t, errors.As(error(err), new(*StatusError)))
}
