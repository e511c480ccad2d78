package backend

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatistics(t *testing.T) {
	var details statisticsDetails
	if _, err := testService.admin.RawGet("/statistics", &details); err != nil {
		t.Fatal(err)
	}
	assert.Len(t, details.Tables, 6)

	byName := map[string]tableStatistics{}
	for _, s := range details.Tables {
		byName[s.Table] = s
	}
	clients, ok := byName["client"]
	if assert.True(t, ok) {
		assert.Greater(t, clients.Count, int64(0))
		assert.Greater(t, clients.SizeMB, 0.0)
	}

	// admin only
	status, _ := testService.user.RawGet("/statistics", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestEtagMatching(t *testing.T) {
	etag := bytesToEtag([]byte("some payload"))
	assert.Equal(t, etag, bytesToEtag([]byte("some payload")))
	assert.NotEqual(t, etag, bytesToEtag([]byte("other payload")))

	assert.False(t, ifNoneMatchFound("", etag))
	assert.True(t, ifNoneMatchFound("*", etag))
	assert.True(t, ifNoneMatchFound(etag, etag))
	assert.True(t, ifNoneMatchFound(`"deadbeef", `+etag, etag))
	assert.False(t, ifNoneMatchFound(`"deadbeef"`, etag))
}
