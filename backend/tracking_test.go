package backend

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/failpark/zeiterfassung2/core/access"
	"github.com/failpark/zeiterfassung2/core/sqltypes"
)

// trackingFixtures is the referenced row set a tracking needs.
type trackingFixtures struct {
	clientID   int64
	projectID  int64
	userID     int64
	activities []int64
}

func createTrackingFixtures(t *testing.T, tag string) trackingFixtures {
	t.Helper()
	var f trackingFixtures

	var c Client
	if _, err := testService.admin.RawPost("/client", &ClientCreate{Name: "Tracking Client " + tag}, &c); err != nil {
		t.Fatal(err)
	}
	f.clientID = c.ID

	var p Project
	if _, err := testService.admin.RawPost("/project", &ProjectCreate{ClientID: c.ID, Name: "Tracking Project " + tag}, &p); err != nil {
		t.Fatal(err)
	}
	f.projectID = p.ID

	u := createTestUser(t, "track_"+tag, "track_"+tag+"@example.com", "trackpass", access.RoleUser)
	f.userID = u.ID

	for _, suffix := range []string{"A", "B", "C"} {
		var a Activity
		if _, err := testService.admin.RawPost("/activity", &ActivityCreate{Name: "Activity " + tag + " " + suffix}, &a); err != nil {
			t.Fatal(err)
		}
		f.activities = append(f.activities, a.ID)
	}
	return f
}

func mustDate(t *testing.T, s string) sqltypes.Date {
	t.Helper()
	d, err := sqltypes.ParseDate(s)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func mustTime(t *testing.T, s string) sqltypes.TimeOfDay {
	t.Helper()
	tod, err := sqltypes.ParseTimeOfDay(s)
	if err != nil {
		t.Fatal(err)
	}
	return tod
}

func (f trackingFixtures) payload(t *testing.T, activities []int64) *TrackingCreate {
	pause := mustTime(t, "00:30:00")
	description := "worked on the backend"
	return &TrackingCreate{
		ClientID:    f.clientID,
		UserID:      f.userID,
		ProjectID:   f.projectID,
		Date:        mustDate(t, "2026-08-31"),
		Begin:       mustTime(t, "09:00:00"),
		End:         mustTime(t, "17:00:00"),
		Pause:       &pause,
		Performed:   7.5,
		Billed:      7.0,
		Description: &description,
		Activities:  activities,
	}
}

func TestTrackingCreateReadRoundTrip(t *testing.T) {
	f := createTrackingFixtures(t, "roundtrip")
	payload := f.payload(t, f.activities[:2])

	var created Tracking
	if _, err := testService.admin.RawPost("/tracking", payload, &created); err != nil {
		t.Fatal(err)
	}
	assert.Greater(t, created.ID, int64(0))
	assert.Equal(t, payload.Date, created.Date)
	assert.Equal(t, payload.Begin, created.Begin)
	assert.Equal(t, payload.End, created.End)
	assert.Equal(t, payload.Pause, created.Pause)
	assert.Equal(t, payload.Performed, created.Performed)
	assert.Equal(t, payload.Billed, created.Billed)
	assert.Equal(t, payload.Description, created.Description)
	assert.Equal(t, f.activities[:2], created.Activities)

	var read Tracking
	if _, err := testService.admin.RawGet(fmt.Sprintf("/tracking/%d", created.ID), &read); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, created, read)
}

func TestTrackingAssociationReplace(t *testing.T) {
	f := createTrackingFixtures(t, "replace")
	a, b, c := f.activities[0], f.activities[1], f.activities[2]

	var created Tracking
	if _, err := testService.admin.RawPost("/tracking", f.payload(t, []int64{a, b}), &created); err != nil {
		t.Fatal(err)
	}
	path := fmt.Sprintf("/tracking/%d", created.ID)

	// overlapping replacement
	var updated Tracking
	if _, err := testService.admin.RawPatch(path, []byte(fmt.Sprintf(`{"activities":[%d,%d]}`, b, c)), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []int64{b, c}, updated.Activities)

	// disjoint replacement
	if _, err := testService.admin.RawPatch(path, []byte(fmt.Sprintf(`{"activities":[%d]}`, a)), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []int64{a}, updated.Activities)

	var read Tracking
	if _, err := testService.admin.RawGet(path, &read); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []int64{a}, read.Activities)

	// a patch without activities leaves the association set alone
	if _, err := testService.admin.RawPatch(path, []byte(`{"billed":8}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, float32(8), updated.Billed)
	assert.Equal(t, []int64{a}, updated.Activities)

	// an entirely empty patch does not even touch the row
	var unchanged Tracking
	if _, err := testService.admin.RawPatch(path, []byte(`{}`), &unchanged); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, updated, unchanged)

	// clearing the set works too
	if _, err := testService.admin.RawPatch(path, []byte(`{"activities":[]}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, []int64{}, updated.Activities)
}

func TestTrackingNullablePatch(t *testing.T) {
	f := createTrackingFixtures(t, "nullable")

	var created Tracking
	if _, err := testService.admin.RawPost("/tracking", f.payload(t, nil), &created); err != nil {
		t.Fatal(err)
	}
	assert.NotNil(t, created.Pause)
	assert.NotNil(t, created.Description)
	path := fmt.Sprintf("/tracking/%d", created.ID)

	// pause present-but-null clears the column, description stays
	var updated Tracking
	if _, err := testService.admin.RawPatch(path, []byte(`{"pause":null}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, updated.Pause)
	assert.Equal(t, created.Description, updated.Description)

	// absent fields remain untouched
	if _, err := testService.admin.RawPatch(path, []byte(`{"performed":6.5}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, updated.Pause)
	assert.Equal(t, float32(6.5), updated.Performed)

	// and a value sets the column again
	if _, err := testService.admin.RawPatch(path, []byte(`{"pause":"00:15:00"}`), &updated); err != nil {
		t.Fatal(err)
	}
	if assert.NotNil(t, updated.Pause) {
		assert.Equal(t, "00:15:00", updated.Pause.String())
	}

	if _, err := testService.admin.RawPatch(path, []byte(`{"description":null}`), &updated); err != nil {
		t.Fatal(err)
	}
	assert.Nil(t, updated.Description)
}

func TestTrackingDeleteRemovesJoins(t *testing.T) {
	f := createTrackingFixtures(t, "delete")

	var created Tracking
	if _, err := testService.admin.RawPost("/tracking", f.payload(t, f.activities), &created); err != nil {
		t.Fatal(err)
	}

	var count int64
	if _, err := testService.admin.RawDelete(fmt.Sprintf("/tracking/%d", created.ID), &count); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, int64(1), count)

	status, _ := testService.admin.RawGet(fmt.Sprintf("/tracking/%d", created.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	// the join rows are gone as well
	var joins int64
	err := testService.backend.db.QueryRow(
		`SELECT count(*) FROM `+testService.backend.db.Schema+`.tracking_to_activity WHERE tracking_id = $1;`,
		created.ID).Scan(&joins)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, int64(0), joins)
}

func TestTrackingPaginateBatchLoadsActivities(t *testing.T) {
	f := createTrackingFixtures(t, "paginate")
	a, b := f.activities[0], f.activities[1]

	sets := [][]int64{{a}, {a, b}, {}}
	wanted := map[int64][]int64{}
	for _, set := range sets {
		var created Tracking
		if _, err := testService.admin.RawPost("/tracking", f.payload(t, set), &created); err != nil {
			t.Fatal(err)
		}
		wanted[created.ID] = created.Activities
	}

	var page struct {
		Items      []Tracking `json:"items"`
		TotalItems int64      `json:"total_items"`
	}
	if _, err := testService.admin.RawGet("/tracking/page/100/0", &page); err != nil {
		t.Fatal(err)
	}

	found := 0
	for _, item := range page.Items {
		assert.NotNil(t, item.Activities)
		if want, ok := wanted[item.ID]; ok {
			assert.Equal(t, want, item.Activities)
			found++
		}
	}
	assert.Equal(t, len(sets), found)

	var last struct {
		Items []Tracking `json:"items"`
	}
	if _, err := testService.admin.RawGet("/tracking/page/2/last", &last); err != nil {
		t.Fatal(err)
	}
	assert.NotEmpty(t, last.Items)
}
