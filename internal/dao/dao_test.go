package dao

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/modfin/utskick"
)

func setup(t *testing.T) DAO {
	t.Helper()
	dir := t.TempDir()
	db, err := NewSQLite(filepath.Join(dir, "utskick_test.sqlite"))
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	return db
}

func at(s string) time.Time {
	ts, err := time.Parse("2006-01-02T15:04", s)
	if err != nil {
		panic(err)
	}
	return ts
}

func seedNewsletter(t *testing.T, db DAO, status utskick.Status, nextFire time.Time, emails ...string) utskick.Newsletter {
	t.Helper()

	m := utskick.Message{Id: uuid.NewString(), Subject: "news", Body: "content"}
	err := db.AddMessage(m)
	if err != nil {
		t.Fatalf("could not add message: %v", err)
	}

	var clientIds []string
	for _, email := range emails {
		c := utskick.Client{Id: uuid.NewString(), Name: "Client", Email: email}
		err = db.AddClient(c)
		if err != nil {
			t.Fatalf("could not add client: %v", err)
		}
		clientIds = append(clientIds, c.Id)
	}

	n := utskick.Newsletter{
		Id:          uuid.NewString(),
		MessageId:   m.Id,
		FirstSentAt: at("2024-01-01T10:00"),
		Period:      utskick.PeriodWeekly,
		Status:      status,
		NextFireAt:  nextFire,
	}
	err = db.AddNewsletter(n)
	if err != nil {
		t.Fatalf("could not add newsletter: %v", err)
	}
	err = db.SetRecipients(n.Id, clientIds)
	if err != nil {
		t.Fatalf("could not set recipients: %v", err)
	}
	return n
}

func TestGetDueNewsletters(t *testing.T) {
	db := setup(t)
	now := at("2024-02-01T12:00")

	due := seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T11:00"), "a@x", "b@x")
	seedNewsletter(t, db, utskick.StatusCreated, at("2024-02-01T12:00"), "c@x")
	seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T13:00"), "d@x")  // future
	seedNewsletter(t, db, utskick.StatusCompleted, at("2024-01-01T00:00"), "e@x") // completed, overdue

	got, err := db.GetDueNewsletters(now)
	if err != nil {
		t.Fatalf("GetDueNewsletters failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 due newsletters, got %d", len(got))
	}
	for _, n := range got {
		if n.Status == utskick.StatusCompleted {
			t.Error("a COMPLETED newsletter must never be selected")
		}
		if n.Message == nil {
			t.Error("due newsletter should carry its message")
		}
		if len(n.Recipients) == 0 {
			t.Error("due newsletter should carry its recipients")
		}
		if n.Id == due.Id && (n.Recipients[0].Email != "a@x" || n.Recipients[1].Email != "b@x") {
			t.Errorf("recipients out of declared order: %v", n.Recipients)
		}
	}
}

func TestCompleteDispatch(t *testing.T) {
	db := setup(t)
	n := seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T11:00"), "a@x")

	n.NextFireAt = at("2024-02-08T10:00")
	n.Status = utskick.StatusLaunched
	id := n.Id
	attempt := utskick.Attempt{
		Id:             uuid.NewString(),
		NewsletterId:   &id,
		SentAt:         at("2024-02-01T12:00"),
		Succeeded:      true,
		ServerResponse: "OK",
	}

	err := db.CompleteDispatch(n, attempt)
	if err != nil {
		t.Fatalf("CompleteDispatch failed: %v", err)
	}

	stored, err := db.GetNewsletter(n.Id)
	if err != nil {
		t.Fatalf("GetNewsletter failed: %v", err)
	}
	if !stored.NextFireAt.Equal(at("2024-02-08T10:00")) {
		t.Errorf("next fire not advanced, got %v", stored.NextFireAt)
	}

	attempts, err := db.GetAttempts(n.Id)
	if err != nil {
		t.Fatalf("GetAttempts failed: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(attempts))
	}
	if !attempts[0].Succeeded || attempts[0].ServerResponse != "OK" {
		t.Errorf("attempt not stored faithfully: %+v", attempts[0])
	}
	if !attempts[0].SentAt.Equal(at("2024-02-01T12:00")) {
		t.Errorf("sent_at mangled: %v", attempts[0].SentAt)
	}
}

func TestCompleteDispatchUnknownNewsletterRollsBack(t *testing.T) {
	db := setup(t)
	n := seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T11:00"), "a@x")

	ghost := n
	ghost.Id = "no-such-id"
	err := db.CompleteDispatch(ghost, utskick.Attempt{Id: uuid.NewString(), SentAt: at("2024-02-01T12:00")})
	if err == nil {
		t.Fatal("expected an error advancing a newsletter that does not exist")
	}

	attempts, err := db.GetAttempts(n.Id)
	if err != nil {
		t.Fatalf("GetAttempts failed: %v", err)
	}
	if len(attempts) != 0 {
		t.Errorf("no attempt should survive a rolled back dispatch, got %d", len(attempts))
	}
}

func TestAddNewsletterDefaultsNextFireToAnchor(t *testing.T) {
	db := setup(t)

	m := utskick.Message{Id: uuid.NewString(), Subject: "s", Body: "b"}
	err := db.AddMessage(m)
	if err != nil {
		t.Fatal(err)
	}
	n := utskick.Newsletter{
		Id:          uuid.NewString(),
		MessageId:   m.Id,
		FirstSentAt: at("2024-03-01T09:00"),
		Period:      utskick.PeriodDaily,
	}
	err = db.AddNewsletter(n)
	if err != nil {
		t.Fatalf("AddNewsletter failed: %v", err)
	}

	stored, err := db.GetNewsletter(n.Id)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.NextFireAt.Equal(at("2024-03-01T09:00")) {
		t.Errorf("expected next fire defaulted to the anchor, got %v", stored.NextFireAt)
	}
	if stored.Status != utskick.StatusCreated {
		t.Errorf("expected CREATED, got %s", stored.Status)
	}
}

func TestRecomputeSchedule(t *testing.T) {
	db := setup(t)
	n := seedNewsletter(t, db, utskick.StatusCreated, at("2024-01-01T10:00"), "a@x")

	now := at("2024-01-10T09:00")
	updated, err := db.RecomputeSchedule(n.Id, now)
	if err != nil {
		t.Fatalf("RecomputeSchedule failed: %v", err)
	}

	// weekly anchor 2024-01-01T10:00 seen from 2024-01-10T09:00
	if !updated.NextFireAt.Equal(at("2024-01-15T10:00")) {
		t.Errorf("expected recomputed next fire 2024-01-15T10:00, got %v", updated.NextFireAt)
	}
	if updated.Status != utskick.StatusLaunched {
		t.Errorf("expected LAUNCHED, got %s", updated.Status)
	}

	stored, err := db.GetNewsletter(n.Id)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.NextFireAt.Equal(updated.NextFireAt) {
		t.Error("recomputed schedule was not persisted")
	}
}

func TestCounters(t *testing.T) {
	db := setup(t)

	seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T11:00"), "a@x", "b@x")
	seedNewsletter(t, db, utskick.StatusLaunched, at("2024-02-01T11:00"), "a@x") // a@x again
	seedNewsletter(t, db, utskick.StatusCreated, at("2024-02-01T11:00"), "c@x")

	total, err := db.CountNewsletters()
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 {
		t.Errorf("expected 3 newsletters, got %d", total)
	}

	launched, err := db.CountLaunched()
	if err != nil {
		t.Fatal(err)
	}
	if launched != 2 {
		t.Errorf("expected 2 launched, got %d", launched)
	}

	unique, err := db.CountUniqueRecipients()
	if err != nil {
		t.Fatal(err)
	}
	if unique != 3 {
		t.Errorf("expected 3 unique recipient addresses, got %d", unique)
	}
}

func TestJobLogPurge(t *testing.T) {
	db := setup(t)

	err := db.AddJobLogEntry("job-every-minute", at("2024-01-01T00:00"), "old entry")
	if err != nil {
		t.Fatal(err)
	}
	err = db.AddJobLogEntry("job-every-minute", at("2024-02-01T00:00"), "fresh entry")
	if err != nil {
		t.Fatal(err)
	}

	purged, err := db.PurgeJobLog(at("2024-01-25T00:00"))
	if err != nil {
		t.Fatalf("PurgeJobLog failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged entry, got %d", purged)
	}
}

func TestGetNewsletterNotFound(t *testing.T) {
	db := setup(t)

	_, err := db.GetNewsletter("nope")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
