package dao

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/modfin/utskick"
)

var ErrNotFound = errors.New("not found")

type DAO interface {
	AddMessage(m utskick.Message) error
	GetMessage(id string) (*utskick.Message, error)
	AddClient(c utskick.Client) error
	GetClient(id string) (*utskick.Client, error)

	AddNewsletter(n utskick.Newsletter) error
	GetNewsletter(id string) (*utskick.Newsletter, error)
	SetRecipients(newsletterId string, clientIds []string) error

	// GetDueNewsletters returns every newsletter whose next fire time
	// has passed and whose status still permits sending, with message
	// and recipients loaded. COMPLETED newsletters are never returned.
	GetDueNewsletters(now time.Time) ([]utskick.Newsletter, error)

	// CompleteDispatch advances the newsletter's schedule and records
	// the one attempt of this tick as a single transaction, a
	// newsletter never ends up advanced without its attempt row or the
	// other way around.
	CompleteDispatch(n utskick.Newsletter, attempt utskick.Attempt) error

	// RecomputeSchedule reapplies the schedule derivation after an
	// external edit of first_sent_at, last_sent_at or period.
	RecomputeSchedule(id string, now time.Time) (*utskick.Newsletter, error)

	GetAttempts(newsletterId string) ([]utskick.Attempt, error)

	CountNewsletters() (int, error)
	CountLaunched() (int, error)
	CountUniqueRecipients() (int, error)

	AddJobLogEntry(job string, startedAt time.Time, log string) error
	PurgeJobLog(olderThan time.Time) (int64, error)
}

func NewSQLite(path string) (DAO, error) {
	lite := &sqlite{path: path}
	err := lite.ensureSchema()
	return lite, err
}

type sqlite struct {
	db   *sqlx.DB
	path string
}

func (s *sqlite) AddMessage(m utskick.Message) error {
	q := `INSERT INTO message (id, subject, body) VALUES (?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, m.Id, m.Subject, m.Body)
	if err != nil {
		return fmt.Errorf("failed to insert message, %w", err)
	}
	return nil
}

func (s *sqlite) GetMessage(id string) (*utskick.Message, error) {
	q := `SELECT id, subject, body FROM message WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var row messageRow
	err = db.Get(&row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m := row.toMessage()
	return &m, nil
}

func (s *sqlite) AddClient(c utskick.Client) error {
	q := `INSERT INTO client (id, name, email, comment) VALUES (?, ?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, c.Id, c.Name, c.Email, c.Comment)
	if err != nil {
		return fmt.Errorf("failed to insert client, %w", err)
	}
	return nil
}

func (s *sqlite) GetClient(id string) (*utskick.Client, error) {
	q := `SELECT id, name, email, comment FROM client WHERE id = ?`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var row clientRow
	err = db.Get(&row, q, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c := row.toClient()
	return &c, nil
}

func (s *sqlite) AddNewsletter(n utskick.Newsletter) (err error) {
	q := `
	INSERT INTO newsletter (id, message_id, first_sent_at, last_sent_at, period, status, next_fire_at)
	VALUES (:id, :message_id, :first_sent_at, :last_sent_at, :period, :status, :next_fire_at)
	`

	// A fresh newsletter fires at its anchor.
	if n.NextFireAt.IsZero() {
		n.NextFireAt = utskick.AtMinute(n.FirstSentAt)
	}
	if n.Status == "" {
		n.Status = utskick.StatusCreated
	}

	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	var last interface{}
	if n.LastSentAt != nil {
		last = n.LastSentAt.In(time.UTC)
	}

	stmt, err := tx.PrepareNamed(q)
	if err != nil {
		return fmt.Errorf("failed to prepare statement, %w", err)
	}
	defer stmt.Close()

	_, err = stmt.Exec(map[string]interface{}{
		"id":            n.Id,
		"message_id":    n.MessageId,
		"first_sent_at": utskick.AtMinute(n.FirstSentAt),
		"last_sent_at":  last,
		"period":        string(n.Period),
		"status":        string(n.Status),
		"next_fire_at":  utskick.AtMinute(n.NextFireAt),
	})
	if err != nil {
		return fmt.Errorf("failed to insert newsletter, %w", err)
	}
	return nil
}

func (s *sqlite) GetNewsletter(id string) (*utskick.Newsletter, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var row newsletterRow
	err = db.Get(&row, `SELECT * FROM newsletter WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	n := row.toNewsletter()
	err = s.loadRefs(db, &n)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *sqlite) loadRefs(db *sqlx.DB, n *utskick.Newsletter) error {
	var mrow messageRow
	err := db.Get(&mrow, `SELECT id, subject, body FROM message WHERE id = ?`, n.MessageId)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to load message for newsletter %s, %w", n.Id, err)
	}
	if err == nil {
		m := mrow.toMessage()
		n.Message = &m
	}

	// rowid order keeps recipients in the order they were attached,
	// the dispatch aggregation depends on it being stable.
	q := `
	SELECT c.id, c.name, c.email, c.comment
	FROM newsletter_client nc
	JOIN client c ON c.id = nc.client_id
	WHERE nc.newsletter_id = ?
	ORDER BY nc.rowid
	`
	var crows []clientRow
	err = db.Select(&crows, q, n.Id)
	if err != nil {
		return fmt.Errorf("failed to load recipients for newsletter %s, %w", n.Id, err)
	}
	n.Recipients = n.Recipients[:0]
	for _, row := range crows {
		n.Recipients = append(n.Recipients, row.toClient())
	}
	return nil
}

func (s *sqlite) SetRecipients(newsletterId string, clientIds []string) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	_, err = tx.Exec(`DELETE FROM newsletter_client WHERE newsletter_id = ?`, newsletterId)
	if err != nil {
		return fmt.Errorf("failed to clear recipients, %w", err)
	}
	for _, clientId := range clientIds {
		_, err = tx.Exec(`INSERT INTO newsletter_client (newsletter_id, client_id) VALUES (?, ?)`, newsletterId, clientId)
		if err != nil {
			return fmt.Errorf("failed to attach client %s, %w", clientId, err)
		}
	}
	return nil
}

func (s *sqlite) GetDueNewsletters(now time.Time) (due []utskick.Newsletter, err error) {
	q := `
	SELECT *
	FROM newsletter
	WHERE status IN (?, ?)
	  AND next_fire_at <= ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}

	var rows []newsletterRow
	err = db.Select(&rows, q, string(utskick.StatusCreated), string(utskick.StatusLaunched), utskick.AtMinute(now))
	if err != nil {
		return nil, fmt.Errorf("failed to select due newsletters, %w", err)
	}

	for _, row := range rows {
		n := row.toNewsletter()
		err = s.loadRefs(db, &n)
		if err != nil {
			return nil, err
		}
		due = append(due, n)
	}
	return due, nil
}

func (s *sqlite) CompleteDispatch(n utskick.Newsletter, attempt utskick.Attempt) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX()
	if err != nil {
		return err
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()

	q1 := `
	UPDATE newsletter
	SET next_fire_at = ?, status = ?, updated_at = ?
	WHERE id = ?
	`
	res, err := tx.Exec(q1, utskick.AtMinute(n.NextFireAt), string(n.Status), time.Now().In(time.UTC), n.Id)
	if err != nil {
		return fmt.Errorf("failed to advance newsletter %s, %w", n.Id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("expected to advance newsletter %s, %d rows were affected", n.Id, affected)
	}

	q2 := `
	INSERT INTO attempt (id, newsletter_id, sent_at, succeeded, server_response)
	VALUES (?, ?, ?, ?, ?)
	`
	var owner interface{}
	if attempt.NewsletterId != nil {
		owner = *attempt.NewsletterId
	}
	_, err = tx.Exec(q2, attempt.Id, owner, attempt.SentAt.In(time.UTC), attempt.Succeeded, attempt.ServerResponse)
	if err != nil {
		return fmt.Errorf("failed to insert attempt for newsletter %s, %w", n.Id, err)
	}
	return nil
}

func (s *sqlite) RecomputeSchedule(id string, now time.Time) (updated *utskick.Newsletter, err error) {
	n, err := s.GetNewsletter(id)
	if err != nil {
		return nil, err
	}

	n.NextFireAt = utskick.NextFire(n.FirstSentAt, n.Period, now)
	n.Status = utskick.ResolveStatus(n.FirstSentAt, n.LastSentAt, now)

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	q := `UPDATE newsletter SET next_fire_at = ?, status = ?, updated_at = ? WHERE id = ?`
	_, err = db.Exec(q, n.NextFireAt, string(n.Status), time.Now().In(time.UTC), id)
	if err != nil {
		return nil, fmt.Errorf("failed to recompute schedule for %s, %w", id, err)
	}
	return n, nil
}

func (s *sqlite) GetAttempts(newsletterId string) (attempts []utskick.Attempt, err error) {
	q := `SELECT * FROM attempt WHERE newsletter_id = ? ORDER BY sent_at DESC`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var rows []attemptRow
	err = db.Select(&rows, q, newsletterId)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		attempts = append(attempts, row.toAttempt())
	}
	return attempts, nil
}

func (s *sqlite) CountNewsletters() (int, error) {
	return s.count(`SELECT count(*) FROM newsletter`)
}

func (s *sqlite) CountLaunched() (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, `SELECT count(*) FROM newsletter WHERE status = ?`, string(utskick.StatusLaunched))
	return n, err
}

func (s *sqlite) CountUniqueRecipients() (int, error) {
	q := `
	SELECT count(DISTINCT c.email)
	FROM newsletter_client nc
	JOIN client c ON c.id = nc.client_id
	`
	return s.count(q)
}

func (s *sqlite) count(q string) (int, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	var n int
	err = db.Get(&n, q)
	return n, err
}

func (s *sqlite) AddJobLogEntry(job string, startedAt time.Time, log string) error {
	q := `INSERT INTO job_log (job, started_at, log) VALUES (?, ?, ?)`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.Exec(q, job, startedAt.In(time.UTC), log)
	if err != nil {
		return fmt.Errorf("failed to insert job log entry, %w", err)
	}
	return nil
}

func (s *sqlite) PurgeJobLog(olderThan time.Time) (int64, error) {
	q := `DELETE FROM job_log WHERE started_at < ?`
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(q, olderThan.In(time.UTC))
	if err != nil {
		return 0, fmt.Errorf("failed to purge job log, %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlite) tuneDatabase() error {
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma foreign_keys = on;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *sqlite) getDB() (*sqlx.DB, error) {
	var err error
	for s.db == nil || s.db.Ping() != nil {
		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
		s.db, err = sqlx.Connect("sqlite3", s.path)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		err = s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}
	return s.db, nil
}

func (s *sqlite) getTX() (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.Beginx()
}

func (s *sqlite) ensureSchema() error {
	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS client (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL,
		comment TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS newsletter (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL REFERENCES message(id) ON DELETE CASCADE,

		first_sent_at DATETIME NOT NULL,
		last_sent_at DATETIME,

		period TEXT NOT NULL DEFAULT 'DISABLED',   -- DISABLED, DAILY, WEEKLY, MONTHLY
		status TEXT NOT NULL DEFAULT 'CREATED',    -- CREATED, LAUNCHED, COMPLETED
		next_fire_at DATETIME NOT NULL,

		created_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now')),
		updated_at DATETIME NOT NULL DEFAULT (strftime('%Y-%m-%d %H:%M:%f', 'now'))
	);

	CREATE TABLE IF NOT EXISTS newsletter_client (
		newsletter_id TEXT NOT NULL REFERENCES newsletter(id) ON DELETE CASCADE,
		client_id TEXT NOT NULL REFERENCES client(id) ON DELETE CASCADE,
		PRIMARY KEY (newsletter_id, client_id)
	);

	CREATE INDEX IF NOT EXISTS idx_newsletter_due ON newsletter(next_fire_at)
		WHERE status IN ('CREATED', 'LAUNCHED');

	CREATE TABLE IF NOT EXISTS attempt (
		id TEXT PRIMARY KEY,
		newsletter_id TEXT REFERENCES newsletter(id) ON DELETE SET NULL,
		sent_at DATETIME NOT NULL,
		succeeded BOOLEAN NOT NULL DEFAULT FALSE,
		server_response TEXT
	);

	CREATE TABLE IF NOT EXISTS job_log (
		job TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		log TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_log_started_at ON job_log(started_at);
`)
	if err != nil {
		return fmt.Errorf("could not upsert schema, %w", err)
	}
	return nil
}
