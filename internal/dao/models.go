package dao

import (
	"database/sql"
	"time"

	"github.com/modfin/utskick"
)

type newsletterRow struct {
	Id          string       `db:"id"`
	MessageId   string       `db:"message_id"`
	FirstSentAt time.Time    `db:"first_sent_at"`
	LastSentAt  sql.NullTime `db:"last_sent_at"`
	Period      string       `db:"period"`
	Status      string       `db:"status"`
	NextFireAt  time.Time    `db:"next_fire_at"`
	CreatedAt   time.Time    `db:"created_at"`
	UpdatedAt   time.Time    `db:"updated_at"`
}

func (r newsletterRow) toNewsletter() utskick.Newsletter {
	n := utskick.Newsletter{
		Id:          r.Id,
		MessageId:   r.MessageId,
		FirstSentAt: r.FirstSentAt.In(time.UTC),
		Period:      utskick.Period(r.Period),
		Status:      utskick.Status(r.Status),
		NextFireAt:  r.NextFireAt.In(time.UTC),
	}
	if r.LastSentAt.Valid {
		last := r.LastSentAt.Time.In(time.UTC)
		n.LastSentAt = &last
	}
	return n
}

type messageRow struct {
	Id      string `db:"id"`
	Subject string `db:"subject"`
	Body    string `db:"body"`
}

func (r messageRow) toMessage() utskick.Message {
	return utskick.Message{Id: r.Id, Subject: r.Subject, Body: r.Body}
}

type clientRow struct {
	Id      string `db:"id"`
	Name    string `db:"name"`
	Email   string `db:"email"`
	Comment string `db:"comment"`
}

func (r clientRow) toClient() utskick.Client {
	return utskick.Client{Id: r.Id, Name: r.Name, Email: r.Email, Comment: r.Comment}
}

type attemptRow struct {
	Id             string         `db:"id"`
	NewsletterId   sql.NullString `db:"newsletter_id"`
	SentAt         time.Time      `db:"sent_at"`
	Succeeded      bool           `db:"succeeded"`
	ServerResponse sql.NullString `db:"server_response"`
}

func (r attemptRow) toAttempt() utskick.Attempt {
	a := utskick.Attempt{
		Id:             r.Id,
		SentAt:         r.SentAt.In(time.UTC),
		Succeeded:      r.Succeeded,
		ServerResponse: r.ServerResponse.String,
	}
	if r.NewsletterId.Valid {
		id := r.NewsletterId.String
		a.NewsletterId = &id
	}
	return a
}
