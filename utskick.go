package utskick

import (
	"fmt"
	"time"
)

type Period string

const (
	PeriodDisabled Period = "DISABLED"
	PeriodDaily    Period = "DAILY"
	PeriodWeekly   Period = "WEEKLY"
	PeriodMonthly  Period = "MONTHLY"
)

func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodDisabled, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return Period(s), nil
	}
	return "", fmt.Errorf("unknown period %q", s)
}

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusLaunched  Status = "LAUNCHED"
	StatusCompleted Status = "COMPLETED"
)

// Newsletter is a recurring mailing of one message to a set of clients.
// FirstSentAt is the recurrence anchor and never changes after creation.
// NextFireAt and Status are maintained by the scheduler, everything else
// by whatever CRUD surface sits in front of the service.
type Newsletter struct {
	Id          string     `json:"id"`
	MessageId   string     `json:"message_id"`
	FirstSentAt time.Time  `json:"first_sent_at"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`
	Period      Period     `json:"period"`
	Status      Status     `json:"status"`
	NextFireAt  time.Time  `json:"next_fire_at"`

	Message    *Message `json:"message,omitempty"`
	Recipients []Client `json:"recipients,omitempty"`
}

type Message struct {
	Id      string `json:"id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Client struct {
	Id      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Comment string `json:"comment"`
}

func (c Client) String() string {
	if len(c.Name) == 0 {
		return c.Email
	}
	return fmt.Sprintf("\"%s\" <%s>", c.Name, c.Email)
}

// Attempt is the aggregate outcome of one dispatch of one newsletter.
// There is exactly one attempt per newsletter per tick it was due, no
// matter how many recipients it has. NewsletterId is nil once the owning
// newsletter has been deleted, the attempt history outlives it.
type Attempt struct {
	Id             string    `json:"id"`
	NewsletterId   *string   `json:"newsletter_id,omitempty"`
	SentAt         time.Time `json:"sent_at"`
	Succeeded      bool      `json:"succeeded"`
	ServerResponse string    `json:"server_response"`
}

// Stats are the read side counters shown on the landing page of the
// CRUD collaborator.
type Stats struct {
	Newsletters      int `json:"newsletters"`
	Launched         int `json:"launched"`
	UniqueRecipients int `json:"unique_recipients"`
}
