package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/modfin/henry/slicez"
	"github.com/modfin/utskick"
	"github.com/modfin/utskick/internal/dao"
	"github.com/modfin/utskick/internal/signals"
	"github.com/modfin/utskick/internal/stats"
	"github.com/modfin/utskick/tools"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port int
	Keys []string
}

// Server is the surface the CRUD collaborator talks to. It stores
// newsletters, messages and clients, reads back status and attempt
// history for display, and triggers schedule recomputation after
// edits. The scheduler itself never goes through here.
type Server struct {
	cfg Config
	db  dao.DAO
	st  *stats.Service
	log *logrus.Logger
	e   *echo.Echo
}

func New(cfg Config, db dao.DAO, st *stats.Service, lc *tools.Logger) *Server {
	return &Server{
		cfg: cfg,
		db:  db,
		st:  st,
		log: lc.New("api"),
	}
}

func (s *Server) Start() {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	prom := prometheus.NewPrometheus("utskick", nil)
	prom.Use(e)

	if len(s.cfg.Keys) > 0 {
		e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup: "header:X-Api-Key",
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/ping" || c.Path() == "/metrics"
			},
			Validator: func(key string, c echo.Context) (bool, error) {
				return slicez.Contains(s.cfg.Keys, key), nil
			},
		}))
	}

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})

	e.GET("/stats", s.getStats)

	e.POST("/messages", s.postMessage)
	e.POST("/clients", s.postClient)

	e.POST("/newsletters", s.postNewsletter)
	e.GET("/newsletters/:id", s.getNewsletter)
	e.PUT("/newsletters/:id/recipients", s.putRecipients)
	e.GET("/newsletters/:id/attempts", s.getAttempts)
	e.POST("/newsletters/:id/recompute", s.postRecompute)

	s.e = e

	go func() {
		err := e.Start(fmt.Sprintf(":%d", s.cfg.Port))
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("api server stopped")
		}
	}()
	s.log.WithField("port", s.cfg.Port).Info("api started")
}

func (s *Server) Stop(ctx context.Context) error {
	if s.e == nil {
		return nil
	}
	return s.e.Shutdown(ctx)
}

func (s *Server) getStats(c echo.Context) error {
	st, err := s.st.Get()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) postMessage(c echo.Context) error {
	var m utskick.Message
	err := c.Bind(&m)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if m.Id == "" {
		m.Id = uuid.NewString()
	}
	err = s.db.AddMessage(m)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, m)
}

func (s *Server) postClient(c echo.Context) error {
	var cl utskick.Client
	err := c.Bind(&cl)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cl.Email == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email is required")
	}
	if cl.Id == "" {
		cl.Id = uuid.NewString()
	}
	err = s.db.AddClient(cl)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	signals.Broadcast(signals.NewsletterChanged)
	return c.JSON(http.StatusCreated, cl)
}

type newsletterReq struct {
	MessageId   string     `json:"message_id"`
	FirstSentAt time.Time  `json:"first_sent_at"`
	LastSentAt  *time.Time `json:"last_sent_at"`
	Period      string     `json:"period"`
	ClientIds   []string   `json:"client_ids"`
}

func (s *Server) postNewsletter(c echo.Context) error {
	var req newsletterReq
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	period, err := utskick.ParsePeriod(req.Period)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.FirstSentAt.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "first_sent_at is required")
	}

	n := utskick.Newsletter{
		Id:          uuid.NewString(),
		MessageId:   req.MessageId,
		FirstSentAt: req.FirstSentAt,
		LastSentAt:  req.LastSentAt,
		Period:      period,
		Status:      utskick.StatusCreated,
	}
	err = s.db.AddNewsletter(n)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if len(req.ClientIds) > 0 {
		err = s.db.SetRecipients(n.Id, req.ClientIds)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	signals.Broadcast(signals.NewsletterChanged)

	created, err := s.db.GetNewsletter(n.Id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) getNewsletter(c echo.Context) error {
	n, err := s.db.GetNewsletter(c.Param("id"))
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, n)
}

func (s *Server) putRecipients(c echo.Context) error {
	var req struct {
		ClientIds []string `json:"client_ids"`
	}
	err := c.Bind(&req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	err = s.db.SetRecipients(c.Param("id"), req.ClientIds)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	signals.Broadcast(signals.NewsletterChanged)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getAttempts(c echo.Context) error {
	attempts, err := s.db.GetAttempts(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, attempts)
}

// postRecompute reapplies the schedule derivation after the
// collaborator has edited schedule fields. Whether the caller was
// allowed to edit those fields is the collaborator's problem, there is
// no notion of roles down here.
func (s *Server) postRecompute(c echo.Context) error {
	n, err := s.db.RecomputeSchedule(c.Param("id"), time.Now())
	if errors.Is(err, dao.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	signals.Broadcast(signals.NewsletterChanged)
	return c.JSON(http.StatusOK, n)
}
