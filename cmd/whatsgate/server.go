package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"whatsgate/internal/constants"
	apperrors "whatsgate/internal/errors"
	"whatsgate/internal/gateway"
	"whatsgate/internal/httputil"
	"whatsgate/internal/metrics"
	"whatsgate/internal/middleware"
	"whatsgate/internal/models"
	"whatsgate/internal/security"
	"whatsgate/internal/validation"
	"whatsgate/internal/webhook"
	"whatsgate/pkg/media"
	"whatsgate/pkg/whatsapp/types"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// EventSink accepts raw WAHA events posted to the webhook receiver
type EventSink interface {
	Deliver(ctx context.Context, raw []byte) error
}

// Pinger reports whether the database is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      *models.Config
	router   *mux.Router
	logger   *logrus.Logger
	gateway  *gateway.Gateway
	webhooks *webhook.Registry
	media    *media.Preparer
	events   EventSink
	db       Pinger
	metrics  *metrics.Registry
	server   *http.Server
}

func NewServer(cfg *models.Config, gw *gateway.Gateway, webhooks *webhook.Registry, events EventSink, db Pinger, logger *logrus.Logger, registry *metrics.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		gateway:  gw,
		webhooks: webhooks,
		media:    media.NewPreparer(media.DefaultLimits()),
		events:   events,
		db:       db,
		metrics:  registry,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger, s.metrics, s.cfg.Server.TrustProxyHeaders))
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, r, s.logger, apperrors.NewNotFoundError("route", r.URL.Path))
	})

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// WAHA pushes events here when eventSource is "webhook"
	s.router.HandleFunc("/webhook/whatsapp", s.handleWhatsAppWebhook()).Methods(http.MethodPost)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(middleware.RequireAPIKey(s.cfg.Server.APIKey, s.logger, s.metrics))

	api.HandleFunc("/session", s.handleGetSession()).Methods(http.MethodGet)
	api.HandleFunc("/session/connect", s.handleConnect()).Methods(http.MethodPost)
	api.HandleFunc("/session/disconnect", s.handleDisconnect()).Methods(http.MethodPost)

	api.HandleFunc("/messages", s.handleSendMessage()).Methods(http.MethodPost)
	api.HandleFunc("/messages", s.handleListMessages()).Methods(http.MethodGet)

	api.HandleFunc("/webhooks", s.handleCreateWebhook()).Methods(http.MethodPost)
	api.HandleFunc("/webhooks", s.handleListWebhooks()).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{id:[0-9]+}", s.handleGetWebhook()).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{id:[0-9]+}", s.handleUpdateWebhook()).Methods(http.MethodPut)
	api.HandleFunc("/webhooks/{id:[0-9]+}", s.handleDeleteWebhook()).Methods(http.MethodDelete)
}

func (s *Server) Start() error {
	port := s.cfg.Server.Port
	if port == 0 {
		port = constants.DefaultServerPort
	}

	// a send may block for the whole send timeout before the response is written
	writeTimeout := time.Duration(constants.DefaultServerWriteTimeoutSec) * time.Second
	if send := time.Duration(constants.DefaultSendTimeoutSec)*time.Second + 5*time.Second; send > writeTimeout {
		writeTimeout = send
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		ReadTimeout:       time.Duration(constants.DefaultServerReadTimeoutSec) * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.WithField("port", port).Info("Starting API server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		body := map[string]interface{}{
			"status":  "healthy",
			"version": Version,
			"session": s.gateway.SessionState().State,
		}
		status := http.StatusOK
		if err := s.db.Ping(ctx); err != nil {
			s.logger.WithError(err).Warn("Health check: database unreachable")
			body["status"] = "unhealthy"
			body["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, status, body)
	}
}

func (s *Server) handleGetSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, s.gateway.SessionState())
	}
}

func (s *Server) handleConnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.gateway.Connect(r.Context()); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, s.gateway.SessionState())
	}
}

func (s *Server) handleDisconnect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.gateway.Disconnect(r.Context()); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s.gateway.SessionState())
	}
}

type sendMessageRequest struct {
	To    string         `json:"to"`
	Body  string         `json:"body"`
	Media *media.Request `json:"media,omitempty"`
}

func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendMessageRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxSendBodyBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		send := gateway.SendRequest{To: req.To, Body: req.Body}
		if req.Media != nil {
			m, err := s.media.Prepare(*req.Media)
			if err != nil {
				httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("media", "", err.Error()))
				return
			}
			send.Media = &m
		}

		msg, err := s.gateway.Send(r.Context(), send)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, msg)
	}
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter, err := parseMessageFilter(r)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		page, err := s.gateway.Messages(r.Context(), filter)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, page)
	}
}

func parseMessageFilter(r *http.Request) (models.MessageFilter, error) {
	q := r.URL.Query()
	filter := models.MessageFilter{
		Direction: models.Direction(q.Get("direction")),
		Status:    models.DeliveryStatus(q.Get("status")),
	}

	switch filter.Direction {
	case "", models.DirectionInbound, models.DirectionOutbound:
	default:
		return filter, apperrors.NewValidationError("direction", q.Get("direction"), "must be inbound or outbound")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, apperrors.NewValidationError("status", q.Get("status"), "unknown delivery status")
	}

	if number := q.Get("number"); number != "" {
		filter.CounterpartyNumber = types.NumberFromChatID(types.ChatIDFromNumber(number))
	}

	for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return filter, apperrors.NewValidationError(name, raw, "must be a positive integer")
		}
		*dst = n
	}
	return filter.Normalize(), nil
}

type webhookRequest struct {
	Owner       string   `json:"owner"`
	EndpointURL string   `json:"endpointUrl"`
	EventFilter []string `json:"eventFilter"`
	Secret      string   `json:"secret,omitempty"`
	Active      *bool    `json:"active,omitempty"`
}

// webhookCreated echoes the signing secret once, on creation
type webhookCreated struct {
	*models.WebhookSubscription
	Secret string `json:"secret"`
}

func (s *Server) handleCreateWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxAPIBodyBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := validation.ValidateOwner(req.Owner); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := security.ValidateWebhookURL(req.EndpointURL); err != nil {
			httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("endpointUrl", req.EndpointURL, err.Error()))
			return
		}

		secret := req.Secret
		if secret == "" {
			generated, err := webhook.GenerateSecret()
			if err != nil {
				httputil.WriteError(w, r, s.logger, err)
				return
			}
			secret = generated
		}

		sub := &models.WebhookSubscription{
			Owner:       strings.TrimSpace(req.Owner),
			EndpointURL: strings.TrimSpace(req.EndpointURL),
			EventFilter: req.EventFilter,
			Secret:      secret,
			Active:      req.Active == nil || *req.Active,
		}
		if err := s.webhooks.Register(r.Context(), sub); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"webhook_id": sub.ID,
			"owner":      sub.Owner,
			"events":     sub.EventFilter,
		}).Info("Webhook registered")
		httputil.WriteJSON(w, http.StatusCreated, webhookCreated{WebhookSubscription: sub, Secret: secret})
	}
}

func (s *Server) handleListWebhooks() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		subs, err := s.webhooks.List(r.Context(), r.URL.Query().Get("owner"))
		if err != nil {
			httputil.WriteError(w, r, s.logger, apperrors.NewDatabaseError("list webhooks", err))
			return
		}
		if subs == nil {
			subs = []*models.WebhookSubscription{}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{"webhooks": subs})
	}
}

func (s *Server) handleGetWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := s.loadWebhook(w, r)
		if !ok {
			return
		}
		httputil.WriteJSON(w, http.StatusOK, sub)
	}
}

func (s *Server) handleUpdateWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := s.loadWebhook(w, r)
		if !ok {
			return
		}

		var req webhookRequest
		if err := httputil.DecodeJSON(w, r, constants.MaxAPIBodyBytes, &req); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}

		if req.EndpointURL != "" {
			if err := security.ValidateWebhookURL(req.EndpointURL); err != nil {
				httputil.WriteError(w, r, s.logger, apperrors.NewValidationError("endpointUrl", req.EndpointURL, err.Error()))
				return
			}
			sub.EndpointURL = strings.TrimSpace(req.EndpointURL)
		}
		if req.EventFilter != nil {
			sub.EventFilter = req.EventFilter
		}
		if req.Secret != "" {
			sub.Secret = req.Secret
		}
		if req.Active != nil {
			sub.Active = *req.Active
		}

		if err := s.webhooks.Update(r.Context(), sub); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, sub)
	}
}

func (s *Server) handleDeleteWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := webhookID(r)
		if err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		if err := s.webhooks.Remove(r.Context(), id); err != nil {
			httputil.WriteError(w, r, s.logger, err)
			return
		}
		s.logger.WithField("webhook_id", id).Info("Webhook removed")
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) loadWebhook(w http.ResponseWriter, r *http.Request) (*models.WebhookSubscription, bool) {
	id, err := webhookID(r)
	if err != nil {
		httputil.WriteError(w, r, s.logger, err)
		return nil, false
	}
	sub, err := s.webhooks.Get(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, r, s.logger, apperrors.NewDatabaseError("get webhook", err))
		return nil, false
	}
	if sub == nil {
		httputil.WriteError(w, r, s.logger, apperrors.NewNotFoundError("webhook", strconv.FormatInt(id, 10)))
		return nil, false
	}
	return sub, true
}

func webhookID(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperrors.NewValidationError("id", raw, "must be a numeric id")
	}
	return id, nil
}

func (s *Server) handleWhatsAppWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, constants.MaxInboundWebhookBodyBytes)
		body, err := verifyWAHASignature(r, s.cfg.WhatsApp.WebhookSecret)
		if err != nil {
			s.metrics.IncrementCounter(metrics.InboundWebhookRejects, map[string]string{"reason": "signature"}, "Rejected inbound WAHA webhooks")
			s.logger.WithError(err).Warn("Rejected WAHA webhook")
			httputil.WriteError(w, r, s.logger, apperrors.NewAuthError(err.Error()))
			return
		}

		if err := s.events.Deliver(r.Context(), body); err != nil {
			s.metrics.IncrementCounter(metrics.InboundWebhookRejects, map[string]string{"reason": "payload"}, "Rejected inbound WAHA webhooks")
			httputil.WriteError(w, r, s.logger, apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid WAHA event").
				WithUserMessage("Invalid WAHA event payload"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
	}
}
