package tallykit

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/nhalm/tallykit/counter"
	"github.com/nhalm/tallykit/giveaway"
	"github.com/nhalm/tallykit/sanitize"
	"github.com/nhalm/tallykit/security"
	"github.com/nhalm/tallykit/store"
	"github.com/prometheus/client_golang/prometheus"
)

// Services are the components the router exposes.
type Services struct {
	// Engine is the process-wide counter engine. Its local mirror must be
	// Durable; each request gets a view over its own tab.
	Engine   *counter.Engine
	Security *security.Controller
	Picker   *giveaway.Picker

	Durable  store.Store
	Volatile store.Store

	Metrics  *Metrics
	Gatherer prometheus.Gatherer
}

type routerConfig struct {
	adminKey    string
	loginLimit  int
	loginWindow time.Duration
	loginIP     int
	trustProxy  bool
	maxBody     int64
	onNewTab    func(Scope)
	canonlog    bool
}

// RouterOption configures NewRouter.
type RouterOption func(*routerConfig)

// WithAdminAPIKey sets the key required by operator routes. Without one the
// operator routes reject every request.
func WithAdminAPIKey(key string) RouterOption {
	return func(c *routerConfig) {
		c.adminKey = key
	}
}

// WithLoginRateLimit limits session creation per tab. Default 5 per minute.
func WithLoginRateLimit(limit int, window time.Duration) RouterOption {
	return func(c *routerConfig) {
		c.loginLimit = limit
		c.loginWindow = window
	}
}

// WithLoginIPRateLimit limits session creation per client address across all
// tabs, in the same window as WithLoginRateLimit. Default 20.
func WithLoginIPRateLimit(limit int) RouterOption {
	return func(c *routerConfig) {
		c.loginIP = limit
	}
}

// WithTrustedProxy takes the client address from X-Forwarded-For or X-Real-IP.
// Only enable it behind a proxy that sets those headers.
func WithTrustedProxy() RouterOption {
	return func(c *routerConfig) {
		c.trustProxy = true
	}
}

// WithBodyLimit sets the maximum request body size. Default 64KB.
func WithBodyLimit(n int64) RouterOption {
	return func(c *routerConfig) {
		c.maxBody = n
	}
}

// WithNewTabHook runs fn whenever a request is issued a new tab id.
func WithNewTabHook(fn func(Scope)) RouterOption {
	return func(c *routerConfig) {
		c.onNewTab = fn
	}
}

// WithRequestLogging enables one canonical log line per request.
func WithRequestLogging() RouterOption {
	return func(c *routerConfig) {
		c.canonlog = true
	}
}

type api struct {
	Services
	scoper *Scoper
}

// NewRouter builds the HTTP API.
//
//	GET    /healthz
//	GET    /metrics
//	POST   /v1/counters/{id}/hits
//	GET    /v1/counters/{id}
//	GET    /v1/counters/{id}/history
//	POST   /v1/clicks/{id}
//	GET    /v1/clicks/{id}
//	POST   /v1/sync                  (admin)
//	POST   /v1/sessions
//	GET    /v1/session               (session)
//	DELETE /v1/session               (session, csrf)
//	POST   /v1/csrf                  (session)
//	POST   /v1/captcha
//	POST   /v1/captcha/verify
//	POST   /v1/validate
//	GET    /v1/security/events       (session)
//	GET    /v1/security/audit        (session)
//	POST   /v1/giveaways/{id}/draw   (admin)
func NewRouter(svc Services, opts ...RouterOption) chi.Router {
	cfg := &routerConfig{
		loginLimit:  5,
		loginWindow: time.Minute,
		loginIP:     20,
		maxBody:     64 << 10,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var scopeOpts []ScopeOption
	if cfg.onNewTab != nil {
		scopeOpts = append(scopeOpts, ScopeOnNewTab(cfg.onNewTab))
	}
	a := &api{
		Services: svc,
		scoper:   NewScoper(svc.Durable, svc.Volatile, scopeOpts...),
	}

	handlerOpts := []HandlerOption{WithMetrics(svc.Metrics), WithSLOs()}
	if cfg.canonlog {
		handlerOpts = append(handlerOpts, WithCanonlog())
	}

	r := chi.NewRouter()
	if cfg.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(sanitize.Responses())
	r.Use(Handler(handlerOpts...))
	r.Use(MaxBodySize(cfg.maxBody))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrMethodNotAllowed)
	})

	r.Get("/healthz", a.health)
	if svc.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", MetricsHandler(svc.Gatherer))
	}

	admin := APIKey(StaticAPIKey(cfg.adminKey))
	session := RequireSession(svc.Security)
	csrf := RequireCSRF(svc.Security)
	login := NewRateLimiter(svc.Security, "login", cfg.loginLimit, cfg.loginWindow,
		RateLimitWithIP(svc.Volatile, cfg.loginIP),
		RateLimitWithMetrics(svc.Metrics),
	)

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.scoper.Handler)
		r.Use(RequireContentType("application/json"))
		r.Use(Binder())

		r.Group(func(r chi.Router) {
			r.Use(SLO(SLOCounter))
			r.Post("/counters/{id}/hits", a.hit)
			r.Get("/counters/{id}", a.counterValue)
			r.Get("/counters/{id}/history", a.counterHistory)
			r.Post("/clicks/{id}", a.click)
			r.Get("/clicks/{id}", a.clickValue)
		})

		r.Group(func(r chi.Router) {
			r.Use(SLO(SLOSecurity))
			r.With(login.Handler).Post("/sessions", a.createSession)
			r.With(session).Get("/session", a.getSession)
			r.With(session, csrf).Delete("/session", a.destroySession)
			r.With(session).Post("/csrf", a.csrfToken)
			r.Post("/captcha", a.captcha)
			r.Post("/captcha/verify", a.verifyCaptcha)
			r.Post("/validate", a.validate)
			r.With(session).Get("/security/events", a.events)
			r.With(session).Get("/security/audit", a.audit)
		})

		r.Group(func(r chi.Router) {
			r.Use(SLO(SLOAdmin), admin)
			r.Post("/sync", a.sync)
			r.Post("/giveaways/{id}/draw", a.draw)
		})
	})

	return r
}

func (a *api) engineFor(r *http.Request) *counter.Engine {
	sc, _ := ScopeFromContext(r.Context())
	return a.Engine.Scoped(a.Durable, sc.Volatile)
}

func (a *api) securityFor(r *http.Request) *security.Controller {
	ctl, _ := controllerFor(r, a.Security)
	return ctl
}

// checkInputs runs each field through the XSS check, recording an event for
// the first offender.
func (a *api) checkInputs(r *http.Request, fields map[string]string) bool {
	ctl := a.securityFor(r)
	for field, value := range fields {
		if err := ctl.CheckInput(r.Context(), field, value); err != nil {
			SetError(r, ErrUnsafeInput.WithParam(ErrUnsafeInput.Message, field))
			return false
		}
	}
	return true
}

type counterResponse struct {
	counter.Result
	Mode string `json:"mode"`
}

func (a *api) respondCounter(r *http.Request, res counter.Result, err error) {
	if err != nil {
		SetError(r, ErrBadRequest.WithParam(err.Error(), "id"))
		return
	}
	logField(r.Context(), "counter_id", res.CounterID)
	logField(r.Context(), "mode", res.Mode.String())
	if res.Degraded {
		logField(r.Context(), "degraded", true)
		logError(r.Context(), res.Err)
	}
	SetResponse(r, http.StatusOK, counterResponse{Result: res, Mode: res.Mode.String()})
}

type hitRequest struct {
	PageName string `json:"page_name" validate:"omitempty,max=200"`
	Referrer string `json:"referrer" validate:"omitempty,max=2048"`
}

func (a *api) hit(_ http.ResponseWriter, r *http.Request) {
	var req hitRequest
	if !OptionalJSON(r, &req) {
		return
	}
	if !a.checkInputs(r, map[string]string{"page_name": req.PageName, "referrer": req.Referrer}) {
		return
	}

	// URLs pass the XSS check raw. Free text is cleaned before it is stored.
	res, err := a.engineFor(r).Increment(r.Context(), chi.URLParam(r, "id"), counter.Options{
		PageName:  sanitize.Clean(req.PageName),
		Referrer:  req.Referrer,
		UserAgent: sanitize.Clean(r.UserAgent()),
	})
	a.Metrics.observeIncrement("page", res)
	a.respondCounter(r, res, err)
}

func (a *api) counterValue(_ http.ResponseWriter, r *http.Request) {
	res, err := a.engineFor(r).Value(r.Context(), chi.URLParam(r, "id"))
	a.respondCounter(r, res, err)
}

func (a *api) counterHistory(_ http.ResponseWriter, r *http.Request) {
	entries, err := a.engineFor(r).History(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, counter.ErrInvalidID) || errors.Is(err, counter.ErrEmptyID) {
		SetError(r, ErrBadRequest.WithParam(err.Error(), "id"))
		return
	}
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Counter history unavailable"))
		return
	}
	if entries == nil {
		entries = []counter.HistoryEntry{}
	}
	SetResponse(r, http.StatusOK, map[string]any{"history": entries})
}

type clickRequest struct {
	Name     string `json:"name" validate:"omitempty,max=200"`
	URL      string `json:"url" validate:"omitempty,max=2048"`
	Referrer string `json:"referrer" validate:"omitempty,max=2048"`
}

func (a *api) click(_ http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if !OptionalJSON(r, &req) {
		return
	}
	if !a.checkInputs(r, map[string]string{"name": req.Name, "url": req.URL, "referrer": req.Referrer}) {
		return
	}

	res, err := a.engineFor(r).Click(r.Context(), chi.URLParam(r, "id"), counter.ClickOptions{
		Name:      sanitize.Clean(req.Name),
		URL:       req.URL,
		Referrer:  req.Referrer,
		UserAgent: sanitize.Clean(r.UserAgent()),
	})
	a.Metrics.observeIncrement("click", res)
	a.respondCounter(r, res, err)
}

func (a *api) clickValue(_ http.ResponseWriter, r *http.Request) {
	res, err := a.engineFor(r).ClickValue(r.Context(), chi.URLParam(r, "id"))
	a.respondCounter(r, res, err)
}

type syncResponse struct {
	counter.SyncReport
	Mode string `json:"mode"`
}

func (a *api) sync(_ http.ResponseWriter, r *http.Request) {
	report, err := a.Engine.Sync(r.Context())
	a.Metrics.observeSync(report)
	if err != nil {
		logError(r.Context(), err)
	}
	SetResponse(r, http.StatusOK, syncResponse{SyncReport: report, Mode: a.Engine.Mode().String()})
}

type sessionRequest struct {
	ID       string `json:"id" validate:"required,max=128,safe"`
	Username string `json:"username" validate:"required,min=3,max=20"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
	Role     string `json:"role" validate:"omitempty,oneof=admin moderator user"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	CSRFToken string `json:"csrf_token"`
}

func (a *api) createSession(_ http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if !JSON(r, &req) {
		return
	}

	ctl := a.securityFor(r)
	id, err := ctl.CreateSession(r.Context(), security.User{
		ID:       req.ID,
		Username: req.Username,
		Email:    req.Email,
		Role:     req.Role,
	})
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		SetError(r, NewValidationError(translateErrors(err, getBindConfig(r.Context()).formatter)))
		return
	case err != nil:
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Session store unavailable"))
		return
	}

	token, err := ctl.GenerateCSRFToken(r.Context())
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Could not issue CSRF token"))
		return
	}
	logField(r.Context(), "user_id", req.ID)
	SetResponse(r, http.StatusCreated, sessionResponse{SessionID: id, CSRFToken: token})
}

func (a *api) getSession(_ http.ResponseWriter, r *http.Request) {
	sess, _ := SessionFromContext(r.Context())
	SetResponse(r, http.StatusOK, sess)
}

func (a *api) destroySession(_ http.ResponseWriter, r *http.Request) {
	if err := a.securityFor(r).DestroySession(r.Context()); err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Session store unavailable"))
		return
	}
	SetResponse(r, http.StatusNoContent, nil)
}

func (a *api) csrfToken(_ http.ResponseWriter, r *http.Request) {
	token, err := a.securityFor(r).GenerateCSRFToken(r.Context())
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Could not issue CSRF token"))
		return
	}
	SetResponse(r, http.StatusOK, map[string]string{"csrf_token": token})
}

func (a *api) captcha(_ http.ResponseWriter, r *http.Request) {
	c, err := a.securityFor(r).GenerateCaptcha(r.Context())
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Could not issue CAPTCHA"))
		return
	}
	SetResponse(r, http.StatusOK, c)
}

type captchaRequest struct {
	Answer string `json:"answer" validate:"required,max=32"`
}

func (a *api) verifyCaptcha(_ http.ResponseWriter, r *http.Request) {
	var req captchaRequest
	if !JSON(r, &req) {
		return
	}
	if !a.securityFor(r).VerifyCaptcha(r.Context(), req.Answer) {
		SetError(r, ErrCaptchaInvalid)
		return
	}
	SetResponse(r, http.StatusOK, security.Validation{Valid: true})
}

type validateRequest struct {
	Field string `json:"field" validate:"required,oneof=email password username"`
	Value string `json:"value"`
}

func (a *api) validate(_ http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !JSON(r, &req) {
		return
	}
	var v security.Validation
	switch req.Field {
	case "email":
		v = security.ValidateEmail(req.Value)
	case "password":
		v = security.ValidatePassword(req.Value)
	case "username":
		v = security.ValidateUsername(req.Value)
	}
	SetResponse(r, http.StatusOK, v)
}

type eventsRequest struct {
	Limit int `query:"limit" validate:"omitempty,min=1,max=100"`
}

func (a *api) events(_ http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if !Query(r, &req) {
		return
	}
	events, err := a.securityFor(r).Events(r.Context())
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Security log unavailable"))
		return
	}
	if req.Limit > 0 && len(events) > req.Limit {
		events = events[len(events)-req.Limit:]
	}
	if events == nil {
		events = []security.Event{}
	}
	SetResponse(r, http.StatusOK, map[string]any{"events": events})
}

func (a *api) audit(_ http.ResponseWriter, r *http.Request) {
	report, err := a.securityFor(r).Audit(r.Context())
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrServiceUnavailable.With("Audit failed"))
		return
	}
	SetResponse(r, http.StatusOK, report)
}

type drawRequest struct {
	Participants []string `json:"participants" validate:"required,min=1,max=100000,unique,dive,required,max=128,safe"`
	Winners      int      `json:"winners" validate:"min=0"`
}

func (a *api) draw(_ http.ResponseWriter, r *http.Request) {
	var req drawRequest
	if !JSON(r, &req) {
		return
	}
	d, err := a.Picker.Draw(r.Context(), chi.URLParam(r, "id"), req.Participants, req.Winners)
	if err != nil {
		logError(r.Context(), err)
		SetError(r, ErrInternal)
		return
	}
	logField(r.Context(), "giveaway_id", d.GiveawayID)
	if len(d.Failed) > 0 {
		logField(r.Context(), "winners_unsaved", len(d.Failed))
	}
	SetResponse(r, http.StatusOK, d)
}

type healthResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
}

func (a *api) health(_ http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Mode: a.Engine.Mode().String()}
	if err := a.Durable.Probe(r.Context()); err != nil {
		logError(r.Context(), err)
		resp.Status = "degraded"
		SetResponse(r, http.StatusServiceUnavailable, resp)
		return
	}
	SetResponse(r, http.StatusOK, resp)
}
