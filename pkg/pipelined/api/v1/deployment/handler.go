package api_v1_deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/nais/pipelined/pkg/bus"
	"github.com/nais/pipelined/pkg/events"
	"github.com/nais/pipelined/pkg/pipelined/database"
	"github.com/nais/pipelined/pkg/pipelined/deployment"
	"github.com/nais/pipelined/pkg/pipelined/logstream"
	"github.com/nais/pipelined/pkg/pipelined/middleware"
	log "github.com/sirupsen/logrus"
)

const (
	// Source is the metadata source of events published by the API.
	Source = "api"

	// StreamSentinel starts the last line of a log stream, followed by the final status.
	StreamSentinel = "[DONE]"

	DefaultStreamTimeout = 30 * time.Minute
	DefaultPollInterval  = 2 * time.Second

	maxRequestSize = 1 << 20
)

type Handler struct {
	Store     database.DeploymentStore
	Publisher bus.Publisher
	Logs      *logstream.Hub
	// StreamTimeout ends log streams that have been open for this long.
	StreamTimeout time.Duration
	// PollInterval is how often a log stream checks the store for lines and status changes
	// that were not delivered through the hub.
	PollInterval time.Duration
	Now          func() time.Time
}

type CreateRequest struct {
	Project deployment.Project `json:"project"`
	Source  deployment.Source  `json:"source"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type Response struct {
	Message    string                 `json:"message,omitempty"`
	Deployment *deployment.Deployment `json:"deployment,omitempty"`
	Logs       []deployment.LogLine   `json:"logs,omitempty"`
}

func (r *CreateRequest) validate() error {
	if len(r.Project.ID) == 0 {
		return fmt.Errorf("no project id specified")
	}
	if len(r.Project.RepositoryURL) == 0 {
		return fmt.Errorf("no repository url specified")
	}
	u, err := url.Parse(r.Project.RepositoryURL)
	if err != nil || len(u.Host) == 0 {
		return fmt.Errorf("repository url must be an absolute URL")
	}
	if u.User != nil {
		return fmt.Errorf("repository url must not contain credentials")
	}
	switch r.Project.DeploymentType {
	case "", deployment.TypeManaged, deployment.TypeExternal:
	default:
		return fmt.Errorf("unknown deployment type '%s'", r.Project.DeploymentType)
	}
	if r.Project.Port < 0 || r.Project.Port > 65535 {
		return fmt.Errorf("port %d out of range", r.Project.Port)
	}
	return nil
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, response Response) {
	render.Status(r, status)
	render.JSON(w, r, response)
}

// Create accepts a deployment request and hands it to the orchestrator as a deployment.start event.
// The returned record is PENDING; it can be read back once the orchestrator has consumed the event.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFields(middleware.RequestLogFields(r))

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, Response{Message: fmt.Sprintf("unable to read request body: %s", err)})
		return
	}

	request := &CreateRequest{}
	if err := json.Unmarshal(data, request); err != nil {
		h.respond(w, r, http.StatusBadRequest, Response{Message: fmt.Sprintf("unable to unmarshal request body: %s", err)})
		return
	}

	if err := request.validate(); err != nil {
		h.respond(w, r, http.StatusBadRequest, Response{Message: fmt.Sprintf("invalid deployment request: %s", err)})
		return
	}

	if len(request.Source.Branch) == 0 {
		request.Source.Branch = request.Project.Branch
	}

	id := uuid.New().String()
	d := deployment.New(id, request.Project.ID, request.Source, h.now())
	logger = logger.WithFields(d.LogFields()).WithField(deployment.LogFieldRepository, request.Project.RepositoryURL)

	ev, err := events.New(events.TopicDeploymentStart, events.DeploymentStart{
		Ref:     events.Ref{DeploymentID: id},
		Project: request.Project,
		Source:  request.Source,
	})
	if err != nil {
		h.respond(w, r, http.StatusInternalServerError, Response{Message: "unable to create deployment event"})
		logger.Errorf("Create %s event: %s", events.TopicDeploymentStart, err)
		return
	}
	ev.WithMetadata(events.MetadataSource, Source)

	if err := h.Publisher.Publish(r.Context(), ev, id); err != nil {
		h.respond(w, r, http.StatusBadGateway, Response{Message: "unable to queue deployment"})
		logger.Errorf("Queue deployment: %s", err)
		return
	}

	logger.Infof("Deployment requested")
	h.respond(w, r, http.StatusCreated, Response{Message: "deployment accepted", Deployment: d})
}

// load reads the deployment named in the URL, responding with an error if it cannot.
func (h *Handler) load(w http.ResponseWriter, r *http.Request) *deployment.Deployment {
	id := chi.URLParam(r, "id")
	d, err := h.Store.Deployment(r.Context(), id)
	switch {
	case database.IsErrNotFound(err):
		h.respond(w, r, http.StatusNotFound, Response{Message: fmt.Sprintf("deployment %s not found", id)})
		return nil
	case err != nil:
		h.respond(w, r, http.StatusInternalServerError, Response{Message: "unable to read deployment"})
		log.WithFields(middleware.RequestLogFields(r)).Errorf("Read deployment %s: %s", id, err)
		return nil
	}
	return d
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	d := h.load(w, r)
	if d == nil {
		return
	}

	lines, err := h.Store.Logs(r.Context(), d.ID, 0)
	if err != nil {
		h.respond(w, r, http.StatusInternalServerError, Response{Message: "unable to read build logs"})
		log.WithFields(middleware.RequestLogFields(r)).WithFields(d.LogFields()).Errorf("Read build logs: %s", err)
		return
	}

	h.respond(w, r, http.StatusOK, Response{Deployment: d, Logs: lines})
}

// Cancel requests cancellation of a deployment that has not finished yet.
// Cancellation is carried out by the orchestrator; the response only confirms the request.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	d := h.load(w, r)
	if d == nil {
		return
	}
	logger := log.WithFields(middleware.RequestLogFields(r)).WithFields(d.LogFields())

	if d.Status.Terminal() {
		h.respond(w, r, http.StatusConflict, Response{
			Message:    fmt.Sprintf("deployment already finished with status %s", d.Status),
			Deployment: d,
		})
		return
	}

	request := &CancelRequest{}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err == nil && len(data) > 0 {
		err = json.Unmarshal(data, request)
	}
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, Response{Message: fmt.Sprintf("unable to unmarshal request body: %s", err)})
		return
	}

	ev, err := events.New(events.TopicDeploymentCancel, events.DeploymentCancel{
		Ref:    events.Ref{DeploymentID: d.ID},
		Reason: request.Reason,
	})
	if err != nil {
		h.respond(w, r, http.StatusInternalServerError, Response{Message: "unable to create cancel event"})
		logger.Errorf("Create %s event: %s", events.TopicDeploymentCancel, err)
		return
	}
	ev.WithMetadata(events.MetadataSource, Source)

	if err := h.Publisher.Publish(r.Context(), ev, d.ID); err != nil {
		h.respond(w, r, http.StatusBadGateway, Response{Message: "unable to queue cancellation"})
		logger.Errorf("Queue cancellation: %s", err)
		return
	}

	logger.Infof("Cancellation requested")
	h.respond(w, r, http.StatusAccepted, Response{Message: "cancellation requested", Deployment: d})
}

// Stream writes the build log of a deployment as plain text, one line per entry.
// Lines already stored are replayed before new lines are tailed. When the deployment
// finishes the stream ends with a sentinel line carrying the final status.
// The stream stops when the client disconnects or the stream timeout expires.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	d := h.load(w, r)
	if d == nil {
		return
	}

	logger := log.WithFields(middleware.RequestLogFields(r)).WithFields(d.LogFields())

	// Subscribe before reading the store, so no line falls between replay and tail.
	sub := h.Logs.Subscribe(d.ID)
	defer sub.Close()

	timeout := h.StreamTimeout
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	s := &stream{
		w:     w,
		store: h.Store,
		id:    d.ID,
	}
	s.flusher, _ = w.(http.Flusher)

	err := s.tail(ctx, sub, h.pollInterval())
	switch {
	case err == nil:
		logger.Debugf("Log stream finished")
	case ctx.Err() != nil && r.Context().Err() == nil:
		logger.Debugf("Log stream timed out after %s", timeout)
	case r.Context().Err() != nil:
		logger.Debugf("Log stream closed by client")
	default:
		logger.Warnf("Log stream aborted: %s", err)
	}
}

func (h *Handler) pollInterval() time.Duration {
	if h.PollInterval > 0 {
		return h.PollInterval
	}
	return DefaultPollInterval
}

type stream struct {
	w       io.Writer
	flusher http.Flusher
	store   database.DeploymentStore
	id      string
	last    int64
}

func (s *stream) write(line deployment.LogLine) error {
	if line.Seq <= s.last {
		return nil
	}
	if _, err := fmt.Fprintln(s.w, line.String()); err != nil {
		return err
	}
	s.last = line.Seq
	return nil
}

func (s *stream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

// catchUp writes every stored line newer than the last one written.
func (s *stream) catchUp(ctx context.Context) error {
	lines, err := s.store.Logs(ctx, s.id, s.last)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := s.write(line); err != nil {
			return err
		}
	}
	s.flush()
	return nil
}

func (s *stream) done(ctx context.Context, status deployment.Status) error {
	if err := s.catchUp(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%s %s\n", StreamSentinel, status); err != nil {
		return err
	}
	s.flush()
	return nil
}

// status reloads the deployment and reports whether it has finished.
func (s *stream) status(ctx context.Context) (deployment.Status, bool, error) {
	d, err := s.store.Deployment(ctx, s.id)
	if err != nil {
		return "", false, err
	}
	return d.Status, d.Status.Terminal(), nil
}

func (s *stream) tail(ctx context.Context, sub *logstream.Subscription, interval time.Duration) error {
	if err := s.catchUp(ctx); err != nil {
		return err
	}

	status, finished, err := s.status(ctx)
	if err != nil {
		return err
	}
	if finished {
		return s.done(ctx, status)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-sub.Lines():
			if !ok {
				status := sub.Status()
				if len(status) == 0 {
					status, _, err = s.status(ctx)
					if err != nil {
						return err
					}
				}
				return s.done(ctx, status)
			}
			if line.Seq > s.last+1 {
				// lines were dropped for this subscriber
				if err := s.catchUp(ctx); err != nil {
					return err
				}
			}
			if err := s.write(line); err != nil {
				return err
			}
			s.flush()

		case <-ticker.C:
			if err := s.catchUp(ctx); err != nil {
				return err
			}
			status, finished, err := s.status(ctx)
			if err != nil {
				return err
			}
			if finished {
				return s.done(ctx, status)
			}
		}
	}
}
