package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/errand-dispatch/internal/assign"
	busx "github.com/example/errand-dispatch/internal/bus"
	"github.com/example/errand-dispatch/internal/eta"
	"github.com/example/errand-dispatch/internal/geo"
	"github.com/example/errand-dispatch/internal/lifecycle"
	"github.com/example/errand-dispatch/internal/models"
	"github.com/example/errand-dispatch/internal/observability"
	"github.com/example/errand-dispatch/internal/registry"
	"github.com/example/errand-dispatch/internal/store"
	"github.com/example/errand-dispatch/internal/tracking"
)

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/jobs", s.handleCreateJob).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}", s.handleGetJob).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/candidates", s.handleCandidates).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/eta", s.handleJobEta).Methods("GET")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/jobs/{job_id}/status", s.handleTransition).Methods("POST")
	s.mux.HandleFunc("/api/v1/runners/{runner_id}/availability", s.handleAvailability).Methods("POST")
	s.mux.HandleFunc("/internal/runner/locations", s.handleRunnerLocation).Methods("POST")
	s.mux.HandleFunc("/ws/jobs/{job_id}", s.handleTrackWS)
	s.mux.HandleFunc("/ws/jobs/{job_id}/runner/{runner_id}", s.handleRunnerWS)
	s.mux.HandleFunc("/ws/users/{user_id}", s.handleUserWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

type createJobRequest struct {
	Kind         models.JobKind      `json:"kind"`
	BuyerID      string              `json:"buyer_id"`
	SellerID     string              `json:"seller_id,omitempty"`
	Pickup       models.GeoPoint     `json:"pickup"`
	Dropoff      models.GeoPoint     `json:"dropoff"`
	PickupAddr   string              `json:"pickup_address,omitempty"`
	DropoffAddr  string              `json:"dropoff_address,omitempty"`
	CustomerLoc  *models.GeoPoint    `json:"customer_location,omitempty"`
	DeliveryMode models.DeliveryMode `json:"delivery_mode"`
}

// resolvePoint fills in a missing coordinate from its free-text address. A
// point supplied by the client always wins over the address.
func (s *Server) resolvePoint(ctx context.Context, p models.GeoPoint, addr string) (models.GeoPoint, error) {
	if geo.ValidPoint(p) {
		return p, nil
	}
	if addr == "" || s.Geocoder == nil {
		return p, errors.New("invalid coordinates")
	}
	return s.Geocoder.Lookup(ctx, addr)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.BuyerID == "" {
		http.Error(w, "buyer_id required", http.StatusBadRequest)
		return
	}
	if req.Kind != models.KindOrder && req.Kind != models.KindErrand {
		http.Error(w, "kind must be order or errand", http.StatusBadRequest)
		return
	}
	if req.DeliveryMode != models.ModePickup && req.DeliveryMode != models.ModeDelivery {
		http.Error(w, "delivery_mode must be pickup or delivery", http.StatusBadRequest)
		return
	}
	pickup, err := s.resolvePoint(r.Context(), req.Pickup, req.PickupAddr)
	if err != nil {
		http.Error(w, "pickup: "+err.Error(), http.StatusBadRequest)
		return
	}
	dropoff, err := s.resolvePoint(r.Context(), req.Dropoff, req.DropoffAddr)
	if err != nil {
		http.Error(w, "dropoff: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CustomerLoc != nil && !geo.ValidPoint(*req.CustomerLoc) {
		http.Error(w, "invalid customer location", http.StatusBadRequest)
		return
	}
	job := &models.Job{
		Kind:         req.Kind,
		Status:       models.StatusAvailable,
		BuyerID:      req.BuyerID,
		SellerID:     req.SellerID,
		Pickup:       pickup,
		Dropoff:      dropoff,
		CustomerLoc:  req.CustomerLoc,
		Fee:          s.Pricing.FeeFor(pickup, dropoff),
		DeliveryMode: req.DeliveryMode,
	}
	created, err := s.Store.Create(r.Context(), job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// offer the new job to nearby candidates, best effort
	if created.DeliveryMode == models.ModeDelivery {
		go s.offerToCandidates(created)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(created)
}

func (s *Server) offerToCandidates(j *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cands, err := s.Matcher.Candidates(ctx, j.Pickup, nil)
	if err != nil {
		s.logger.Warn("offer pass failed", "job_id", j.ID, "error", err)
		return
	}
	for i, c := range cands {
		if i >= 5 {
			break
		}
		n := models.Notification{
			RecipientID: c.Runner.ID,
			Title:       "New job nearby",
			Body:        "A job is available near you.",
			Data:        map[string]string{"job_id": j.ID},
		}
		if err := s.Machine.Notify.Notify(ctx, n); err != nil {
			s.logger.Debug("offer notification failed", "runner_id", c.Runner.ID, "error", err)
		}
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.Store.Get(r.Context(), mux.Vars(r)["job_id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	j, err := s.Store.Get(r.Context(), mux.Vars(r)["job_id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if j.DeliveryMode == models.ModePickup {
		http.Error(w, "pickup jobs are not matched to runners", http.StatusUnprocessableEntity)
		return
	}
	cands, err := s.Matcher.Candidates(r.Context(), j.Pickup, lifecycle.DeclinedRunners(j))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// an empty list is "no runners available", a normal result
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"job_id": j.ID, "candidates": cands})
}

// handleJobEta estimates the runner's travel time to the job's destination,
// routed through OSRM when configured and falling back to straight-line speed.
func (s *Server) handleJobEta(w http.ResponseWriter, r *http.Request) {
	j, err := s.Store.Get(r.Context(), mux.Vars(r)["job_id"])
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !j.Status.Trackable() || j.RunnerID == "" {
		http.Error(w, "no runner en route", http.StatusUnprocessableEntity)
		return
	}
	rn, ok, err := s.Reg.Get(r.Context(), j.RunnerID)
	if err != nil || !ok || !geo.ValidPoint(rn.Loc) {
		http.Error(w, "runner location unknown", http.StatusUnprocessableEntity)
		return
	}
	dest := j.Dropoff
	if j.CustomerLoc != nil {
		dest = *j.CustomerLoc
	}

	seconds, cached := s.EtaCache.Get(rn.Loc, dest)
	routed := s.Router != nil
	if !cached {
		if s.Router != nil {
			seconds, err = s.Router.EstimateSeconds(rn.Loc, dest)
			if err != nil {
				s.logger.Warn("routed eta failed, using straight-line", "job_id", j.ID, "error", err)
				routed = false
			}
		}
		if !routed {
			seconds = eta.EstimateSeconds(rn.Loc, dest, geo.DefaultSpeedKmh)
		}
		s.EtaCache.Set(rn.Loc, dest, seconds)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"job_id":      j.ID,
		"distance_km": geo.DistanceKm(rn.Loc, dest),
		"eta_seconds": seconds,
		"routed":      routed,
	})
}

type actorRequest struct {
	ActorID string      `json:"actor_id"`
	Role    models.Role `json:"role"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunnerID string `json:"runner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" {
		http.Error(w, "runner_id required", http.StatusBadRequest)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	actor := models.Actor{ID: req.RunnerID, Role: models.RoleRunner}
	j, err := s.Machine.Request(r.Context(), jobID, models.StatusAccepted, actor)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	s.publishStatusHint(jobID, j.Status)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RunnerID string `json:"runner_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RunnerID == "" {
		http.Error(w, "runner_id required", http.StatusBadRequest)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	j, err := s.Machine.Reject(r.Context(), jobID, models.Actor{ID: req.RunnerID, Role: models.RoleRunner})
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To models.JobStatus `json:"to"`
		actorRequest
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	jobID := mux.Vars(r)["job_id"]
	actor := models.Actor{ID: req.ActorID, Role: req.Role}
	j, err := s.Machine.Request(r.Context(), jobID, req.To, actor)
	if err != nil {
		s.writeTransitionError(w, err)
		return
	}
	s.publishStatusHint(jobID, j.Status)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(j)
}

// publishStatusHint nudges trackers on the fast channel; they re-read the
// store rather than trusting the hint.
func (s *Server) publishStatusHint(jobID string, status models.JobStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := busx.Event{Type: busx.EventStatus, JobID: jobID, Status: status, At: time.Now()}
	if err := s.Bus.Publish(ctx, ev); err != nil {
		s.logger.Debug("status hint publish failed", "job_id", jobID, "error", err)
	}
}

func (s *Server) writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, assign.ErrJobAlreadyAssigned):
		http.Error(w, "job already assigned; re-run matching", http.StatusConflict)
	case errors.Is(err, assign.ErrStaleRunner):
		http.Error(w, "runner is stale; re-run matching", http.StatusConflict)
	case errors.Is(err, assign.ErrRunnerBusy):
		http.Error(w, "runner already on a job; re-run matching", http.StatusConflict)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		http.Error(w, "invalid transition", http.StatusUnprocessableEntity)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	runnerID := mux.Vars(r)["runner_id"]
	err := s.Gate.SetAvailability(r.Context(), runnerID, req.Online)
	if errors.Is(err, registry.ErrToggleInFlight) {
		http.Error(w, "availability change in flight, retry", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Online {
		observability.RunnersOnline.Inc()
	} else {
		observability.RunnersOnline.Dec()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunnerLocation(w http.ResponseWriter, r *http.Request) {
	var rn models.Runner
	if err := json.NewDecoder(r.Body).Decode(&rn); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rn.ID == "" || !geo.ValidPoint(rn.Loc) {
		http.Error(w, "invalid runner payload", http.StatusBadRequest)
		return
	}
	if rn.LastSeen.IsZero() {
		rn.LastSeen = time.Now()
	}
	// publish to kafka if configured; the consumer keeps shared registries warm
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(rn); err != nil {
			s.logger.Warn("kafka publish failed", "runner_id", rn.ID, "error", err)
		}
	}
	if err := s.Reg.Upsert(r.Context(), rn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

// handleTrackWS streams the merged job view to a watching party.
func (s *Server) handleTrackWS(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if _, err := s.Store.Get(r.Context(), jobID); err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	tr, release, err := s.Hub.Acquire(r.Context(), jobID)
	if err != nil {
		s.logger.Warn("tracker acquire failed", "job_id", jobID, "error", err)
		return
	}
	defer release()

	views, stop := tr.Subscribe()
	defer stop()

	// drain client frames so pings and closes are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				stop()
				return
			}
		}
	}()

	for v := range views {
		if err := conn.WriteJSON(v); err != nil {
			return
		}
	}
}

// handleRunnerWS is the runner's leg of the socket layer: raw positions come
// up at device rate, the publisher re-emits on the fixed interval while the
// job stays trackable.
func (s *Server) handleRunnerWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, runnerID := vars["job_id"], vars["runner_id"]
	j, err := s.Store.Get(r.Context(), jobID)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if j.RunnerID != runnerID {
		http.Error(w, "not the assigned runner", http.StatusForbidden)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	var latest *models.GeoPoint
	pub := &tracking.Publisher{
		JobID:    jobID,
		RunnerID: runnerID,
		Bus:      s.Bus,
		Reg:      s.Reg,
		Store:    s.Store,
		Interval: s.cfg.EmitInterval,
		Logger:   s.logger,
		Source: func(ctx context.Context) (models.GeoPoint, bool) {
			mu.Lock()
			defer mu.Unlock()
			if latest == nil {
				return models.GeoPoint{}, false
			}
			return *latest, true
		},
	}
	if err := pub.Start(r.Context()); err != nil {
		s.logger.Warn("publisher start failed", "job_id", jobID, "error", err)
		return
	}
	defer pub.Stop()

	for {
		var p models.GeoPoint
		if err := conn.ReadJSON(&p); err != nil {
			return
		}
		if !geo.ValidPoint(p) {
			continue
		}
		mu.Lock()
		latest = &p
		mu.Unlock()
	}
}

// handleUserWS registers a party session for direct notification delivery.
func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(userID, conn)
	go func() {
		defer s.WSReg.Remove(userID)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
