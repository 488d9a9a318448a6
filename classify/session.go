// Package classify assigns a persona to one ad hoc RFM triple using the
// artifacts of the last pipeline run.
package classify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/TFMV/persona/index"
	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/storage"
)

var (
	classifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "persona_classify_latency_seconds",
		Help: "Latency of single-customer classification",
	})
	classifyCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "persona_classify_cache_hits_total",
		Help: "Classifications answered from the result cache",
	})
	refreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "persona_session_refresh_total",
		Help: "Artifact reloads by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(classifyLatency, classifyCacheHits, refreshTotal)
}

// ErrInvalidInput is returned for triples that no customer could have.
var ErrInvalidInput = errors.New("invalid rfm input")

// Result is the classification of one triple.
type Result struct {
	Cluster        int             `json:"cluster"`
	Persona        segment.Persona `json:"persona"`
	Recommendation string          `json:"recommendation"`
	// Profile is the mean RFM of the stored customers in the same cluster.
	Profile    segment.Profile `json:"profile"`
	Generation string          `json:"generation"`
}

// Options configure a Session.
type Options struct {
	Vocabulary segment.Vocabulary
	CacheSize  int
	Index      index.Settings
	Logger     *zap.Logger
}

// state is everything loaded from one artifact generation.
type state struct {
	manifest    storage.Manifest
	scaler      *model.Scaler
	clusterer   *model.KMeans
	assignments []segment.Assignment
	profiles    []segment.Profile
	ranking     segment.Ranking
	index       *index.Segments
	summary     []segment.PersonaSummary
	cache       *lru.Cache
	cacheMu     sync.Mutex
}

// Session holds the artifacts of the last pipeline run for inference.
// Classify calls may run concurrently with each other and with Refresh;
// a refresh swaps the loaded state wholesale.
type Session struct {
	store  storage.Store
	opts   Options
	logger *zap.Logger

	mu  sync.RWMutex
	cur *state
}

// NewSession creates a session over store. Nothing is loaded until Refresh.
func NewSession(store storage.Store, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	if len(opts.Vocabulary) == 0 {
		opts.Vocabulary = segment.DefaultVocabulary
	}
	return &Session{
		store:  store,
		opts:   opts,
		logger: opts.Logger.Named("classify"),
	}
}

// Refresh loads the current artifacts from the store and recomputes the
// cluster ranking from the stored table. On failure the previously loaded
// state stays in place.
func (s *Session) Refresh(ctx context.Context) error {
	st, err := s.load(ctx)
	if err != nil {
		refreshTotal.WithLabelValues("error").Inc()
		return err
	}
	s.mu.Lock()
	s.cur = st
	s.mu.Unlock()

	refreshTotal.WithLabelValues("ok").Inc()
	s.logger.Info("artifacts loaded",
		zap.String("generation", st.manifest.Generation),
		zap.Int("customers", len(st.assignments)),
		zap.Int("clusters", len(st.profiles)))
	return nil
}

func (s *Session) load(ctx context.Context) (*state, error) {
	a, err := s.store.Load(ctx)
	if errors.Is(err, storage.ErrArtifactNotFound) {
		return nil, fmt.Errorf("%w: %w", model.ErrNotFitted, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer a.Release()

	scaler, err := model.ScalerFromState(a.Scaler)
	if err != nil {
		return nil, fmt.Errorf("restore scaler: %w", err)
	}
	clusterer, err := model.KMeansFromState(a.Clusterer)
	if err != nil {
		return nil, fmt.Errorf("restore clusterer: %w", err)
	}
	assignments, err := a.Assignments()
	if err != nil {
		return nil, fmt.Errorf("decode labeled table: %w", err)
	}
	vocab, err := s.vocabulary(a.Manifest)
	if err != nil {
		return nil, err
	}
	profiles, ranking, err := segment.Relabel(assignments, a.Clusterer.K, vocab)
	if err != nil {
		return nil, fmt.Errorf("rank stored clusters: %w", err)
	}

	return &state{
		manifest:    a.Manifest,
		scaler:      scaler,
		clusterer:   clusterer,
		assignments: assignments,
		profiles:    profiles,
		ranking:     ranking,
		index:       index.Build(assignments, s.opts.Index),
		summary:     segment.Summarize(assignments),
		cache:       lru.New(s.opts.CacheSize),
	}, nil
}

// vocabulary returns the persona list the stored table was labeled with, so
// classification names clusters the way the stored rows do. Artifacts
// written without one fall back to the configured vocabulary.
func (s *Session) vocabulary(m storage.Manifest) (segment.Vocabulary, error) {
	if len(m.Personas) == 0 {
		return s.opts.Vocabulary, nil
	}
	stored, err := segment.ParseVocabulary(m.Personas)
	if err != nil {
		return nil, fmt.Errorf("stored persona vocabulary: %w", err)
	}
	if !slices.Equal(stored, s.opts.Vocabulary) {
		s.logger.Warn("configured personas differ from the stored model; using the stored ones",
			zap.Strings("stored", m.Personas),
			zap.Strings("configured", s.opts.Vocabulary.Names()))
	}
	return stored, nil
}

func (s *Session) current() (*state, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return nil, model.ErrNotFitted
	}
	return s.cur, nil
}

// Classify scales m with the stored scaler, assigns it to the nearest stored
// centroid and names the cluster with the ranking of the stored table.
func (s *Session) Classify(ctx context.Context, m rfm.Metrics) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := validate(m); err != nil {
		return Result{}, err
	}
	st, err := s.current()
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	defer func() {
		classifyLatency.Observe(time.Since(start).Seconds())
	}()

	st.cacheMu.Lock()
	cached, ok := st.cache.Get(m)
	st.cacheMu.Unlock()
	if ok {
		classifyCacheHits.Inc()
		return cached.(Result), nil
	}

	scaled, err := st.scaler.TransformRow(m.Vector())
	if err != nil {
		return Result{}, fmt.Errorf("scale input: %w", err)
	}
	cluster, err := st.clusterer.PredictRow(scaled)
	if err != nil {
		return Result{}, fmt.Errorf("predict cluster: %w", err)
	}
	persona, ok := st.ranking.Persona(cluster)
	if !ok {
		return Result{}, fmt.Errorf("%w: cluster %d", segment.ErrUnmappedPersona, cluster)
	}
	res := Result{
		Cluster:        cluster,
		Persona:        persona,
		Recommendation: persona.Recommendation(),
		Profile:        st.profiles[cluster],
		Generation:     st.manifest.Generation,
	}

	st.cacheMu.Lock()
	st.cache.Add(m, res)
	st.cacheMu.Unlock()
	return res, nil
}

func validate(m rfm.Metrics) error {
	for _, v := range m.Vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrInvalidInput)
		}
	}
	if m.Recency < 0 || m.Frequency < 0 || m.Monetary < 0 {
		return fmt.Errorf("%w: recency, frequency and monetary must not be negative", ErrInvalidInput)
	}
	return nil
}

// Segment returns the stored customers labeled with persona, highest
// monetary value first. limit <= 0 returns all of them.
func (s *Session) Segment(persona segment.Persona, limit int) ([]segment.Assignment, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	rows := st.index.Top(persona, limit)
	out := make([]segment.Assignment, len(rows))
	for i, r := range rows {
		out[i] = st.assignments[r]
	}
	return out, nil
}

// Lookup returns the stored assignment of a customer.
func (s *Session) Lookup(customerID int64) (segment.Assignment, bool, error) {
	st, err := s.current()
	if err != nil {
		return segment.Assignment{}, false, err
	}
	row, ok := st.index.Customer(customerID)
	if !ok {
		return segment.Assignment{}, false, nil
	}
	return st.assignments[row], true, nil
}

// Summary returns the per-persona overview of the stored table.
func (s *Session) Summary() ([]segment.PersonaSummary, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	return append([]segment.PersonaSummary(nil), st.summary...), nil
}

// Profiles returns the stored cluster profiles and their ranking.
func (s *Session) Profiles() ([]segment.Profile, segment.Ranking, error) {
	st, err := s.current()
	if err != nil {
		return nil, segment.Ranking{}, err
	}
	return append([]segment.Profile(nil), st.profiles...), st.ranking, nil
}

// Assignments returns the whole stored table in stored order.
func (s *Session) Assignments() ([]segment.Assignment, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	return append([]segment.Assignment(nil), st.assignments...), nil
}

// Manifest describes the loaded generation.
func (s *Session) Manifest() (storage.Manifest, error) {
	st, err := s.current()
	if err != nil {
		return storage.Manifest{}, err
	}
	return st.manifest, nil
}
