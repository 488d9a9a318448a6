// Package flight serves transactions and customer segments over Arrow Flight.
//
// DoPut ingests transaction batches, DoGet streams the labeled customer
// table and DoAction exposes classification, summaries and retraining.
package flight

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/TFMV/persona/auth"
	"github.com/TFMV/persona/classify"
	"github.com/TFMV/persona/db"
	"github.com/TFMV/persona/model"
	"github.com/TFMV/persona/pipeline"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/source"
	"github.com/TFMV/persona/storage"
)

// Action types understood by DoAction.
const (
	ActionClassify = "classify"
	ActionLookup   = "lookup"
	ActionSummary  = "summary"
	ActionProfiles = "profiles"
	ActionRefresh  = "refresh"
	ActionRetrain  = "retrain"
)

var actions = []*flight.ActionType{
	{Type: ActionClassify, Description: "Assign a persona to one recency/frequency/monetary triple"},
	{Type: ActionLookup, Description: "Return the stored segment of a customer id"},
	{Type: ActionSummary, Description: "Per-persona customer counts and mean RFM"},
	{Type: ActionProfiles, Description: "Cluster profiles in ranking order"},
	{Type: ActionRefresh, Description: "Reload the model artifacts from the store"},
	{Type: ActionRetrain, Description: "Segment the ingested transactions, or the configured source, and reload"},
}

// Ticket selects the rows streamed by DoGet. An empty persona selects every
// customer; Limit <= 0 means no limit.
type Ticket struct {
	Persona string `json:"persona,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// LookupRequest is the body of a lookup action.
type LookupRequest struct {
	CustomerID int64 `json:"customer_id"`
}

// PutResult is the application metadata returned by DoPut.
type PutResult struct {
	Rows  int64 `json:"rows"`
	Total int64 `json:"total"`
}

// RetrainRequest is the optional body of a retrain action.
type RetrainRequest struct {
	// FromSource re-reads the configured transaction source instead of
	// segmenting the transactions ingested with DoPut.
	FromSource bool `json:"from_source,omitempty"`
}

// RetrainResult is the body returned by a retrain action.
type RetrainResult struct {
	Manifest storage.Manifest         `json:"manifest"`
	Personas []segment.PersonaSummary `json:"personas"`
	Dropped  int64                    `json:"dropped"`
}

// ProfilesResult is the body returned by a profiles action.
type ProfilesResult struct {
	Profiles []segment.Profile `json:"profiles"`
	Order    []int             `json:"order"`
	Personas []segment.Persona `json:"personas"`
}

// Service implements the Flight service. Retraining and reloading take the
// write side of the service lock so no classification observes a half
// swapped model.
type Service struct {
	flight.BaseFlightServer

	txs     *db.DB
	src     source.Source
	store   storage.Store
	session *classify.Session
	cfg     pipeline.Config
	mem     memory.Allocator
	logger  *zap.Logger
	auth    auth.Authenticator

	mu sync.RWMutex
}

// NewService wires the service to the transaction DB it ingests into, the
// store retraining writes to and the session answering queries.
func NewService(txs *db.DB, store storage.Store, session *classify.Session, cfg pipeline.Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		txs:     txs,
		store:   store,
		session: session,
		cfg:     cfg,
		mem:     memory.NewGoAllocator(),
		logger:  logger.Named("flight"),
	}
}

// WithAuth requires a bearer token on every call: reads need
// auth.RoleReader, ingest, refresh and retrain need auth.RoleWriter.
func (s *Service) WithAuth(a auth.Authenticator) *Service {
	s.auth = a
	return s
}

// WithSource sets the transaction source read by retrain actions with
// FromSource. The source lives as long as the service, so a breaker in front
// of it sees every retrain.
func (s *Service) WithSource(src source.Source) *Service {
	s.src = src
	return s
}

var writeActions = map[string]bool{ActionRefresh: true, ActionRetrain: true}

// authorize checks the bearer token in ctx against role.
func (s *Service) authorize(ctx context.Context, role string) error {
	if s.auth == nil {
		return nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	var token string
	if v := md.Get("authorization"); len(v) > 0 {
		token = strings.TrimPrefix(v[0], "Bearer ")
	}
	user, ok := s.auth.Authenticate(token)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing or unknown token")
	}
	if !s.auth.HasRole(user.Username, role) {
		return status.Errorf(codes.PermissionDenied, "%s lacks role %s", user.Username, role)
	}
	return nil
}

// DoPut ingests a stream of transaction batches.
func (s *Service) DoPut(stream flight.FlightService_DoPutServer) error {
	if err := s.authorize(stream.Context(), auth.RoleWriter); err != nil {
		return err
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to create reader: %v", err)
	}
	defer reader.Release()

	var rows int64
	for reader.Next() {
		rec := reader.Record()
		if err := s.txs.Ingest(rec); err != nil {
			return status.Errorf(codes.InvalidArgument, "ingest: %v", err)
		}
		rows += rec.NumRows()
	}
	if err := reader.Err(); err != nil {
		return status.Errorf(codes.Internal, "stream error: %v", err)
	}

	s.logger.Info("transactions ingested", zap.Int64("rows", rows), zap.Int64("total", s.txs.NumRows()))
	meta, err := json.Marshal(PutResult{Rows: rows, Total: s.txs.NumRows()})
	if err != nil {
		return status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return stream.Send(&flight.PutResult{AppMetadata: meta})
}

// DoGet streams the labeled customers selected by a JSON Ticket.
func (s *Service) DoGet(ticket *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	if err := s.authorize(stream.Context(), auth.RoleReader); err != nil {
		return err
	}
	var t Ticket
	if b := ticket.GetTicket(); len(b) > 0 {
		if err := json.Unmarshal(b, &t); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid ticket: %v", err)
		}
	}

	s.mu.RLock()
	var (
		rows []segment.Assignment
		err  error
	)
	if t.Persona == "" && t.Limit <= 0 {
		rows, err = s.session.Assignments()
	} else {
		rows, err = s.session.Segment(segment.Normalize(t.Persona), t.Limit)
	}
	s.mu.RUnlock()
	if err != nil {
		return toStatus(err)
	}

	rec := segment.ToRecord(s.mem, rows)
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(segment.TableSchema))
	defer writer.Close()
	if err := writer.Write(rec); err != nil {
		return status.Errorf(codes.Internal, "failed to write record: %v", err)
	}
	return nil
}

// ListActions advertises the DoAction types.
func (s *Service) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, a := range actions {
		if err := stream.Send(a); err != nil {
			return err
		}
	}
	return nil
}

// DoAction runs one action and sends a single JSON result.
func (s *Service) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	role := auth.RoleReader
	if writeActions[action.GetType()] {
		role = auth.RoleWriter
	}
	if err := s.authorize(stream.Context(), role); err != nil {
		return err
	}
	body, err := s.action(stream.Context(), action)
	if err != nil {
		s.logger.Warn("action failed", zap.String("action", action.GetType()), zap.Error(err))
		return toStatus(err)
	}
	out, err := json.Marshal(body)
	if err != nil {
		return status.Errorf(codes.Internal, "encode result: %v", err)
	}
	return stream.Send(&flight.Result{Body: out})
}

func (s *Service) action(ctx context.Context, action *flight.Action) (interface{}, error) {
	switch action.GetType() {
	case ActionClassify:
		var m rfm.Metrics
		if err := json.Unmarshal(action.GetBody(), &m); err != nil {
			return nil, fmt.Errorf("%w: %v", classify.ErrInvalidInput, err)
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.session.Classify(ctx, m)

	case ActionLookup:
		var req LookupRequest
		if err := json.Unmarshal(action.GetBody(), &req); err != nil {
			return nil, fmt.Errorf("%w: %v", classify.ErrInvalidInput, err)
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		a, ok, err := s.session.Lookup(req.CustomerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, status.Errorf(codes.NotFound, "customer %d has no segment", req.CustomerID)
		}
		return a, nil

	case ActionSummary:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.session.Summary()

	case ActionProfiles:
		s.mu.RLock()
		defer s.mu.RUnlock()
		profiles, ranking, err := s.session.Profiles()
		if err != nil {
			return nil, err
		}
		res := ProfilesResult{Profiles: profiles, Order: ranking.Order}
		for _, c := range ranking.Order {
			res.Personas = append(res.Personas, ranking.ByCluster[c])
		}
		return res, nil

	case ActionRefresh:
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.session.Refresh(ctx); err != nil {
			return nil, err
		}
		return s.session.Manifest()

	case ActionRetrain:
		var req RetrainRequest
		if b := action.GetBody(); len(b) > 0 {
			if err := json.Unmarshal(b, &req); err != nil {
				return nil, fmt.Errorf("%w: %v", classify.ErrInvalidInput, err)
			}
		}
		return s.retrain(ctx, req)

	default:
		return nil, status.Errorf(codes.Unimplemented, "unknown action %q", action.GetType())
	}
}

// retrain segments everything ingested so far, or the configured source,
// and loads the result.
func (s *Service) retrain(ctx context.Context, req RetrainRequest) (*RetrainResult, error) {
	var src source.Source = source.Table{DB: s.txs}
	if req.FromSource {
		if s.src == nil {
			return nil, status.Error(codes.FailedPrecondition, "no transaction source configured")
		}
		src = s.src
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := pipeline.New(s.cfg, pipeline.Deps{
		Source: src,
		Store:  s.store,
		Logger: s.logger,
		Mem:    s.mem,
	})
	if err != nil {
		return nil, err
	}
	res, err := p.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.session.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("reload after retrain: %w", err)
	}
	return &RetrainResult{
		Manifest: res.Manifest,
		Personas: res.Personas,
		Dropped:  res.Aggregation.MissingCustomer + res.Aggregation.NonPositiveQuantity,
	}, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, classify.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, model.ErrNotFitted),
		errors.Is(err, rfm.ErrNoTransactions),
		errors.Is(err, model.ErrDegenerateFeature),
		errors.Is(err, segment.ErrUnmappedPersona):
		code = codes.FailedPrecondition
	case errors.Is(err, storage.ErrArtifactNotFound):
		code = codes.NotFound
	case errors.Is(err, source.ErrDataSource):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}
