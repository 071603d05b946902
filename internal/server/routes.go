package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"LendLedger/internal/event"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Queries is the read side served over HTTP.
type Queries interface {
	GetMarket(ctx context.Context, marketID string) (*query.MarketResponse, error)
	ListMarkets(ctx context.Context) (*query.MarketsResponse, error)
	GetAccountPosition(ctx context.Context, account uuid.UUID, marketID string) (*query.PositionResponse, error)
	ListLiquidations(ctx context.Context, borrower uuid.UUID, limit int, before *int64) (*query.LiquidationsResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// Commands accepts wire-format commands for the processor.
type Commands interface {
	SubmitRaw(ctx context.Context, eventType string, data []byte) (event.Event, error)
}

// EventLog reports the persisted head of the log.
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// maxCommandBytes caps a submitted command body.
const maxCommandBytes = 64 << 10

// CommandAccepted is the response to a queued command. Acceptance means
// the command parsed; the processor may still reject it.
type CommandAccepted struct {
	Accepted       bool   `json:"accepted"`
	CommandType    string `json:"command_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path, endpoint string
		h                      handlerFunc
	}{
		{"GET", "/v1/markets", "list_markets", s.listMarkets},
		{"GET", "/v1/markets/{market}", "get_market", s.getMarket},
		{"GET", "/v1/accounts/{account}/positions/{market}", "get_position", s.getPosition},
		{"GET", "/v1/accounts/{account}/liquidations", "list_liquidations", s.listLiquidations},
		{"POST", "/v1/commands/{type}", "submit_command", s.submitCommand},
		{"GET", "/v1/admin/integrity", "verify_integrity", s.verifyIntegrity},
		{"GET", "/v1/admin/event-log", "event_log_info", s.eventLogInfo},
		{"POST", "/v1/admin/snapshot", "take_snapshot", s.takeSnapshot},
		{"POST", "/v1/admin/rebuild-liquidations", "rebuild_liquidations", s.rebuildLiquidations},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, s.wrap(rt.endpoint, rt.h)); err != nil {
			return err
		}
	}
	return nil
}

// wrap renders the handler's result as JSON and maps errors through gRPC
// codes to HTTP statuses.
func (s *Server) wrap(endpoint string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := h(r, params)

		code := codes.OK
		httpStatus := http.StatusOK
		var body interface{} = resp
		if err != nil {
			code = errorCode(err)
			httpStatus = runtime.HTTPStatusFromCode(code)
			body = ErrorResponse{Code: code.String(), Message: err.Error()}
			if code == codes.Internal {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		} else if r.Method == http.MethodPost && endpoint == "submit_command" {
			httpStatus = http.StatusAccepted
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus)
		json.NewEncoder(w).Encode(body)

		if m := s.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(httpStatus)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				m.QueryErrors.WithLabelValues(endpoint, code.String()).Inc()
			}
		}
	}
}

func errorCode(err error) codes.Code {
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return st.Code()
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, ingestion.ErrInvalidCommand):
		return codes.InvalidArgument
	case errors.Is(err, ingestion.ErrIngestClosed):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func (s *Server) listMarkets(r *http.Request, _ map[string]string) (interface{}, error) {
	return s.deps.Queries.ListMarkets(r.Context())
}

func (s *Server) getMarket(r *http.Request, p map[string]string) (interface{}, error) {
	return s.deps.Queries.GetMarket(r.Context(), p["market"])
}

func (s *Server) getPosition(r *http.Request, p map[string]string) (interface{}, error) {
	account, err := parseAccount(p["account"])
	if err != nil {
		return nil, err
	}
	return s.deps.Queries.GetAccountPosition(r.Context(), account, p["market"])
}

func (s *Server) listLiquidations(r *http.Request, p map[string]string) (interface{}, error) {
	account, err := parseAccount(p["account"])
	if err != nil {
		return nil, err
	}

	q := r.URL.Query()
	var limit int
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit: %v", err)
		}
	}
	var before *int64
	if v := q.Get("before"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before: %v", err)
		}
		before = &seq
	}
	return s.deps.Queries.ListLiquidations(r.Context(), account, limit, before)
}

func (s *Server) submitCommand(r *http.Request, p map[string]string) (interface{}, error) {
	commandType := p["type"]
	if _, ok := event.ParseEventType(commandType); !ok {
		return nil, status.Errorf(codes.NotFound, "unknown command type %q", commandType)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(data) > maxCommandBytes {
		return nil, status.Error(codes.InvalidArgument, "command body too large")
	}

	evt, err := s.deps.Commands.SubmitRaw(r.Context(), commandType, data)
	if err != nil {
		if code := errorCode(err); code == codes.Internal {
			// Remaining errors come from parsing the body.
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return nil, err
	}
	return CommandAccepted{
		Accepted:       true,
		CommandType:    commandType,
		IdempotencyKey: evt.IdempotencyKey(),
	}, nil
}

func (s *Server) verifyIntegrity(r *http.Request, _ map[string]string) (interface{}, error) {
	return s.deps.Queries.VerifyIntegrity(r.Context())
}

// EventLogInfo reports the persisted head and process uptime.
type EventLogInfo struct {
	LastSequence  int64   `json:"last_sequence"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) eventLogInfo(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.EventLog == nil {
		return nil, status.Error(codes.Unimplemented, "event log not configured")
	}
	seq, err := s.deps.EventLog.GetLatestSequence(r.Context())
	if err != nil {
		return nil, err
	}
	return EventLogInfo{LastSequence: seq, UptimeSeconds: time.Since(s.deps.StartTime).Seconds()}, nil
}

// SnapshotTaken reports the sequence a triggered snapshot covers.
type SnapshotTaken struct {
	Sequence int64 `json:"sequence"`
}

func (s *Server) takeSnapshot(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.Snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshots not configured")
	}
	seq, err := s.deps.Snapshot(r.Context())
	if err != nil {
		return nil, err
	}
	return SnapshotTaken{Sequence: seq}, nil
}

// RebuildResult reports how many rows a rebuild wrote.
type RebuildResult struct {
	Rows int64 `json:"rows"`
}

func (s *Server) rebuildLiquidations(r *http.Request, _ map[string]string) (interface{}, error) {
	if s.deps.RebuildLiquidations == nil {
		return nil, status.Error(codes.Unimplemented, "rebuild not configured")
	}
	n, err := s.deps.RebuildLiquidations(r.Context())
	if err != nil {
		return nil, err
	}
	return RebuildResult{Rows: n}, nil
}

func parseAccount(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid account %q: %v", s, err)
	}
	return id, nil
}
