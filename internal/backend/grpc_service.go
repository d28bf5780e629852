package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"gorm.io/gorm"

	"procodus.dev/mirra/internal/store"
	"procodus.dev/mirra/pkg/macaddr"
	"procodus.dev/mirra/pkg/metrics"
	"procodus.dev/mirra/pkg/telemetry"
)

// QueryService implements the TelemetryQuery gRPC service.
type QueryService struct {
	telemetry.UnimplementedQueryServer
	logger       *slog.Logger
	db           *gorm.DB
	measurements *store.Measurements
	metrics      *metrics.BackendMetrics // Optional metrics
}

// NewQueryService creates a new QueryService instance.
func NewQueryService(logger *slog.Logger, db *gorm.DB, m *metrics.BackendMetrics) (*QueryService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	measurements, err := store.NewMeasurements(db)
	if err != nil {
		return nil, err
	}

	return &QueryService{
		logger:       logger,
		db:           db,
		measurements: measurements,
		metrics:      m,
	}, nil
}

// track records in-flight, duration and outcome metrics for one call. The returned
// function must be called with the call's error.
func (s *QueryService) track(method string) func(error) {
	if s.metrics == nil {
		return func(error) {}
	}

	s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))

	return func(err error) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()

		s.metrics.GRPCRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	}
}

// GetCurrentModule returns the module currently bound to a MAC address.
func (s *QueryService) GetCurrentModule(ctx context.Context, req *wrapperspb.StringValue) (resp *structpb.Struct, err error) {
	done := s.track("GetCurrentModule")
	defer func() { done(err) }()

	addr, err := macaddr.Parse(req.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	m, err := store.CurrentModule(ctx, s.db, addr.String())
	if err != nil {
		s.logger.Error("failed to fetch module", "error", err, "mac", addr.String())
		return nil, status.Errorf(codes.Internal, "failed to fetch module: %v", err)
	}
	if m == nil {
		return nil, status.Errorf(codes.NotFound, "no module bound to %s", addr)
	}

	return moduleStruct(m)
}

// ListGateways returns every current gateway with the number of nodes under it.
func (s *QueryService) ListGateways(ctx context.Context, _ *emptypb.Empty) (resp *structpb.ListValue, err error) {
	done := s.track("ListGateways")
	defer func() { done(err) }()

	gateways, err := store.CurrentGateways(ctx, s.db)
	if err != nil {
		s.logger.Error("failed to list gateways", "error", err)
		return nil, status.Errorf(codes.Internal, "failed to list gateways: %v", err)
	}

	values := make([]any, 0, len(gateways))
	for i := range gateways {
		nodes, err := store.NodesOf(ctx, s.db, gateways[i].ID)
		if err != nil {
			s.logger.Error("failed to list nodes", "error", err, "gateway_id", gateways[i].ID)
			return nil, status.Errorf(codes.Internal, "failed to list nodes: %v", err)
		}
		values = append(values, map[string]any{
			"id":         float64(gateways[i].ID),
			"mac":        gateways[i].PhysicalModule.MAC,
			"nodes":      float64(len(nodes)),
			"created_at": gateways[i].CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	s.logger.Debug("listed gateways", "count", len(gateways))

	resp, err = structpb.NewList(values)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode gateways: %v", err)
	}
	return resp, nil
}

// ExportMeasurements streams every measurement in export row form. Rows are sent as they
// are read, so the export is not bound by the maximum message size.
func (s *QueryService) ExportMeasurements(_ *emptypb.Empty, stream telemetry.ExportMeasurementsServer) (err error) {
	done := s.track("ExportMeasurements")
	defer func() { done(err) }()

	ctx := stream.Context()
	sent := 0
	err = s.measurements.Export(ctx, func(row store.ExportRow) error {
		v, err := structpb.NewStruct(map[string]any{
			"timestamp":   row.Timestamp.Format(time.RFC3339),
			"gateway_mac": row.GatewayMAC,
			"node_mac":    row.NodeMAC,
			"value":       row.Value,
			"sensor_name": row.SensorName,
			"sensor_unit": row.SensorUnit,
		})
		if err != nil {
			return err
		}
		if err := stream.Send(v); err != nil {
			return err
		}
		sent++
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.logger.Warn("export stream aborted", "error", ctxErr, "rows_sent", sent)
			return status.FromContextError(ctxErr).Err()
		}
		s.logger.Error("failed to export measurements", "error", err, "rows_sent", sent)
		return status.Errorf(codes.Internal, "failed to export measurements: %v", err)
	}

	s.logger.Debug("exported measurements", "rows", sent)
	return nil
}

func moduleStruct(m *store.Module) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":         float64(m.ID),
		"kind":       string(m.Kind()),
		"mac":        m.PhysicalModule.MAC,
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339),
	}
	if m.GatewayID != nil {
		fields["gateway_id"] = float64(*m.GatewayID)
	}

	v, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode module: %v", err)
	}
	return v, nil
}
