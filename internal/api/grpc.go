package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"brokerlink/internal/domain"
	"brokerlink/pkg/brokerlink"
)

// OpsServer is the operations service. Requests and responses are free-form
// structs so no generated code is needed.
type OpsServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconcile(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncPositions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateAlerts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FailedJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func opsHandler(call func(OpsServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OpsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OpsServer), ctx, req.(*structpb.Struct))
		})
	}
}

var opsServiceDesc = grpc.ServiceDesc{
	ServiceName: brokerlink.OpsServiceName,
	HandlerType: (*OpsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: opsHandler(OpsServer.Status, brokerlink.OpsStatusMethod)},
		{MethodName: "Reconcile", Handler: opsHandler(OpsServer.Reconcile, brokerlink.OpsReconcileMethod)},
		{MethodName: "SyncPositions", Handler: opsHandler(OpsServer.SyncPositions, brokerlink.OpsSyncPositionsMethod)},
		{MethodName: "EvaluateAlerts", Handler: opsHandler(OpsServer.EvaluateAlerts, brokerlink.OpsEvaluateMethod)},
		{MethodName: "FailedJobs", Handler: opsHandler(OpsServer.FailedJobs, brokerlink.OpsFailedJobsMethod)},
	},
	Metadata: "brokerlink/v1/ops",
}

func (s *Server) registerGRPC(g *grpc.Server) {
	g.RegisterService(&opsServiceDesc, &opsService{s: s})

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(brokerlink.OpsServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(g, hs)
}

func (s *Server) grpcLogging(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).Dur("duration", time.Since(start)).Msg("grpc call")
	return resp, err
}

// grpcError maps an error class to a gRPC status.
func grpcError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrAuth):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrExternal), errors.Is(err, domain.ErrTransient):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// toStruct converts a JSON-encodable value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

func fieldString(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

type opsService struct {
	s *Server
}

func (o *opsService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	out := map[string]any{
		"status":      "ok",
		"sandbox":     o.s.svc.Connections.Sandbox(),
		"uptime":      time.Since(o.s.started).Round(time.Second).String(),
		"subscribers": o.s.hub.Count(),
	}
	if o.s.svc.Queue != nil {
		out["queue"] = o.s.svc.Queue.Stats()
	}
	if o.s.svc.Scheduler != nil {
		out["alertInterval"] = o.s.svc.Scheduler.Interval().String()
	}
	return toStruct(out)
}

func (o *opsService) Reconcile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := o.s.svc.Engine.Reconcile(ctx, fieldString(in, "user_id"))
	if res == nil && err != nil {
		return nil, grpcError(err)
	}
	return toStruct(convertSync(res, errorStrings(err)))
}

func (o *opsService) SyncPositions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	user := fieldString(in, "user_id")
	if user == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	positions, err := o.s.svc.Engine.SyncPositions(ctx, user)
	if positions == nil && err != nil {
		return nil, grpcError(err)
	}
	resp := brokerlink.PositionsResponse{Positions: []brokerlink.Position{}, Errors: errorStrings(err)}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, convertPosition(p))
	}
	return toStruct(resp)
}

func (o *opsService) EvaluateAlerts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := o.s.svc.Scheduler.Tick(ctx, fieldString(in, "user_id"))
	if err != nil {
		return nil, grpcError(err)
	}
	return toStruct(convertBatch(res))
}

type failedJob struct {
	ID       string         `json:"id"`
	UserID   string         `json:"userId"`
	Title    string         `json:"title"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failedAt"`
	Data     map[string]any `json:"data,omitempty"`
}

func (o *opsService) FailedJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	limit := int(in.GetFields()["limit"].GetNumberValue())
	jobs, err := o.s.svc.Queue.FailedJobs(ctx, limit)
	if err != nil {
		return nil, grpcError(err)
	}
	out := make([]failedJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, failedJob{ID: j.ID, UserID: j.Notification.UserID, Title: j.Notification.Title,
			Attempts: j.Attempts, Error: j.Error, FailedAt: j.FailedAt, Data: j.Notification.Data})
	}
	return toStruct(map[string]any{"jobs": out})
}
