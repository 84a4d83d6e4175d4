package brokerlink

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC operations service names.
const (
	OpsServiceName         = "brokerlink.v1.Ops"
	OpsStatusMethod        = "/brokerlink.v1.Ops/Status"
	OpsReconcileMethod     = "/brokerlink.v1.Ops/Reconcile"
	OpsSyncPositionsMethod = "/brokerlink.v1.Ops/SyncPositions"
	OpsEvaluateMethod      = "/brokerlink.v1.Ops/EvaluateAlerts"
	OpsFailedJobsMethod    = "/brokerlink.v1.Ops/FailedJobs"
)

// OpsClient calls the operations service. Requests and responses are
// free-form structs.
type OpsClient struct {
	cc grpc.ClientConnInterface
}

// NewOpsClient wraps a client connection.
func NewOpsClient(cc grpc.ClientConnInterface) *OpsClient {
	return &OpsClient{cc: cc}
}

func (c *OpsClient) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Status reports process health and queue counters.
func (c *OpsClient) Status(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, OpsStatusMethod, nil)
}

// Reconcile runs an order reconciliation pass; an empty userID means all
// users.
func (c *OpsClient) Reconcile(ctx context.Context, userID string) (map[string]any, error) {
	return c.call(ctx, OpsReconcileMethod, map[string]any{"user_id": userID})
}

// SyncPositions refreshes one user's positions.
func (c *OpsClient) SyncPositions(ctx context.Context, userID string) (map[string]any, error) {
	return c.call(ctx, OpsSyncPositionsMethod, map[string]any{"user_id": userID})
}

// EvaluateAlerts runs an alert evaluation batch; an empty userID means all
// users.
func (c *OpsClient) EvaluateAlerts(ctx context.Context, userID string) (map[string]any, error) {
	return c.call(ctx, OpsEvaluateMethod, map[string]any{"user_id": userID})
}

// FailedJobs lists retained failed notification jobs, newest first.
func (c *OpsClient) FailedJobs(ctx context.Context, limit int) (map[string]any, error) {
	return c.call(ctx, OpsFailedJobsMethod, map[string]any{"limit": limit})
}
