package health

import (
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to "".
const ServiceName = "ragagent.v1.Agent"

// BindGRPC mirrors readiness into srv after every background round.
// srv starts NOT_SERVING until the first round completes.
func BindGRPC(m *Manager, srv *grpchealth.Server) {
	srv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	srv.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	m.OnChange(func(o OverallHealth) {
		status := healthpb.HealthCheckResponse_SERVING
		if !o.Ready {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus("", status)
		srv.SetServingStatus(ServiceName, status)
	})
}
