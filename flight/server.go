package flight

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
)

// NewServer creates a Flight server listening on addr with svc registered.
// Call Serve to start it and Shutdown to stop it.
func NewServer(addr string, svc *Service, opts ...grpc.ServerOption) (flight.Server, error) {
	srv := flight.NewServerWithMiddleware(nil, opts...)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv.RegisterFlightService(svc)
	return srv, nil
}
