package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName  = "forecast.v1.ForecastService"
	latestMethod = "/" + serviceName + "/Latest"
)

// GrpcClient asks a forecasting service for its latest prediction. Payloads
// are well-known protobuf types so no generated stubs are needed.
type GrpcClient struct {
	conn *grpc.ClientConn
}

func NewGrpcClient(address string, opts ...grpc.DialOption) (*GrpcClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create forecast client for %s: %w", address, err)
	}
	log.Infof("[Forecast] gRPC client targeting %s", address)
	return &GrpcClient{conn: conn}, nil
}

func (c *GrpcClient) Latest(ctx context.Context) (Sample, bool, error) {
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, latestMethod, &emptypb.Empty{}, out); err != nil {
		return Sample{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return sampleFromStruct(out)
}

func (c *GrpcClient) Close() error {
	return c.conn.Close()
}

func sampleFromStruct(s *structpb.Struct) (Sample, bool, error) {
	fields := s.GetFields()
	if !fields["available"].GetBoolValue() {
		return Sample{}, false, nil
	}
	bps, ok := fields["predicted_bps"].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return Sample{}, false, fmt.Errorf("%w: response has no predicted_bps", ErrUnavailable)
	}
	sample := Sample{PredictedBps: bps.NumberValue}
	if ts, ok := fields["sampled_at"].GetKind().(*structpb.Value_NumberValue); ok {
		sec, frac := math.Modf(ts.NumberValue)
		sample.SampledAt = time.Unix(int64(sec), int64(frac*1e9))
	}
	return sample, true, nil
}

func sampleToStruct(sample Sample, ok bool) (*structpb.Struct, error) {
	if !ok {
		return structpb.NewStruct(map[string]interface{}{"available": false})
	}
	return structpb.NewStruct(map[string]interface{}{
		"available":     true,
		"predicted_bps": sample.PredictedBps,
		"sampled_at":    float64(sample.SampledAt.UnixNano()) / 1e9,
	})
}

// RegisterForecastServer exposes src as the forecast service on s.
func RegisterForecastServer(s *grpc.Server, src Client) {
	s.RegisterService(&forecastServiceDesc, src)
}

var forecastServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Client)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forecast/v1/forecast.proto",
}

func latestHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		sample, ok, err := srv.(Client).Latest(ctx)
		if err != nil {
			return nil, err
		}
		return sampleToStruct(sample, ok)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: latestMethod}
	return interceptor(ctx, in, info, handler)
}
