package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"tripbooker/internal/booking"
	"tripbooker/internal/booking/saga"
	"tripbooker/internal/itinerary"
	"tripbooker/internal/itinerary/store"
)

// BookingService defines the behavior needed by the gRPC adapter.
type BookingService interface {
	Submit(ctx context.Context, req booking.BookingRequest) (booking.BookingRequest, bool, error)
	Reserve(ctx context.Context, id string) (*saga.Outcome, error)
	Confirm(ctx context.Context, id string, auth booking.PaymentAuth) (*saga.Outcome, error)
	Cancel(ctx context.Context, id string) (*saga.Outcome, error)
	Get(ctx context.Context, id string) (booking.BookingRequest, error)
}

// BookingServer adapts BookingService to gRPC. Messages are JSON-shaped structpb.Struct values.
type BookingServer struct {
	service BookingService
}

var _ BookingServiceServer = (*BookingServer)(nil)

func NewBookingServer(svc BookingService) *BookingServer {
	return &BookingServer{service: svc}
}

type requestRef struct {
	RequestID   string              `json:"request_id"`
	PaymentAuth booking.PaymentAuth `json:"payment_auth"`
}

type failureView struct {
	ItemID string `json:"item_id"`
	HoldID string `json:"hold_id"`
	Error  string `json:"error"`
}

type phaseResponse struct {
	Request              *booking.BookingRequest `json:"request"`
	Succeeded            bool                    `json:"succeeded"`
	CompensationFailures []failureView           `json:"compensation_failures,omitempty"`
}

// Submit stores a booking request; a replayed idempotency key answers with created=false.
func (s *BookingServer) Submit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req booking.BookingRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	stored, created, err := s.service.Submit(ctx, req)
	if err != nil {
		return nil, mapBookingError(err)
	}
	return encode(struct {
		Request booking.BookingRequest `json:"request"`
		Created bool                   `json:"created"`
	}{stored, created})
}

func (s *BookingServer) Reserve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	out, err := s.service.Reserve(ctx, ref.RequestID)
	return phaseResult(out, err)
}

func (s *BookingServer) Confirm(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	out, err := s.service.Confirm(ctx, ref.RequestID, ref.PaymentAuth)
	return phaseResult(out, err)
}

func (s *BookingServer) Cancel(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	out, err := s.service.Cancel(ctx, ref.RequestID)
	return phaseResult(out, err)
}

func (s *BookingServer) Get(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ref, err := decodeRef(in)
	if err != nil {
		return nil, err
	}
	req, err := s.service.Get(ctx, ref.RequestID)
	if err != nil {
		return nil, mapBookingError(err)
	}
	return encode(struct {
		Request booking.BookingRequest `json:"request"`
	}{req})
}

func phaseResult(out *saga.Outcome, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, mapBookingError(err)
	}
	resp := phaseResponse{Request: out.Request, Succeeded: out.Succeeded()}
	for _, f := range out.CompensationFailures {
		resp.CompensationFailures = append(resp.CompensationFailures, failureView{ItemID: f.ItemID, HoldID: f.HoldID, Error: f.Err.Error()})
	}
	return encode(resp)
}

func decodeRef(in *structpb.Struct) (requestRef, error) {
	var ref requestRef
	if err := decode(in, &ref); err != nil {
		return ref, err
	}
	if ref.RequestID == "" {
		return ref, status.Error(codes.InvalidArgument, "request_id is required")
	}
	return ref, nil
}

func decode(in *structpb.Struct, v any) error {
	data, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "encode message: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func mapBookingError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, itinerary.ErrItemNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if errors.Is(err, store.ErrIdempotencyConflict) || errors.Is(err, itinerary.ErrRequestClosed) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	for _, invalid := range []error{
		booking.ErrNoItems, booking.ErrMissingItemID, booking.ErrDuplicateItemID, booking.ErrUnknownItemType,
		booking.ErrUnknownStatus, itinerary.ErrInvalidPaymentAuth, itinerary.ErrInvalidStatus,
	} {
		if errors.Is(err, invalid) {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// BookingServiceName is the fully qualified gRPC service name.
const BookingServiceName = "tripbooker.v1.BookingService"

// BookingServiceServer is the server API for tripbooker.v1.BookingService.
type BookingServiceServer interface {
	Submit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Confirm(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Get(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type bookingCall func(BookingServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call bookingCall) grpc.MethodHandler {
	fullMethod := "/" + BookingServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(BookingServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(BookingServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// BookingServiceDesc describes tripbooker.v1.BookingService for grpc.ServiceRegistrar.
var BookingServiceDesc = grpc.ServiceDesc{
	ServiceName: BookingServiceName,
	HandlerType: (*BookingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: unaryHandler("Submit", BookingServiceServer.Submit)},
		{MethodName: "Reserve", Handler: unaryHandler("Reserve", BookingServiceServer.Reserve)},
		{MethodName: "Confirm", Handler: unaryHandler("Confirm", BookingServiceServer.Confirm)},
		{MethodName: "Cancel", Handler: unaryHandler("Cancel", BookingServiceServer.Cancel)},
		{MethodName: "Get", Handler: unaryHandler("Get", BookingServiceServer.Get)},
	},
	Metadata: "tripbooker/v1/booking.proto",
}

func RegisterBookingServiceServer(s grpc.ServiceRegistrar, srv BookingServiceServer) {
	s.RegisterService(&BookingServiceDesc, srv)
}

// BookingServiceClient calls tripbooker.v1.BookingService.
type BookingServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewBookingServiceClient(cc grpc.ClientConnInterface) *BookingServiceClient {
	return &BookingServiceClient{cc: cc}
}

func (c *BookingServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fmt.Sprintf("/%s/%s", BookingServiceName, method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
