package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"marketcache/internal/domain"
)

// The provider RPC boundary carries google.protobuf.Struct messages so that
// no generated code is needed on either side. Timestamps travel as decimal
// Unix-nanosecond strings; prices and volumes as doubles.

const serviceName = "marketcache.provider.v1.Provider"

const (
	methodFetch             = "Fetch"
	methodEarliestAvailable = "EarliestAvailable"
	methodValidateSymbol    = "ValidateSymbol"
	methodHealth            = "Health"
)

func fullMethod(m string) string { return "/" + serviceName + "/" + m }

// providerService is implemented by the host; every RPC is unary
// Struct -> Struct.
type providerService interface {
	Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EarliestAvailable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ValidateSymbol(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Health(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*providerService)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodFetch, providerService.Fetch),
		unaryMethod(methodEarliestAvailable, providerService.EarliestAvailable),
		unaryMethod(methodValidateSymbol, providerService.ValidateSymbol),
		unaryMethod(methodHealth, providerService.Health),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketcache/provider/v1",
}

func unaryMethod(name string, fn func(providerService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(providerService)
			if interceptor == nil {
				return fn(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(svc, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ---------------------------------------------------------------------------
// Field codecs
// ---------------------------------------------------------------------------

func timeValue(t time.Time) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(t.UnixNano(), 10))
}

func fieldString(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func fieldNumber(s *structpb.Struct, key string) float64 {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetNumberValue()
	}
	return 0
}

func fieldBool(s *structpb.Struct, key string) bool {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func fieldTime(s *structpb.Struct, key string) (time.Time, error) {
	raw := fieldString(s, key)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: missing %s", domain.ErrInvalidArgument, key)
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s: %v", domain.ErrInvalidArgument, key, err)
	}
	return time.Unix(0, ns).UTC(), nil
}

func barsValue(bars []domain.Bar) *structpb.Value {
	vals := make([]*structpb.Value, len(bars))
	for i, b := range bars {
		vals[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"t":  timeValue(b.Timestamp),
			"o":  structpb.NewNumberValue(b.Open),
			"h":  structpb.NewNumberValue(b.High),
			"l":  structpb.NewNumberValue(b.Low),
			"c":  structpb.NewNumberValue(b.Close),
			"v":  structpb.NewNumberValue(b.Volume),
			"n":  structpb.NewNumberValue(float64(b.TradeCount)),
			"vw": structpb.NewNumberValue(b.VWAP),
		}})
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

func barsFromValue(v *structpb.Value) ([]domain.Bar, error) {
	items := v.GetListValue().GetValues()
	bars := make([]domain.Bar, 0, len(items))
	for i, item := range items {
		s := item.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("%w: bar %d is not an object", domain.ErrInvalidData, i)
		}
		ts, err := fieldTime(s, "t")
		if err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
		bars = append(bars, domain.Bar{
			Timestamp:  ts,
			Open:       fieldNumber(s, "o"),
			High:       fieldNumber(s, "h"),
			Low:        fieldNumber(s, "l"),
			Close:      fieldNumber(s, "c"),
			Volume:     fieldNumber(s, "v"),
			TradeCount: int64(fieldNumber(s, "n")),
			VWAP:       fieldNumber(s, "vw"),
		})
	}
	return bars, nil
}

// ---------------------------------------------------------------------------
// Error mapping
// ---------------------------------------------------------------------------

// toStatus converts a provider error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch Class(err) {
	case ClassNotFound:
		code = codes.NotFound
	case ClassRateLimited:
		code = codes.ResourceExhausted
	case ClassTruncated:
		code = codes.DataLoss
	case ClassCancelled:
		code = codes.Canceled
	case ClassTransient, ClassUnknown:
		if errors.Is(err, context.DeadlineExceeded) {
			code = codes.DeadlineExceeded
		} else {
			code = codes.Unavailable
		}
	default:
		if errors.Is(err, domain.ErrInvalidArgument) {
			code = codes.InvalidArgument
		} else {
			code = codes.FailedPrecondition
		}
	}
	return status.Error(code, err.Error())
}

// fromStatus converts a gRPC error back into the provider error classes.
func fromStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	switch st.Code() {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %s", op, ErrSymbolNotFound, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%s: %w: %s", op, ErrRateLimited, st.Message())
	case codes.Unavailable, codes.Aborted:
		return fmt.Errorf("%s: %w: %s", op, ErrTransient, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s: %w: %w", op, ErrTransient, context.DeadlineExceeded)
	case codes.DataLoss:
		return fmt.Errorf("%s: %w: %s", op, ErrTruncated, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%s: %w", op, context.Canceled)
	}
	return fmt.Errorf("%s: %w: %s: %s", op, ErrPermanent, st.Code(), st.Message())
}
