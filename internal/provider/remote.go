package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"marketcache/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*RemoteProvider)(nil)

// maxResponseBytes bounds a single Fetch response.
const maxResponseBytes = 64 << 20

// RemoteProvider implements Provider by calling a Host over gRPC.
type RemoteProvider struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// DialRemote connects to a provider host at addr. The connection is lazy;
// use HealthCheck to verify reachability.
func DialRemote(addr string, timeout time.Duration, opts ...grpc.DialOption) (*RemoteProvider, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxResponseBytes)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	rp := NewRemoteProvider(conn, timeout)
	rp.closer = conn.Close
	return rp, nil
}

// NewRemoteProvider wraps an existing connection. The caller keeps ownership
// of conn.
func NewRemoteProvider(conn grpc.ClientConnInterface, timeout time.Duration) *RemoteProvider {
	return &RemoteProvider{conn: conn, timeout: timeout}
}

// Close releases the connection when it was opened by DialRemote.
func (r *RemoteProvider) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

func (r *RemoteProvider) invoke(ctx context.Context, method string, fields map[string]*structpb.Value) (*structpb.Struct, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	resp := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, fullMethod(method), &structpb.Struct{Fields: fields}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Fetch calls the host's Fetch RPC. A response flagged incomplete is
// reported as ErrTruncated.
func (r *RemoteProvider) Fetch(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	op := fmt.Sprintf("remote fetch %s %s", symbol, tf)
	resp, err := r.invoke(ctx, methodFetch, map[string]*structpb.Value{
		"symbol":    structpb.NewStringValue(strings.ToUpper(symbol)),
		"timeframe": structpb.NewStringValue(string(tf)),
		"start":     timeValue(start),
		"end":       timeValue(end),
	})
	if err != nil {
		return nil, fromStatus(op, err)
	}

	bars, err := barsFromValue(resp.GetFields()["bars"])
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	if !fieldBool(resp, "complete") {
		return bars, fmt.Errorf("%s: %w: host returned %d bars", op, ErrTruncated, len(bars))
	}
	return bars, nil
}

// ValidateSymbol calls the host's ValidateSymbol RPC.
func (r *RemoteProvider) ValidateSymbol(ctx context.Context, symbol string) (SymbolInfo, error) {
	resp, err := r.invoke(ctx, methodValidateSymbol, map[string]*structpb.Value{
		"symbol": structpb.NewStringValue(strings.ToUpper(symbol)),
	})
	if err != nil {
		return SymbolInfo{}, fromStatus("remote validate "+symbol, err)
	}
	return SymbolInfo{
		Symbol:   fieldString(resp, "symbol"),
		Name:     fieldString(resp, "name"),
		Exchange: fieldString(resp, "exchange"),
		Tradable: fieldBool(resp, "tradable"),
	}, nil
}

// EarliestAvailable calls the host's EarliestAvailable RPC.
func (r *RemoteProvider) EarliestAvailable(ctx context.Context, symbol string, tf domain.Timeframe) (time.Time, error) {
	op := fmt.Sprintf("remote earliest %s %s", symbol, tf)
	resp, err := r.invoke(ctx, methodEarliestAvailable, map[string]*structpb.Value{
		"symbol":    structpb.NewStringValue(strings.ToUpper(symbol)),
		"timeframe": structpb.NewStringValue(string(tf)),
	})
	if err != nil {
		return time.Time{}, fromStatus(op, err)
	}
	t, err := fieldTime(resp, "earliest_timestamp")
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
	}
	return t, nil
}

// HealthCheck calls the host's Health RPC. An unreachable host and an
// unhealthy upstream both yield an error.
func (r *RemoteProvider) HealthCheck(ctx context.Context) (Health, error) {
	began := time.Now()
	resp, err := r.invoke(ctx, methodHealth, map[string]*structpb.Value{})
	latency := time.Since(began)
	if err != nil {
		err = fromStatus("remote health", err)
		return Health{Message: err.Error(), Latency: latency}, err
	}
	h := Health{OK: fieldBool(resp, "ok"), Message: fieldString(resp, "message"), Latency: latency}
	if !h.OK {
		return h, fmt.Errorf("remote health: %w: %s", ErrTransient, h.Message)
	}
	return h, nil
}
