package provider

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"marketcache/internal/domain"
)

// Host exposes a Provider over gRPC so that acquisition servers can share one
// rate-limited upstream account.
type Host struct {
	svc *hostService
}

// HostOptions tunes a Host.
type HostOptions struct {
	// MaxBars caps the bars returned by one Fetch. A capped response is sent
	// with complete=false. Zero means unlimited.
	MaxBars int
	// CallTimeout bounds each upstream call. Zero means no extra deadline.
	CallTimeout time.Duration
}

// NewHost wraps p for serving.
func NewHost(p Provider, opts HostOptions, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{svc: &hostService{
		p:    p,
		opts: opts,
		log:  log.With("component", "provider-host"),
	}}
}

// RegisterGRPC registers the provider service on the given gRPC server.
func (h *Host) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, h.svc)
}

// LoggingInterceptor logs every RPC with its duration and error class.
func LoggingInterceptor(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		began := time.Now()
		resp, err := handler(ctx, req)
		attrs := []any{"method", info.FullMethod, "elapsed", time.Since(began).Round(time.Millisecond)}
		if err != nil {
			log.Warn("rpc failed", append(attrs, "error", err)...)
		} else {
			log.Debug("rpc", attrs...)
		}
		return resp, err
	}
}

// ---------------------------------------------------------------------------
// hostService: Struct <-> Provider translation
// ---------------------------------------------------------------------------

type hostService struct {
	p    Provider
	opts HostOptions
	log  *slog.Logger
}

var _ providerService = (*hostService)(nil)

func (s *hostService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.CallTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.CallTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *hostService) Fetch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	symbol := strings.ToUpper(fieldString(req, "symbol"))
	tf, err := domain.ParseTimeframe(fieldString(req, "timeframe"))
	if err != nil {
		return nil, toStatus(err)
	}
	start, err := fieldTime(req, "start")
	if err != nil {
		return nil, toStatus(err)
	}
	end, err := fieldTime(req, "end")
	if err != nil {
		return nil, toStatus(err)
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	bars, err := s.p.Fetch(ctx, symbol, tf, start, end)
	if err != nil {
		return nil, toStatus(err)
	}

	complete := true
	if s.opts.MaxBars > 0 && len(bars) > s.opts.MaxBars {
		s.log.Warn("capping fetch response", "symbol", symbol, "timeframe", tf, "bars", len(bars), "max", s.opts.MaxBars)
		bars = bars[:s.opts.MaxBars]
		complete = false
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"bars":     barsValue(bars),
		"complete": structpb.NewBoolValue(complete),
	}}, nil
}

func (s *hostService) EarliestAvailable(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tf, err := domain.ParseTimeframe(fieldString(req, "timeframe"))
	if err != nil {
		return nil, toStatus(err)
	}
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	earliest, err := s.p.EarliestAvailable(ctx, strings.ToUpper(fieldString(req, "symbol")), tf)
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"earliest_timestamp": timeValue(earliest),
	}}, nil
}

func (s *hostService) ValidateSymbol(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	info, err := s.p.ValidateSymbol(ctx, strings.ToUpper(fieldString(req, "symbol")))
	if err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"symbol":   structpb.NewStringValue(info.Symbol),
		"name":     structpb.NewStringValue(info.Name),
		"exchange": structpb.NewStringValue(info.Exchange),
		"tradable": structpb.NewBoolValue(info.Tradable),
	}}, nil
}

// Health never returns an RPC error for an unhealthy upstream; the host
// itself answered, so the verdict travels in the ok field.
func (s *hostService) Health(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ctx, cancel := s.callContext(ctx)
	defer cancel()

	h, err := s.p.HealthCheck(ctx)
	msg := h.Message
	if err != nil {
		msg = err.Error()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ok":      structpb.NewBoolValue(err == nil && h.OK),
		"message": structpb.NewStringValue(msg),
	}}, nil
}
