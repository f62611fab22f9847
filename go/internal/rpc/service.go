package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/engine"
	"github.com/mcdev12/estatebid/go/internal/identity"
	"github.com/mcdev12/estatebid/go/internal/models"
	"github.com/mcdev12/estatebid/go/internal/ratelimit"
)

const ServiceName = "auction.v1.BiddingService"

const (
	PlaceBidProcedure  = "/" + ServiceName + "/PlaceBid"
	JoinRoomProcedure  = "/" + ServiceName + "/JoinRoom"
	LeaveRoomProcedure = "/" + ServiceName + "/LeaveRoom"
	GetRoomProcedure   = "/" + ServiceName + "/GetRoom"
	SettleProcedure    = "/" + ServiceName + "/Settle"
)

// Metadata keys attached to rejected bids.
const (
	ReasonHeader       = "X-Bid-Reason"
	CurrentPriceHeader = "X-Current-Price"
	MinNextBidHeader   = "X-Min-Next-Bid"
)

// BiddingEngine defines what the RPC layer needs from the bidding engine.
type BiddingEngine interface {
	PlaceBid(ctx context.Context, propertyID models.PropertyID, bidder models.UserID, amount models.Money) (*engine.BidResult, error)
	JoinRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error)
	LeaveRoom(ctx context.Context, propertyID models.PropertyID, user models.UserID) (auction.Snapshot, error)
	Settle(ctx context.Context, propertyID models.PropertyID, winner models.UserID) (auction.Snapshot, error)
	Snapshot(propertyID models.PropertyID) (auction.Snapshot, error)
}

// Service implements auction.v1.BiddingService (proto/auction/v1/bidding.proto)
// over Connect, gRPC and gRPC-Web. Messages are google.protobuf.Struct so any
// client can call it without generated stubs.
type Service struct {
	engine  BiddingEngine
	limiter ratelimit.Limiter
}

// NewService creates a new bidding RPC service. limiter may be nil.
func NewService(eng BiddingEngine, limiter ratelimit.Limiter) *Service {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	return &Service{engine: eng, limiter: limiter}
}

// NewHandler builds an HTTP handler from the service implementation. It
// returns the path on which to mount the handler and the handler itself.
func NewHandler(svc *Service, verifier identity.Verifier, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append(opts, connect.WithInterceptors(AuthInterceptor(verifier)))
	schema := func(name protoreflect.Name) connect.HandlerOption {
		return connect.WithSchema(biddingServiceMethods.ByName(name))
	}

	mux := http.NewServeMux()
	mux.Handle(PlaceBidProcedure, connect.NewUnaryHandler(PlaceBidProcedure, svc.PlaceBid,
		schema("PlaceBid"), connect.WithHandlerOptions(opts...)))
	mux.Handle(JoinRoomProcedure, connect.NewUnaryHandler(JoinRoomProcedure, svc.JoinRoom,
		schema("JoinRoom"), connect.WithHandlerOptions(opts...)))
	mux.Handle(LeaveRoomProcedure, connect.NewUnaryHandler(LeaveRoomProcedure, svc.LeaveRoom,
		schema("LeaveRoom"), connect.WithHandlerOptions(opts...)))
	mux.Handle(GetRoomProcedure, connect.NewUnaryHandler(GetRoomProcedure, svc.GetRoom,
		schema("GetRoom"), connect.WithIdempotency(connect.IdempotencyNoSideEffects), connect.WithHandlerOptions(opts...)))
	mux.Handle(SettleProcedure, connect.NewUnaryHandler(SettleProcedure, svc.Settle,
		schema("Settle"), connect.WithHandlerOptions(opts...)))
	return "/" + ServiceName + "/", mux
}

// PlaceBid places a bid for the authenticated user.
// Request: {"property_id": string, "amount": number}
func (s *Service) PlaceBid(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	bidder, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	propertyID, err := propertyIDFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	amount, err := amountFrom(req.Msg)
	if err != nil {
		return nil, err
	}

	decision, err := s.limiter.Allow(ctx, bidder)
	if err != nil {
		log.Warn().Err(err).Str("bidder_id", string(bidder)).Msg("rate limiter unavailable, allowing bid")
	} else if !decision.Allowed {
		cerr := connect.NewError(connect.CodeResourceExhausted, fmt.Errorf("rate limited, retry after %s", decision.RetryAfter))
		cerr.Meta().Set("Retry-After-Ms", strconv.FormatInt(decision.RetryAfter.Milliseconds(), 10))
		return nil, cerr
	}

	res, err := s.engine.PlaceBid(ctx, propertyID, bidder, amount)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(res)
}

// JoinRoom adds the authenticated user to a room.
func (s *Service) JoinRoom(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	propertyID, err := propertyIDFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.JoinRoom(ctx, propertyID, user)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(snap)
}

// LeaveRoom removes the authenticated user from a room.
func (s *Service) LeaveRoom(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	user, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	propertyID, err := propertyIDFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.LeaveRoom(ctx, propertyID, user)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(snap)
}

// GetRoom returns a room snapshot. It does not require authentication.
func (s *Service) GetRoom(_ context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	propertyID, err := propertyIDFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	snap, err := s.engine.Snapshot(propertyID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(snap)
}

// Settle records the settlement of a closed room.
// Request: {"property_id": string, "winner_id": string}
func (s *Service) Settle(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	if _, err := requireUser(ctx); err != nil {
		return nil, err
	}
	if !identity.HasRole(ctx, identity.RoleSettlement) {
		return nil, connect.NewError(connect.CodePermissionDenied, identity.ErrForbidden)
	}
	propertyID, err := propertyIDFrom(req.Msg)
	if err != nil {
		return nil, err
	}
	winner := models.UserID(req.Msg.GetFields()["winner_id"].GetStringValue())

	snap, err := s.engine.Settle(ctx, propertyID, winner)
	if err != nil {
		return nil, toConnectError(err)
	}
	return structResponse(snap)
}

func requireUser(ctx context.Context) (models.UserID, error) {
	user, ok := identity.UserFrom(ctx)
	if !ok {
		return "", connect.NewError(connect.CodeUnauthenticated, identity.ErrMissingToken)
	}
	return user, nil
}

func propertyIDFrom(msg *structpb.Struct) (models.PropertyID, error) {
	id := msg.GetFields()["property_id"].GetStringValue()
	if id == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, errors.New("property_id is required"))
	}
	return models.PropertyID(id), nil
}

// amountFrom reads a whole number of cents. Struct numbers are doubles, so
// anything past 2^53 cannot be represented exactly and is rejected.
func amountFrom(msg *structpb.Struct) (models.Money, error) {
	v, ok := msg.GetFields()["amount"]
	if !ok {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%w: amount is required", auction.ErrInvalidAmount))
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%w: amount must be a number", auction.ErrInvalidAmount))
	}
	f := n.NumberValue
	if f <= 0 || f != math.Trunc(f) || f > float64(models.MaxMoney) {
		return 0, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%w: %v", auction.ErrInvalidAmount, f))
	}
	return models.Money(int64(f)), nil
}

// toConnectError maps an engine error onto a Connect code. Bid rejections
// carry the reason and prices as error metadata.
func toConnectError(err error) *connect.Error {
	var code connect.Code
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	default:
		switch auction.KindOf(err) {
		case auction.KindValidation:
			code = connect.CodeInvalidArgument
		case auction.KindBusinessRule:
			code = connect.CodeFailedPrecondition
		case auction.KindConcurrency:
			code = connect.CodeAborted
		case auction.KindNotFound:
			code = connect.CodeNotFound
		default:
			log.Error().Err(err).Msg("bidding rpc failed")
			return connect.NewError(connect.CodeInternal, errors.New("internal error"))
		}
	}

	cerr := connect.NewError(code, err)
	cerr.Meta().Set(ReasonHeader, auction.ReasonCode(err))
	var bidErr *auction.BidError
	if errors.As(err, &bidErr) {
		cerr.Meta().Set(CurrentPriceHeader, strconv.FormatInt(int64(bidErr.CurrentPrice), 10))
		cerr.Meta().Set(MinNextBidHeader, strconv.FormatInt(int64(bidErr.MinNextBid), 10))
	}
	return cerr
}

// structResponse converts v through its JSON form into a Struct.
func structResponse(v any) (*connect.Response[structpb.Struct], error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	msg, err := structpb.NewStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}
