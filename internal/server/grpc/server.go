// Package grpcserver exposes the operator session over gRPC.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/mdmkeeper/internal/convert"
	"github.com/and161185/mdmkeeper/internal/model"
	"github.com/and161185/mdmkeeper/internal/rpc"
	"github.com/and161185/mdmkeeper/internal/service"
)

// Session is the interactor served by the daemon. *service.Session satisfies it.
type Session interface {
	Login(ctx context.Context, clientID, tenantID string, notify service.ChallengeFunc) (model.Credential, error)
	Status() service.SessionStatus
	FetchDevices(ctx context.Context, filter model.DeviceFilter) ([]model.DeviceRecord, error)
	Devices() []model.DeviceRecord
	Device(id string) (model.DeviceRecord, error)
	ApplyAction(ctx context.Context, operator string, kind model.ActionKind, deviceIDs []string, confirm service.ConfirmFunc) (model.ActionBatch, error)
	History(ctx context.Context, limit int) ([]model.OutcomeRecord, error)
}

// Server wires the session into gRPC handlers.
type Server struct {
	session Session
	log     *zap.Logger
}

var _ rpc.DeviceKeeperServer = (*Server)(nil)

// New constructs a gRPC server over session.
func New(session Session, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{session: session, log: log}
}

func decode(in *structpb.Struct, v any) error {
	if err := rpc.Decode(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := rpc.Encode(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}

// --- Auth ---

// Authenticate logs the session in, streaming the device-code challenge if one is needed.
func (s *Server) Authenticate(in *structpb.Struct, stream rpc.AuthenticateStream) error {
	var req rpc.LoginRequest
	if err := decode(in, &req); err != nil {
		return err
	}
	if req.ClientID == "" || req.TenantID == "" {
		return status.Error(codes.InvalidArgument, "empty client_id/tenant_id")
	}

	notify := func(ch model.DeviceCodeChallenge) {
		wc := convert.ToWireChallenge(ch)
		m, err := encode(rpc.AuthEvent{Challenge: &wc})
		if err == nil {
			err = stream.Send(m)
		}
		if err != nil {
			s.log.Warn("challenge not delivered", zap.Error(err))
		}
	}
	if _, err := s.session.Login(stream.Context(), req.ClientID, req.TenantID, notify); err != nil {
		return toStatus(err)
	}

	info := convert.ToWireSession(s.session.Status())
	m, err := encode(rpc.AuthEvent{Session: &info})
	if err != nil {
		return err
	}
	return stream.Send(m)
}

// Status reports the session state.
func (s *Server) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(convert.ToWireSession(s.session.Status()))
}

// --- Devices ---

// FetchDevices refreshes the catalog.
func (s *Server) FetchDevices(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.FetchRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	filter, err := convert.FromWireFilter(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad filter: %v", err)
	}
	devices, err := s.session.FetchDevices(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(convert.ToWireDeviceList(devices, s.session.Status().FetchedAt))
}

// ListDevices returns the catalog without contacting the management API.
func (s *Server) ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return encode(convert.ToWireDeviceList(s.session.Devices(), s.session.Status().FetchedAt))
}

// GetDevice looks one device up in the catalog.
func (s *Server) GetDevice(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.GetDeviceRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ID) == "" {
		return nil, status.Error(codes.InvalidArgument, "device id required")
	}
	d, err := s.session.Device(req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(convert.ToWireDevice(d))
}

// --- Actions ---

// ApplyAction runs a batch, relaying each confirmation to the client.
func (s *Server) ApplyAction(stream rpc.ApplyActionStream) error {
	operator, ok := OperatorFromCtx(stream.Context())
	if !ok {
		return status.Error(codes.Unauthenticated, "no auth")
	}

	first, err := stream.Recv()
	if err != nil {
		return err
	}
	var msg rpc.ApplyMessage
	if err := decode(first, &msg); err != nil {
		return err
	}
	if msg.Start == nil {
		return status.Error(codes.InvalidArgument, "first message must be start")
	}
	kind, ids, err := convert.FromWireApplyStart(*msg.Start)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad start: %v", err)
	}

	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var streamErr error
	confirm := func(id string) bool {
		if msg.Start.AssumeYes {
			return true
		}
		accept, err := s.ask(stream, kind, id)
		if err != nil {
			streamErr = err
			cancel()
			return false
		}
		return accept
	}

	batch, err := s.session.ApplyAction(ctx, operator, kind, ids, confirm)
	if streamErr != nil {
		return streamErr
	}
	if err != nil && batch.ID == uuid.Nil {
		return toStatus(err)
	}

	res := convert.ToWireBatch(batch, err)
	m, encErr := encode(rpc.ApplyEvent{Result: &res})
	if encErr != nil {
		return encErr
	}
	return stream.Send(m)
}

func (s *Server) ask(stream rpc.ApplyActionStream, kind model.ActionKind, id string) (bool, error) {
	m, err := encode(rpc.ApplyEvent{Prompt: &rpc.ConfirmPrompt{
		DeviceID: id,
		Action:   kind.String(),
		Text:     convert.ConfirmText(kind, id),
	}})
	if err != nil {
		return false, err
	}
	if err := stream.Send(m); err != nil {
		return false, err
	}
	in, err := stream.Recv()
	if err != nil {
		return false, status.Errorf(codes.Canceled, "confirmation for %s: %v", id, err)
	}
	var ans rpc.ApplyMessage
	if err := decode(in, &ans); err != nil {
		return false, err
	}
	if ans.Answer == nil || ans.Answer.DeviceID != id {
		return false, status.Error(codes.InvalidArgument, fmt.Sprintf("expected answer for %s", id))
	}
	return ans.Answer.Accept, nil
}

// --- History ---

// History returns journaled outcomes.
func (s *Server) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req rpc.HistoryRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Limit < 0 {
		return nil, status.Error(codes.InvalidArgument, "negative limit")
	}
	recs, err := s.session.History(ctx, req.Limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Errorf(codes.Internal, "history: %v", err)
	}
	return encode(convert.ToWireHistory(recs))
}
