package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed DeviceKeeper client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts ...grpc.CallOption) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return err
	}
	return Decode(out, resp)
}

// Authenticate logs the daemon in. onChallenge is called if the device-code
// flow starts; the call returns once a credential is issued or the flow fails.
func (c *Client) Authenticate(ctx context.Context, req LoginRequest, onChallenge func(Challenge), opts ...grpc.CallOption) (SessionInfo, error) {
	in, err := Encode(req)
	if err != nil {
		return SessionInfo{}, err
	}
	cs, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], AuthenticateMethod, opts...)
	if err != nil {
		return SessionInfo{}, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}
	if err := stream.SendMsg(in); err != nil {
		return SessionInfo{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return SessionInfo{}, err
	}

	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return SessionInfo{}, errors.New("authenticate: stream closed without a session")
		}
		if err != nil {
			return SessionInfo{}, err
		}
		var ev AuthEvent
		if err := Decode(m, &ev); err != nil {
			return SessionInfo{}, err
		}
		switch {
		case ev.Session != nil:
			return *ev.Session, nil
		case ev.Challenge != nil && onChallenge != nil:
			onChallenge(*ev.Challenge)
		}
	}
}

// Status returns the daemon's session state.
func (c *Client) Status(ctx context.Context, opts ...grpc.CallOption) (SessionInfo, error) {
	var out SessionInfo
	err := c.invoke(ctx, StatusMethod, Empty{}, &out, opts...)
	return out, err
}

// FetchDevices refreshes the daemon's catalog and returns it.
func (c *Client) FetchDevices(ctx context.Context, req FetchRequest, opts ...grpc.CallOption) (DeviceList, error) {
	var out DeviceList
	err := c.invoke(ctx, FetchDevicesMethod, req, &out, opts...)
	return out, err
}

// ListDevices returns the catalog as of the last successful fetch.
func (c *Client) ListDevices(ctx context.Context, opts ...grpc.CallOption) (DeviceList, error) {
	var out DeviceList
	err := c.invoke(ctx, ListDevicesMethod, Empty{}, &out, opts...)
	return out, err
}

// GetDevice returns one device of the catalog as of the last successful fetch.
func (c *Client) GetDevice(ctx context.Context, id string, opts ...grpc.CallOption) (Device, error) {
	var out Device
	err := c.invoke(ctx, GetDeviceMethod, GetDeviceRequest{ID: id}, &out, opts...)
	return out, err
}

// History returns journaled outcomes.
func (c *Client) History(ctx context.Context, limit int, opts ...grpc.CallOption) ([]HistoryRecord, error) {
	var out HistoryResponse
	if err := c.invoke(ctx, HistoryMethod, HistoryRequest{Limit: limit}, &out, opts...); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ApplyAction runs a batch. confirm answers each prompt; it is not called when
// start.AssumeYes is set.
func (c *Client) ApplyAction(ctx context.Context, start ApplyStart, confirm func(ConfirmPrompt) bool, opts ...grpc.CallOption) (BatchResult, error) {
	cs, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], ApplyActionMethod, opts...)
	if err != nil {
		return BatchResult{}, err
	}
	stream := &grpc.GenericClientStream[structpb.Struct, structpb.Struct]{ClientStream: cs}

	if err := c.send(stream, ApplyMessage{Start: &start}); err != nil {
		return BatchResult{}, err
	}
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return BatchResult{}, errors.New("apply: stream closed without a result")
		}
		if err != nil {
			return BatchResult{}, err
		}
		var ev ApplyEvent
		if err := Decode(m, &ev); err != nil {
			return BatchResult{}, err
		}
		switch {
		case ev.Result != nil:
			_ = stream.CloseSend()
			return *ev.Result, nil
		case ev.Prompt != nil:
			accept := confirm != nil && confirm(*ev.Prompt)
			if err := c.send(stream, ApplyMessage{Answer: &ConfirmAnswer{DeviceID: ev.Prompt.DeviceID, Accept: accept}}); err != nil {
				return BatchResult{}, err
			}
		default:
			return BatchResult{}, fmt.Errorf("apply: unexpected event %v", m)
		}
	}
}

func (c *Client) send(stream *grpc.GenericClientStream[structpb.Struct, structpb.Struct], msg ApplyMessage) error {
	in, err := Encode(msg)
	if err != nil {
		return err
	}
	return stream.Send(in)
}
