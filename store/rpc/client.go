package rpc

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/bobg/snapsync"
	"github.com/bobg/snapsync/store"
)

var _ snapsync.AnchorStore = &Client{}

// ErrReadOnly is returned by the Client's write methods.
var ErrReadOnly = errors.New("rpc store is read-only")

// Client is a read-only store backed by a remote Server.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient produces a new Client on the given connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func method(name string) string {
	return "/" + serviceName + "/" + name
}

func fromStatus(err error) error {
	if status.Code(err) == codes.NotFound {
		return snapsync.ErrNotFound
	}
	return err
}

// Get implements snapsync.Getter.
func (c *Client) Get(ctx context.Context, ref snapsync.Ref) (snapsync.Blob, error) {
	resp := new(wrapperspb.BytesValue)
	err := c.cc.Invoke(ctx, method("Get"), wrapperspb.Bytes(ref[:]), resp)
	if err != nil {
		return nil, fromStatus(err)
	}
	return resp.Value, nil
}

// GetAnchor implements snapsync.AnchorGetter.
func (c *Client) GetAnchor(ctx context.Context, a snapsync.Anchor, at time.Time) (snapsync.Ref, error) {
	req, err := anchorRequest(a, at)
	if err != nil {
		return snapsync.Ref{}, err
	}
	resp := new(wrapperspb.BytesValue)
	err = c.cc.Invoke(ctx, method("GetAnchor"), req, resp)
	if err != nil {
		return snapsync.Ref{}, fromStatus(err)
	}
	return snapsync.RefFromBytes(resp.Value), nil
}

func (c *Client) stream(ctx context.Context, idx int, req interface{}, recv func() interface{}, f func(interface{}) error) error {
	desc := &serviceDesc.Streams[idx]
	stream, err := c.cc.NewStream(ctx, desc, method(desc.StreamName))
	if err != nil {
		return err
	}
	if err = stream.SendMsg(req); err != nil {
		return errors.Wrap(err, "sending request")
	}
	if err = stream.CloseSend(); err != nil {
		return errors.Wrap(err, "closing send side")
	}
	for {
		msg := recv()
		err = stream.RecvMsg(msg)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(fromStatus(err), "receiving response")
		}
		if err = f(msg); err != nil {
			return err
		}
	}
}

// ListRefs implements snapsync.Getter.
func (c *Client) ListRefs(ctx context.Context, start snapsync.Ref, f func(snapsync.Ref) error) error {
	return c.stream(ctx, 0, wrapperspb.Bytes(start[:]),
		func() interface{} { return new(wrapperspb.BytesValue) },
		func(msg interface{}) error {
			return f(snapsync.RefFromBytes(msg.(*wrapperspb.BytesValue).Value))
		},
	)
}

// ListAnchors implements snapsync.AnchorGetter.
func (c *Client) ListAnchors(ctx context.Context, start snapsync.Anchor, f func(snapsync.Anchor, snapsync.TimeRef) error) error {
	return c.stream(ctx, 1, wrapperspb.String(string(start)),
		func() interface{} { return new(structpb.Struct) },
		func(msg interface{}) error {
			fields := msg.(*structpb.Struct).GetFields()
			a, at, err := parseAnchorRequest(msg.(*structpb.Struct))
			if err != nil {
				return errors.Wrap(err, "parsing anchor time")
			}
			ref, err := snapsync.RefFromHex(fields["ref"].GetStringValue())
			if err != nil {
				return errors.Wrap(err, "parsing anchor ref")
			}
			return f(a, snapsync.TimeRef{T: at, R: ref})
		},
	)
}

// Put always fails with ErrReadOnly.
func (c *Client) Put(context.Context, snapsync.Blob) (snapsync.Ref, bool, error) {
	return snapsync.Ref{}, false, ErrReadOnly
}

// PutAnchor always fails with ErrReadOnly.
func (c *Client) PutAnchor(context.Context, snapsync.Ref, snapsync.Anchor, time.Time) error {
	return ErrReadOnly
}

// Dial connects to a Server at addr.
func Dial(ctx context.Context, addr string, insecure bool) (*Client, *grpc.ClientConn, error) {
	var opts []grpc.DialOption
	if insecure {
		opts = append(opts, grpc.WithInsecure())
	}
	cc, err := grpc.DialContext(ctx, addr, opts...)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "connecting to %s", addr)
	}
	return NewClient(cc), cc, nil
}

func init() {
	store.Register("rpc", func(ctx context.Context, conf map[string]interface{}) (snapsync.AnchorStore, error) {
		addr, ok := conf["addr"].(string)
		if !ok {
			return nil, errors.New(`missing "addr" parameter`)
		}
		insecure, _ := conf["insecure"].(bool)
		c, _, err := Dial(ctx, addr, insecure)
		return c, err
	})
}
