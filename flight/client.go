package flight

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/TFMV/persona/classify"
	"github.com/TFMV/persona/db"
	"github.com/TFMV/persona/rfm"
	"github.com/TFMV/persona/segment"
	"github.com/TFMV/persona/storage"
)

// ---------------------------------------------------------------------
// Flight Client
// ---------------------------------------------------------------------

// Client talks to a persona Flight service.
type Client struct {
	client flight.Client
	token  string
}

// NewClient connects to addr. Without dial options the connection is
// unencrypted.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create flight client: %w", err)
	}
	return &Client{client: client}, nil
}

// WithToken sends token as a bearer token on every call.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Ingest sends transaction batches with DoPut and returns the server's
// row counts.
func (c *Client) Ingest(ctx context.Context, records []arrow.Record) (PutResult, error) {
	stream, err := c.client.DoPut(c.outgoing(ctx))
	if err != nil {
		return PutResult{}, fmt.Errorf("DoPut failed: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(db.TransactionSchema))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			writer.Close()
			return PutResult{}, fmt.Errorf("failed to send record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return PutResult{}, fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return PutResult{}, fmt.Errorf("close send: %w", err)
	}

	var out PutResult
	for {
		res, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return PutResult{}, err
		}
		if len(res.GetAppMetadata()) > 0 {
			if err := json.Unmarshal(res.GetAppMetadata(), &out); err != nil {
				return PutResult{}, fmt.Errorf("decode put result: %w", err)
			}
		}
	}
}

// Segments fetches the labeled customers selected by t.
func (c *Client) Segments(ctx context.Context, t Ticket) ([]segment.Assignment, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	stream, err := c.client.DoGet(c.outgoing(ctx), &flight.Ticket{Ticket: body})
	if err != nil {
		return nil, fmt.Errorf("DoGet failed: %w", err)
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	var out []segment.Assignment
	for reader.Next() {
		rows, err := segment.FromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("error reading from flight stream: %w", err)
	}
	return out, nil
}

// Classify asks the service for the persona of one triple.
func (c *Client) Classify(ctx context.Context, m rfm.Metrics) (classify.Result, error) {
	var out classify.Result
	err := c.do(ctx, ActionClassify, m, &out)
	return out, err
}

// Lookup returns the stored segment of a customer.
func (c *Client) Lookup(ctx context.Context, customerID int64) (segment.Assignment, error) {
	var out segment.Assignment
	err := c.do(ctx, ActionLookup, LookupRequest{CustomerID: customerID}, &out)
	return out, err
}

// Summary returns the per-persona overview.
func (c *Client) Summary(ctx context.Context) ([]segment.PersonaSummary, error) {
	var out []segment.PersonaSummary
	err := c.do(ctx, ActionSummary, nil, &out)
	return out, err
}

// Profiles returns the cluster profiles and their ranking.
func (c *Client) Profiles(ctx context.Context) (ProfilesResult, error) {
	var out ProfilesResult
	err := c.do(ctx, ActionProfiles, nil, &out)
	return out, err
}

// Refresh makes the service reload its artifacts.
func (c *Client) Refresh(ctx context.Context) (storage.Manifest, error) {
	var out storage.Manifest
	err := c.do(ctx, ActionRefresh, nil, &out)
	return out, err
}

// Retrain segments the transactions ingested so far.
func (c *Client) Retrain(ctx context.Context) (RetrainResult, error) {
	var out RetrainResult
	err := c.do(ctx, ActionRetrain, nil, &out)
	return out, err
}

// RetrainFromSource makes the service re-read its configured transaction
// source and segment that.
func (c *Client) RetrainFromSource(ctx context.Context) (RetrainResult, error) {
	var out RetrainResult
	err := c.do(ctx, ActionRetrain, RetrainRequest{FromSource: true}, &out)
	return out, err
}

// ListActions returns the action types the service supports.
func (c *Client) ListActions(ctx context.Context) ([]string, error) {
	stream, err := c.client.ListActions(c.outgoing(ctx), &flight.Empty{})
	if err != nil {
		return nil, err
	}
	var out []string
	for {
		a, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a.GetType())
	}
}

func (c *Client) do(ctx context.Context, typ string, req, resp interface{}) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return fmt.Errorf("encode %s request: %w", typ, err)
		}
	}
	stream, err := c.client.DoAction(c.outgoing(ctx), &flight.Action{Type: typ, Body: body})
	if err != nil {
		return err
	}
	res, err := stream.Recv()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(res.GetBody(), resp); err != nil {
		return fmt.Errorf("decode %s result: %w", typ, err)
	}
	// drain so the stream completes
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
