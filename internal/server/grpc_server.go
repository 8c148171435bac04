package server

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/matteso1/distkv/internal/rpc"
	"github.com/matteso1/distkv/internal/storage"
)

// kvService implements the DistKV gRPC service on top of the engine.
type kvService struct {
	store *storage.Engine
}

var _ rpc.KVServer = (*kvService)(nil)

// Put handles put requests.
func (k *kvService) Put(ctx context.Context, req *rpc.PutRequest) (*rpc.PutResponse, error) {
	if err := k.store.Put(req.Key, req.Value); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.PutResponse{}, nil
}

// Get handles get requests. A missing key is codes.NotFound.
func (k *kvService) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	value, err := k.store.Get(req.Key)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.GetResponse{Value: value}, nil
}

// Delete handles delete requests.
func (k *kvService) Delete(ctx context.Context, req *rpc.DeleteRequest) (*rpc.DeleteResponse, error) {
	if err := k.store.Remove(req.Key); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.DeleteResponse{}, nil
}

// Persist compacts the log. It blocks every other operation while it runs.
func (k *kvService) Persist(ctx context.Context, req *rpc.PersistRequest) (*rpc.PersistResponse, error) {
	if err := k.store.Persist(); err != nil {
		return nil, toStatus(err)
	}
	return &rpc.PersistResponse{LogBytes: k.store.Stats().LogBytes}, nil
}

// Keys lists the live keys in sorted order.
func (k *kvService) Keys(ctx context.Context, req *rpc.KeysRequest) (*rpc.KeysResponse, error) {
	keys, err := k.store.Keys()
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.KeysResponse{Keys: keys}, nil
}

// Stats returns engine statistics.
func (k *kvService) Stats(ctx context.Context, req *rpc.StatsRequest) (*rpc.StatsResponse, error) {
	stats := k.store.Stats()

	resp := &rpc.StatsResponse{
		Keys:            stats.Keys,
		LogBytes:        stats.LogBytes,
		Appended:        stats.Appended,
		Compactions:     stats.Compactions,
		ReplayRecords:   stats.Replay.Records,
		ReplaySkipped:   stats.Replay.Skipped,
		ReplayTornBytes: stats.Replay.TornTailBytes,
	}
	if !stats.LastCompaction.IsZero() {
		resp.LastCompactionUnix = stats.LastCompaction.Unix()
	}
	return resp, nil
}

// toStatus maps engine errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
		return status.Error(codes.NotFound, "key not found")
	case errors.Is(err, storage.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, storage.ErrClosed):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, storage.ErrIO):
		return status.Errorf(codes.Internal, "storage failure: %v", err)
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}
