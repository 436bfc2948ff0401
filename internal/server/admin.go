// Package server exposes the operator-facing gRPC surface of an instance:
// cluster state, room inspection and manual purges, plus the standard
// health service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"time"

	"github.com/spellbound/duel-server/internal/engine"
	"github.com/spellbound/duel-server/internal/gateway"
	"github.com/spellbound/duel-server/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// adminServer implements AdminServer against the shared store.
type adminServer struct {
	instanceID    string
	serverVersion string
	started       time.Time

	store  *store.Store
	engine *engine.Engine
	hub    *gateway.Hub
	logger *zap.Logger
}

// NewAdminServer creates the admin service of one instance.
func NewAdminServer(instanceID, version string, st *store.Store, eng *engine.Engine, hub *gateway.Hub, logger *zap.Logger) AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &adminServer{
		instanceID:    instanceID,
		serverVersion: version,
		started:       time.Now(),
		store:         st,
		engine:        eng,
		hub:           hub,
		logger:        logger,
	}
}

// GetServerState returns this instance's view of the cluster.
func (s *adminServer) GetServerState(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	matches, err := s.store.Matches(ctx)
	if err != nil {
		return nil, storeStatus(err)
	}
	instances, err := s.store.Instances(ctx)
	if err != nil {
		return nil, storeStatus(err)
	}
	sizes, err := s.store.QueueSizes(ctx)
	if err != nil {
		return nil, storeStatus(err)
	}

	queues := make(map[string]any, len(sizes))
	for bracket, n := range sizes {
		queues[strconv.Itoa(bracket)] = float64(n)
	}
	ids := make([]any, 0, len(instances))
	for _, id := range instances {
		ids = append(ids, id)
	}

	return structpb.NewStruct(map[string]any{
		"instanceId":       s.instanceID,
		"serverVersion":    s.serverVersion,
		"uptimeSeconds":    time.Since(s.started).Seconds(),
		"numberOfThreads":  float64(runtime.NumGoroutine()),
		"localConnections": float64(s.hub.Len()),
		"activeRooms":      float64(len(matches)),
		"instances":        ids,
		"queues":           queues,
	})
}

// GetRoom returns the stored state of a room with its checksum.
func (s *adminServer) GetRoom(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	roomID := req.GetValue()
	if roomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id is required")
	}
	st, err := s.store.GetGameState(ctx, roomID)
	if err != nil {
		return nil, storeStatus(err)
	}
	pending, err := s.store.CleanupPending(ctx, roomID)
	if err != nil {
		return nil, storeStatus(err)
	}

	data, err := json.Marshal(st)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode room: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode room: %v", err)
	}
	fields["checksum"] = st.Checksum()
	fields["cleanupPending"] = pending

	routes := make(map[string]any, len(st.Players))
	for _, p := range st.Players {
		if p.SocketID == "" {
			continue
		}
		route, err := s.store.GetSocket(ctx, p.SocketID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, storeStatus(err)
		}
		routes[p.ID] = route.InstanceID
	}
	fields["routes"] = routes
	return structpb.NewStruct(fields)
}

// PurgeRoom removes a room and everything indexed under it.
func (s *adminServer) PurgeRoom(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	roomID := req.GetValue()
	if roomID == "" {
		return nil, status.Error(codes.InvalidArgument, "room id is required")
	}
	if err := s.engine.Cleanup(ctx, roomID, "admin purge"); err != nil {
		return nil, storeStatus(err)
	}
	s.logger.Warn("room purged by operator", zap.String("room_id", roomID))
	return &emptypb.Empty{}, nil
}

func storeStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case store.IsTransient(err):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, fmt.Sprint(err))
	}
}
