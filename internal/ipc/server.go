package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sort"
	"strings"
	"sync"

	"log/slog"

	"mediaflow/internal/daemon"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
)

const serviceName = "Mediaflow"

// Server exposes daemon control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, d *daemon.Daemon, logger *slog.Logger) (*Server, error) {
	if d == nil {
		return nil, errors.New("ipc server requires daemon")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	rpcServer := rpc.NewServer()
	srv := &service{daemon: d, logger: logging.NewComponentLogger(logger, "ipc"), ctx: ctx}
	if err := rpcServer.RegisterName(serviceName, srv); err != nil {
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		path:      path,
		logger:    logging.NewComponentLogger(logger, "ipc"),
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and removes the socket file.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun mediaflow stop"))
	}
}

type service struct {
	daemon *daemon.Daemon
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) StageStart(req StageRequest, resp *StageResponse) error {
	id, err := stage.ParseIdentity(req.Stage)
	if err != nil {
		return err
	}
	state, err := s.daemon.StartStage(s.ctx, id)
	if err != nil {
		return err
	}
	*resp = StageResponse{Stage: string(id), State: string(state)}
	return nil
}

func (s *service) StagePause(req StageRequest, resp *StageResponse) error {
	id, err := stage.ParseIdentity(req.Stage)
	if err != nil {
		return err
	}
	state, err := s.daemon.PauseStage(s.ctx, id)
	if err != nil {
		return err
	}
	*resp = StageResponse{Stage: string(id), State: string(state)}
	return nil
}

func (s *service) StageResume(req StageRequest, resp *StageResponse) error {
	id, err := stage.ParseIdentity(req.Stage)
	if err != nil {
		return err
	}
	state, err := s.daemon.ResumeStage(s.ctx, id)
	if err != nil {
		return err
	}
	*resp = StageResponse{Stage: string(id), State: string(state)}
	return nil
}

func (s *service) StageDispatch(req StageRequest, resp *DispatchResponse) error {
	id, err := stage.ParseIdentity(req.Stage)
	if err != nil {
		return err
	}
	started, err := s.daemon.DispatchStage(s.ctx, id)
	if err != nil {
		return err
	}
	snapshot, err := s.daemon.StageStatus(s.ctx, id)
	if err != nil {
		s.logger.Debug("stage status after dispatch failed", logging.Error(err))
	}
	*resp = DispatchResponse{Stage: string(id), State: string(snapshot.State), Dispatched: started}
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("daemon stop requested via IPC",
		logging.String(logging.FieldEventType, "daemon_stop_requested"))
	s.daemon.Stop()
	resp.Stopped = true
	return nil
}

func (s *service) Status(req StatusRequest, resp *StatusResponse) error {
	status := s.daemon.Status(s.ctx)
	resp.Running = status.Running
	resp.PID = status.PID
	resp.QueueDBPath = status.QueueDBPath
	resp.LockPath = status.LockFilePath
	resp.APIAddr = s.daemon.APIAddr()
	resp.LastError = status.Workflow.LastError
	resp.WorkersLive = status.WorkersLive
	resp.IngestEnabled = status.IngestEnabled
	resp.QueueStats = make(map[string]int, len(status.Workflow.QueueStats))
	for k, v := range status.Workflow.QueueStats {
		resp.QueueStats[string(k)] = v
	}

	var filter stage.Identity
	if strings.TrimSpace(req.Stage) != "" {
		id, err := stage.ParseIdentity(req.Stage)
		if err != nil {
			return err
		}
		filter = id
	}
	for _, snapshot := range status.Workflow.Stages {
		if filter != "" && snapshot.Stage != filter {
			continue
		}
		resp.Stages = append(resp.Stages, snapshot)
	}
	sort.SliceStable(resp.Stages, func(i, j int) bool {
		return stageOrder(resp.Stages[i].Stage) < stageOrder(resp.Stages[j].Stage)
	})
	return nil
}

func stageOrder(id stage.Identity) int {
	for i, known := range stage.All() {
		if known == id {
			return i
		}
	}
	return len(stage.All())
}

func (s *service) QueueList(req QueueListRequest, resp *QueueListResponse) error {
	filter := queue.ListFilter{}
	if strings.TrimSpace(req.Stage) != "" {
		id, err := stage.ParseIdentity(req.Stage)
		if err != nil {
			return err
		}
		filter.Stage = id
	}
	for _, value := range req.Statuses {
		status, err := queue.ParseStatus(value)
		if err != nil {
			return err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	units, err := s.daemon.ListQueue(s.ctx, filter)
	if err != nil {
		return err
	}
	resp.Items = make([]QueueItem, 0, len(units))
	for _, unit := range units {
		resp.Items = append(resp.Items, FromWorkUnit(unit))
	}
	return nil
}

func (s *service) QueueAdd(req QueueAddRequest, resp *QueueAddResponse) error {
	unit, created, err := s.daemon.AddFile(s.ctx, req.Path)
	if err != nil {
		return err
	}
	resp.Item = FromWorkUnit(unit)
	resp.Created = created
	return nil
}

func (s *service) QueueRetry(req QueueRetryRequest, resp *QueueRetryResponse) error {
	updated, err := s.daemon.RetryFailed(s.ctx, req.IDs)
	if err != nil {
		return err
	}
	resp.Updated = updated
	return nil
}

func (s *service) QueueReset(_ QueueResetRequest, resp *QueueResetResponse) error {
	updated, err := s.daemon.ReclaimStale(s.ctx)
	if err != nil {
		return err
	}
	resp.Updated = updated
	return nil
}

func (s *service) QueueRemove(req QueueRemoveRequest, resp *QueueRemoveResponse) error {
	if len(req.IDs) == 0 {
		return errors.New("at least one unit id is required")
	}
	removed, err := s.daemon.RemoveUnits(s.ctx, req.IDs)
	if err != nil {
		return err
	}
	resp.Removed = removed
	return nil
}
