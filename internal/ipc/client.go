package ipc

import (
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) call(method string, req, resp any) error {
	return c.client.Call(serviceName+"."+method, req, resp)
}

// StageStart starts a stage.
func (c *Client) StageStart(name string) (*StageResponse, error) {
	var resp StageResponse
	if err := c.call("StageStart", StageRequest{Stage: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StagePause pauses a stage.
func (c *Client) StagePause(name string) (*StageResponse, error) {
	var resp StageResponse
	if err := c.call("StagePause", StageRequest{Stage: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StageResume resumes a stage.
func (c *Client) StageResume(name string) (*StageResponse, error) {
	var resp StageResponse
	if err := c.call("StageResume", StageRequest{Stage: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StageDispatch asks a stage to fill free capacity.
func (c *Client) StageDispatch(name string) (*DispatchResponse, error) {
	var resp DispatchResponse
	if err := c.call("StageDispatch", StageRequest{Stage: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop shuts the daemon down.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status. An empty stage returns every stage.
func (c *Client) Status(name string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{Stage: name}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueList returns units filtered by stage and statuses.
func (c *Client) QueueList(req QueueListRequest) (*QueueListResponse, error) {
	var resp QueueListResponse
	if err := c.call("QueueList", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueAdd enqueues a source file.
func (c *Client) QueueAdd(path string) (*QueueAddResponse, error) {
	var resp QueueAddResponse
	if err := c.call("QueueAdd", QueueAddRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueRetry returns failed units to pending.
func (c *Client) QueueRetry(ids []int64) (*QueueRetryResponse, error) {
	var resp QueueRetryResponse
	if err := c.call("QueueRetry", QueueRetryRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueReset returns expired claims to pending.
func (c *Client) QueueReset() (*QueueResetResponse, error) {
	var resp QueueResetResponse
	if err := c.call("QueueReset", QueueResetRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueueRemove deletes units that are not claimed.
func (c *Client) QueueRemove(ids []int64) (*QueueRemoveResponse, error) {
	var resp QueueRemoveResponse
	if err := c.call("QueueRemove", QueueRemoveRequest{IDs: ids}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
